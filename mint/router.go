package mint

import (
	"fmt"
	"sort"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint/lightning"
)

// BackendRouter picks the Lightning backend that settles a unit.
// Fiat units go to the fiat backend, everything else to the sat backend.
type BackendRouter struct {
	satBackend string
	routes     map[string]string
	backends   map[string]lightning.Client
}

func NewBackendRouter(
	backends map[string]lightning.Client,
	satBackend string,
	fiatBackend string,
	fiatUnits []string,
) (*BackendRouter, error) {
	if _, ok := backends[satBackend]; !ok {
		return nil, fmt.Errorf("sat backend '%v' is not configured", satBackend)
	}
	if len(fiatBackend) == 0 {
		fiatBackend = satBackend
	}
	if _, ok := backends[fiatBackend]; !ok && len(fiatUnits) > 0 {
		return nil, fmt.Errorf("fiat backend '%v' is not configured", fiatBackend)
	}

	router := &BackendRouter{
		satBackend: satBackend,
		routes:     map[string]string{cashu.SatCode: satBackend},
		backends:   backends,
	}
	for _, unit := range fiatUnits {
		router.routes[cashu.NormalizeUnitCode(unit)] = fiatBackend
	}
	return router, nil
}

// Route returns the backend id and client for unit.
func (r *BackendRouter) Route(unit string) (string, lightning.Client, error) {
	id, ok := r.routes[cashu.NormalizeUnitCode(unit)]
	if !ok {
		return "", nil, fmt.Errorf("%w: %v", cashu.UnitNotSupportedErr, unit)
	}
	return id, r.backends[id], nil
}

type Route struct {
	Unit    string `json:"unit"`
	Backend string `json:"backend"`
}

// Routes lists the unit to backend mapping sorted by unit.
func (r *BackendRouter) Routes() []Route {
	routes := make([]Route, 0, len(r.routes))
	for unit, backend := range r.routes {
		routes = append(routes, Route{Unit: unit, Backend: backend})
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Unit < routes[j].Unit
	})
	return routes
}
