// Package manager serves the mint operator's reporting API:
// ledger reconciliation and the rates the mint is pricing with.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint"
	"github.com/elnosh/fiatnuts/mint/accounting"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/storage"
	"github.com/gorilla/mux"
)

const dateLayout = "2006-01-02"

type Server struct {
	httpServer *http.Server
	mint       *mint.Mint
}

func SetupServer(mint *mint.Mint, addr string) (*Server, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("admin server address cannot be empty")
	}
	mintServer := &Server{
		mint: mint,
	}
	mintServer.setupHttpServer(addr)
	return mintServer, nil
}

func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupHttpServer(addr string) {
	r := mux.NewRouter()

	r.HandleFunc("/accounting/summary", s.getAccountingSummary).Methods(http.MethodGet)
	r.HandleFunc("/accounting/entries", s.getAccountingEntries).Methods(http.MethodGet)
	r.HandleFunc("/rates", s.getRates).Methods(http.MethodGet)
	r.HandleFunc("/routes", s.getRoutes).Methods(http.MethodGet)

	r.Use(jsonHeaders)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// no CORS headers: the ledger must not be readable from browser pages
func jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, req)
	})
}

type SummaryResponse struct {
	Start     *time.Time                    `json:"start,omitempty"`
	End       *time.Time                    `json:"end,omitempty"`
	Summaries map[string]accounting.Summary `json:"summaries"`
}

type EntriesResponse struct {
	Entries []storage.LedgerEntry `json:"entries"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
}

type RatesResponse struct {
	Rates []mint.RateInfo `json:"rates"`
}

func (s *Server) getAccountingSummary(rw http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	start, end, err := ParseDateRange(query.Get("start"), query.Get("end"))
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}

	summaries, err := s.mint.AccountingSummary(query.Get("unit"), start, end)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}

	writeResponse(rw, SummaryResponse{Start: start, End: end, Summaries: summaries})
}

func (s *Server) getAccountingEntries(rw http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	start, end, err := ParseDateRange(query.Get("start"), query.Get("end"))
	if err != nil {
		writeErr(rw, http.StatusBadRequest, err)
		return
	}

	filter := storage.LedgerFilter{
		Unit:  query.Get("unit"),
		Start: start,
		End:   end,
	}
	if operation := query.Get("operation"); len(operation) > 0 {
		filter.Operation, err = fiat.ParseOperation(operation)
		if err != nil {
			writeErr(rw, http.StatusBadRequest, err)
			return
		}
	}
	if filter.Limit, err = intParam(query.Get("limit")); err != nil {
		writeErr(rw, http.StatusBadRequest, fmt.Errorf("invalid limit: %v", err))
		return
	}
	if filter.Offset, err = intParam(query.Get("offset")); err != nil {
		writeErr(rw, http.StatusBadRequest, fmt.Errorf("invalid offset: %v", err))
		return
	}
	if filter.Limit == 0 {
		filter.Limit = accounting.DefaultEntriesLimit
	}

	entries, err := s.mint.AccountingEntries(filter)
	if err != nil {
		writeErr(rw, statusFor(err), err)
		return
	}
	if entries == nil {
		entries = []storage.LedgerEntry{}
	}
	limit := filter.Limit
	if limit > accounting.MaxEntriesLimit {
		limit = accounting.MaxEntriesLimit
	}

	writeResponse(rw, EntriesResponse{Entries: entries, Limit: limit, Offset: filter.Offset})
}

func (s *Server) getRates(rw http.ResponseWriter, req *http.Request) {
	writeResponse(rw, RatesResponse{Rates: s.mint.Rates(req.Context())})
}

func (s *Server) getRoutes(rw http.ResponseWriter, req *http.Request) {
	writeResponse(rw, s.mint.Routes())
}

// ParseDateRange parses optional YYYY-MM-DD or RFC 3339 bounds.
// A bare end date covers that whole day.
func ParseDateRange(startParam, endParam string) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if len(startParam) > 0 {
		t, _, err := parseDate(startParam)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start date '%v': use YYYY-MM-DD", startParam)
		}
		start = &t
	}
	if len(endParam) > 0 {
		t, dateOnly, err := parseDate(endParam)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end date '%v': use YYYY-MM-DD", endParam)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Second)
		}
		end = &t
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, cashu.InvalidDateRangeErr
	}
	return start, end, nil
}

func parseDate(value string) (time.Time, bool, error) {
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	return t, false, err
}

func intParam(value string) (int, error) {
	if len(value) == 0 {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("'%v' is negative", value)
	}
	return n, nil
}

func statusFor(err error) int {
	if cashuErr, ok := cashu.AsError(err); ok && cashuErr.Code == cashu.InvalidDateRangeErrCode {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeResponse(rw http.ResponseWriter, response any) {
	body, err := json.Marshal(response)
	if err != nil {
		writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	rw.Write(body)
}

func writeErr(rw http.ResponseWriter, code int, err error) {
	response := cashu.Error{Detail: err.Error(), Code: cashu.StandardErrCode}
	if cashuErr, ok := cashu.AsError(err); ok {
		response.Code = cashuErr.Code
	}
	rw.WriteHeader(code)
	errRes, _ := json.Marshal(response)
	rw.Write(errRes)
}
