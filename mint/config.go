package mint

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/mint/fiat"
	"github.com/elnosh/fiatnuts/mint/lightning"
	"github.com/elnosh/fiatnuts/mint/rates"
	"github.com/shopspring/decimal"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

const (
	FakeBackend = "FakeBackend"
	CLN         = "CLN"
	LND         = "LND"

	DefaultPort      = "3338"
	DefaultAdminAddr = "127.0.0.1:8080"
	DefaultAnchor    = "usd"
)

// minor-unit digits used when MINT_UNIT_DECIMALS_<UNIT> is not set
var knownDecimals = map[string]uint8{
	"usd": 2,
	"eur": 2,
	"gbp": 2,
	"chf": 2,
	"cad": 2,
	"aud": 2,
	"czk": 2,
	"jpy": 0,
}

type Config struct {
	Port      string
	MintPath  string
	AdminAddr string
	LogLevel  LogLevel
	Fiat      FiatConfig
	// Lightning backends by id. Must include Fiat.SatBackend.
	LightningBackends map[string]lightning.Client
	RateSource        rates.Source
	// NOTE: using this value for testing
	MeltTimeout *time.Duration
}

// FiatConfig is parsed once at startup and never changes afterwards.
type FiatConfig struct {
	Units        []cashu.Unit
	Fees         map[string]fiat.FeeSchedule
	SatBackend   string
	FiatBackend  string
	Anchor       string
	RateTTL      time.Duration
	FetchTimeout time.Duration
	MaxAmount    int64
	PriceAPI     string
	ForexAPI     string
}

// Registry builds the unit registry for the configured units.
func (c FiatConfig) Registry() (*cashu.UnitRegistry, error) {
	return cashu.NewUnitRegistry(c.Units...)
}

// FiatUnitCodes returns the codes of the fiat backed units.
func (c FiatConfig) FiatUnitCodes() []string {
	codes := []string{}
	for _, unit := range c.Units {
		if unit.FiatBacked {
			codes = append(codes, unit.Code)
		}
	}
	return codes
}

// LoadFiatConfig reads the fiat settings through lookup.
// Every fee key is resolved here so nothing is looked up at request time.
func LoadFiatConfig(lookup func(string) (string, bool)) (FiatConfig, error) {
	get := func(key string) string {
		value, _ := lookup(key)
		return strings.TrimSpace(value)
	}

	fiatCodes, err := parseUnitList(get("MINT_FIAT_BACKEND_UNITS"))
	if err != nil {
		return FiatConfig{}, fmt.Errorf("invalid MINT_FIAT_BACKEND_UNITS: %v", err)
	}
	unitCodes, err := parseUnitList(get("MINT_UNITS"))
	if err != nil {
		return FiatConfig{}, fmt.Errorf("invalid MINT_UNITS: %v", err)
	}

	configured := map[string]bool{cashu.SatCode: true}
	for _, code := range unitCodes {
		configured[code] = true
	}
	if len(unitCodes) == 0 {
		for _, code := range fiatCodes {
			configured[code] = true
		}
		unitCodes = fiatCodes
	}

	fiatBacked := make(map[string]bool, len(fiatCodes))
	for _, code := range fiatCodes {
		if code == cashu.SatCode {
			return FiatConfig{}, fmt.Errorf("sat cannot be a fiat backed unit")
		}
		if !configured[code] {
			return FiatConfig{}, fmt.Errorf("fiat unit '%v' is not in MINT_UNITS", code)
		}
		fiatBacked[code] = true
	}

	config := FiatConfig{
		Fees:         make(map[string]fiat.FeeSchedule),
		SatBackend:   FakeBackend,
		Anchor:       DefaultAnchor,
		RateTTL:      rates.DefaultTTL,
		FetchTimeout: rates.DefaultFetchTimeout,
		MaxAmount:    fiat.DefaultMaxAmount,
		PriceAPI:     get("MINT_FIAT_PRICE_API"),
		ForexAPI:     get("MINT_FIAT_FOREX_API"),
	}

	for _, code := range unitCodes {
		if code == cashu.SatCode {
			continue
		}
		decimals := knownDecimals[code]
		if value := get("MINT_UNIT_DECIMALS_" + strings.ToUpper(code)); len(value) > 0 {
			parsed, err := strconv.ParseUint(value, 10, 8)
			if err != nil || parsed > 18 {
				return FiatConfig{}, fmt.Errorf("invalid decimals for unit '%v': %v", code, value)
			}
			decimals = uint8(parsed)
		}
		config.Units = append(config.Units, cashu.Unit{Code: code, Decimals: decimals, FiatBacked: fiatBacked[code]})
	}

	for _, code := range fiatCodes {
		mintFee, err := parseFeePct(get("FIAT_BACKEND_MINT_FEE_" + strings.ToUpper(code)))
		if err != nil {
			return FiatConfig{}, fmt.Errorf("invalid mint fee for unit '%v': %v", code, err)
		}
		meltFee, err := parseFeePct(get("FIAT_BACKEND_MELT_FEE_" + strings.ToUpper(code)))
		if err != nil {
			return FiatConfig{}, fmt.Errorf("invalid melt fee for unit '%v': %v", code, err)
		}
		config.Fees[code] = fiat.FeeSchedule{MintFeePct: mintFee, MeltFeePct: meltFee}
	}

	if backend := get("MINT_BACKEND_BOLT11_SAT"); len(backend) > 0 {
		config.SatBackend = backend
	}
	config.FiatBackend = config.SatBackend
	if backend := get("MINT_FIAT_BOLT11_BACKEND"); len(backend) > 0 {
		config.FiatBackend = backend
	}

	if anchor := get("MINT_FIAT_ANCHOR"); len(anchor) > 0 {
		config.Anchor = cashu.NormalizeUnitCode(anchor)
	}
	if config.Anchor == cashu.SatCode {
		return FiatConfig{}, fmt.Errorf("anchor currency cannot be sat")
	}

	if config.RateTTL, err = parseSeconds(get("MINT_FIAT_RATE_TTL"), config.RateTTL); err != nil {
		return FiatConfig{}, fmt.Errorf("invalid MINT_FIAT_RATE_TTL: %v", err)
	}
	if config.FetchTimeout, err = parseSeconds(get("MINT_FIAT_FETCH_TIMEOUT"), config.FetchTimeout); err != nil {
		return FiatConfig{}, fmt.Errorf("invalid MINT_FIAT_FETCH_TIMEOUT: %v", err)
	}

	if value := get("MINT_FIAT_MAX_AMOUNT"); len(value) > 0 {
		maxAmount, err := strconv.ParseInt(value, 10, 64)
		if err != nil || maxAmount <= 0 {
			return FiatConfig{}, fmt.Errorf("invalid MINT_FIAT_MAX_AMOUNT: %v", value)
		}
		config.MaxAmount = maxAmount
	}

	return config, nil
}

// GetConfig reads the mint configuration from the environment.
func GetConfig() (Config, error) {
	fiatConfig, err := LoadFiatConfig(os.LookupEnv)
	if err != nil {
		return Config{}, err
	}

	config := Config{
		Port:      DefaultPort,
		MintPath:  os.Getenv("MINT_DB_PATH"),
		AdminAddr: DefaultAdminAddr,
		LogLevel:  Info,
		Fiat:      fiatConfig,
		LightningBackends: map[string]lightning.Client{
			FakeBackend: &lightning.FakeBackend{},
		},
	}
	if port := os.Getenv("MINT_PORT"); len(port) > 0 {
		config.Port = port
	}
	if addr := os.Getenv("MINT_ADMIN_ADDR"); len(addr) > 0 {
		config.AdminAddr = addr
	}

	switch strings.ToLower(os.Getenv("MINT_LOG_LEVEL")) {
	case "", "info":
	case "debug":
		config.LogLevel = Debug
	case "disable":
		config.LogLevel = Disable
	default:
		return Config{}, fmt.Errorf("invalid MINT_LOG_LEVEL '%v'", os.Getenv("MINT_LOG_LEVEL"))
	}

	if restURL := os.Getenv("CLN_REST_URL"); len(restURL) > 0 {
		client, err := lightning.SetupCLNClient(lightning.CLNConfig{
			RestURL: restURL,
			Rune:    os.Getenv("CLN_REST_RUNE"),
		})
		if err != nil {
			return Config{}, fmt.Errorf("error setting up CLN client: %v", err)
		}
		config.LightningBackends[CLN] = client
	}

	if host := os.Getenv("LND_REST_HOST"); len(host) > 0 {
		client, err := lightning.SetupLndClient(lightning.LNDConfig{
			Host:         host,
			CertPath:     os.Getenv("LND_CERT_PATH"),
			MacaroonPath: os.Getenv("LND_MACAROON_PATH"),
		})
		if err != nil {
			return Config{}, fmt.Errorf("error setting up LND client: %v", err)
		}
		config.LightningBackends[LND] = client
	}

	source, err := rates.NewHTTPSource(rates.HTTPConfig{
		PriceAPI: fiatConfig.PriceAPI,
		ForexAPI: fiatConfig.ForexAPI,
	})
	if err != nil {
		return Config{}, err
	}
	config.RateSource = source

	return config, nil
}

func parseUnitList(value string) ([]string, error) {
	codes := []string{}
	seen := make(map[string]bool)
	for _, part := range strings.Split(value, ",") {
		code := cashu.NormalizeUnitCode(part)
		if len(code) == 0 {
			continue
		}
		if seen[code] {
			return nil, fmt.Errorf("%w: %v", cashu.ErrDuplicateUnit, code)
		}
		seen[code] = true
		codes = append(codes, code)
	}
	return codes, nil
}

func parseFeePct(value string) (decimal.Decimal, error) {
	if len(value) == 0 {
		return decimal.Zero, nil
	}
	pct, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("'%v' is not a number", value)
	}
	if pct.IsNegative() {
		return decimal.Zero, fmt.Errorf("'%v' is negative", value)
	}
	return pct, nil
}

func parseSeconds(value string, fallback time.Duration) (time.Duration, error) {
	if len(value) == 0 {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0, fmt.Errorf("'%v' is not a positive number of seconds", value)
	}
	return time.Duration(seconds) * time.Second, nil
}
