package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut04"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut05"
	"github.com/elnosh/fiatnuts/mint/storage"
	"github.com/gorilla/mux"
)

type MintServer struct {
	httpServer *http.Server
	mint       *Mint
	logger     *slog.Logger
}

func SetupMintServer(mint *Mint, port string) *MintServer {
	mintServer := &MintServer{mint: mint, logger: mint.logger}
	mintServer.setupHttpServer(port)
	return mintServer
}

func (ms *MintServer) Start() error {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (ms *MintServer) Shutdown(ctx context.Context) error {
	return ms.httpServer.Shutdown(ctx)
}

func (ms *MintServer) setupHttpServer(port string) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/units", ms.getUnits).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/{method}", ms.mintRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/{method}/{quote_id}", ms.mintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/quote/{method}", ms.meltQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/{method}/{quote_id}", ms.meltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/{method}", ms.meltTokens).Methods(http.MethodPost)

	r.Use(jsonHeaders)

	ms.httpServer = &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func jsonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, req)
	})
}

func (ms *MintServer) writeResponse(rw http.ResponseWriter, req *http.Request, response any, logmsg string) {
	body, err := json.Marshal(response)
	if err != nil {
		ms.writeErr(rw, req, cashu.StandardErr, fmt.Sprintf("error marshaling response: %v", err))
		return
	}
	ms.logger.Info(logmsg, slog.Group("request", slog.String("method", req.Method),
		slog.String("url", req.URL.String()), slog.Int("code", http.StatusOK)))
	rw.Write(body)
}

// writeErr responds with err as a cashu error. Errors from the db, the
// Lightning backend or the ledger are logged in full but the response
// only carries the generic error.
func (ms *MintServer) writeErr(rw http.ResponseWriter, req *http.Request, err error, errLogMsg ...string) {
	code := http.StatusBadRequest
	log := err.Error()
	if len(errLogMsg) > 0 {
		log = errLogMsg[0]
	}
	ms.logger.Error(log, slog.Group("request", slog.String("method", req.Method),
		slog.String("url", req.URL.String()), slog.Int("code", code)))

	response := cashu.StandardErr
	if cashuErr, ok := cashu.AsError(err); ok && !internalErrCode(cashuErr.Code) {
		response = cashu.Error{Detail: err.Error(), Code: cashuErr.Code}
	}

	rw.WriteHeader(code)
	errRes, _ := json.Marshal(response)
	rw.Write(errRes)
}

func internalErrCode(code cashu.CashuErrCode) bool {
	switch code {
	case cashu.DBErrCode, cashu.LightningBackendErrCode, cashu.LedgerErrCode:
		return true
	}
	return false
}

func (ms *MintServer) getUnits(rw http.ResponseWriter, req *http.Request) {
	ms.writeResponse(rw, req, ms.mint.units.Units(), "returning units")
}

func (ms *MintServer) mintRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var mintReq nut04.PostMintQuoteBolt11Request
	if err := decodeJsonReqBody(req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	quote, err := ms.mint.RequestMintQuote(req.Context(), method, mintReq.Unit, mintReq.Amount)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, mintQuoteResponse(quote), "returning mint quote")
}

func (ms *MintServer) mintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	method, quoteId := vars["method"], vars["quote_id"]

	quote, err := ms.mint.GetMintQuoteState(req.Context(), method, quoteId)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeResponse(rw, req, mintQuoteResponse(quote), "returning mint quote state")
}

func (ms *MintServer) meltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var meltReq nut05.PostMeltQuoteBolt11Request
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	quote, err := ms.mint.RequestMeltQuote(req.Context(), method, meltReq.Unit, meltReq.Amount)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeMeltQuote(rw, req, quote, "returning melt quote")
}

func (ms *MintServer) meltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	method, quoteId := vars["method"], vars["quote_id"]

	quote, err := ms.mint.CheckMeltQuoteState(req.Context(), method, quoteId)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeMeltQuote(rw, req, quote, "returning melt quote state")
}

func (ms *MintServer) meltTokens(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var meltReq nut05.PostMeltBolt11Request
	if err := decodeJsonReqBody(req, &meltReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	quote, err := ms.mint.MeltTokens(req.Context(), method, meltReq.Quote, meltReq.Request)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeMeltQuote(rw, req, quote, "returning melt")
}

func (ms *MintServer) writeMeltQuote(rw http.ResponseWriter, req *http.Request, quote storage.MeltQuote, logmsg string) {
	feeReserve, err := ms.mint.FeeReserveFiat(quote)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	response := &nut05.PostMeltQuoteBolt11Response{
		Quote:      quote.Id,
		Amount:     quote.Conversion.Amount,
		Unit:       quote.Conversion.Unit,
		Fee:        quote.Conversion.FeeAmount,
		SatAmount:  quote.Conversion.SatAmount,
		FeeReserve: feeReserve,
		State:      quote.State,
		Expiry:     quote.Expiry,
		Preimage:   quote.Preimage,
	}
	ms.writeResponse(rw, req, response, logmsg)
}

func mintQuoteResponse(quote storage.MintQuote) *nut04.PostMintQuoteBolt11Response {
	return &nut04.PostMintQuoteBolt11Response{
		Quote:     quote.Id,
		Request:   quote.PaymentRequest,
		Amount:    quote.Conversion.Amount,
		Unit:      quote.Conversion.Unit,
		Fee:       quote.Conversion.FeeAmount,
		SatAmount: quote.Conversion.SatAmount,
		State:     quote.State,
		Expiry:    quote.Expiry,
	}
}

func decodeJsonReqBody(req *http.Request, dst any) error {
	ct := req.Header.Get("Content-Type")
	if ct != "" {
		mediaType := strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
		if mediaType != "application/json" {
			errmsg := fmt.Sprintf("Content-Type header is %v, not application/json", mediaType)
			return cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		}
	}

	dec := json.NewDecoder(req.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		switch {
		case errors.As(err, &syntaxErr):
			errmsg := fmt.Sprintf("bad json at %d", syntaxErr.Offset)
			return cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		case errors.As(err, &typeErr):
			errmsg := fmt.Sprintf("invalid %v for field %q", typeErr.Value, typeErr.Field)
			return cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		case errors.Is(err, io.EOF):
			return cashu.EmptyBodyErr
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			invalidField := strings.TrimPrefix(err.Error(), "json: unknown field ")
			errmsg := fmt.Sprintf("Request body contains unknown field %s", invalidField)
			return cashu.BuildCashuError(errmsg, cashu.StandardErrCode)
		default:
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
	}
	return nil
}
