package mint

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/elnosh/fiatnuts/cashu"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut04"
	"github.com/elnosh/fiatnuts/cashu/nuts/nut05"
	"github.com/elnosh/fiatnuts/mint/lightning"
)

func newTestServer(t *testing.T, backend *lightning.FakeBackend) *MintServer {
	mint := newTestMint(t, backend, testSource())
	server := SetupMintServer(mint, "0")
	server.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return server
}

func doRequest(t *testing.T, server *MintServer, method, path, body string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reqBody)
	if err != nil {
		t.Fatalf("error creating request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func decodeErr(t *testing.T, w *httptest.ResponseRecorder) cashu.Error {
	var errRes cashu.Error
	if err := json.Unmarshal(w.Body.Bytes(), &errRes); err != nil {
		t.Fatalf("error decoding error response '%s': %v", w.Body.String(), err)
	}
	return errRes
}

func TestMintQuoteHandlers(t *testing.T) {
	backend := &lightning.FakeBackend{HoldInvoices: true}
	server := newTestServer(t, backend)

	w := doRequest(t, server, http.MethodPost, "/v1/mint/quote/bolt11", `{"amount": 10000, "unit": "usd"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected json content type but got '%v'", w.Header().Get("Content-Type"))
	}

	var quote nut04.PostMintQuoteBolt11Response
	if err := json.Unmarshal(w.Body.Bytes(), &quote); err != nil {
		t.Fatalf("error decoding mint quote response: %v", err)
	}
	if quote.Amount != 10000 || quote.Unit != "usd" || quote.Fee != 100 || quote.SatAmount != 202000 {
		t.Fatalf("unexpected mint quote response: %+v", quote)
	}
	if quote.State != nut04.Unpaid || len(quote.Request) == 0 {
		t.Fatalf("expected unpaid quote with invoice but got %+v", quote)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"state":"UNPAID"`)) {
		t.Fatalf("expected state as string in response: %s", w.Body.String())
	}

	hash := mintQuoteHash(t, server.mint, quote.Quote)
	if err := backend.SettleInvoice(hash); err != nil {
		t.Fatalf("unexpected error settling invoice: %v", err)
	}

	w = doRequest(t, server, http.MethodGet, "/v1/mint/quote/bolt11/"+quote.Quote, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &quote); err != nil {
		t.Fatalf("error decoding mint quote response: %v", err)
	}
	if quote.State != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, quote.State)
	}
}

func mintQuoteHash(t *testing.T, mint *Mint, quoteId string) string {
	quote, err := mint.db.GetMintQuote(quoteId)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	return quote.PaymentHash
}

func TestMeltHandlers(t *testing.T) {
	server := newTestServer(t, &lightning.FakeBackend{})

	w := doRequest(t, server, http.MethodPost, "/v1/melt/quote/bolt11", `{"amount": 10000, "unit": "usd"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	var quote nut05.PostMeltQuoteBolt11Response
	if err := json.Unmarshal(w.Body.Bytes(), &quote); err != nil {
		t.Fatalf("error decoding melt quote response: %v", err)
	}
	if quote.Amount != 10000 || quote.Fee != 100 || quote.SatAmount != 198000 || quote.FeeReserve != 0 {
		t.Fatalf("unexpected melt quote response: %+v", quote)
	}

	invoice, _, _, _ := lightning.CreateFakeInvoice(198000)
	body, _ := json.Marshal(nut05.PostMeltBolt11Request{Quote: quote.Quote, Request: invoice})

	w = doRequest(t, server, http.MethodPost, "/v1/melt/bolt11", string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &quote); err != nil {
		t.Fatalf("error decoding melt response: %v", err)
	}
	if quote.State != nut05.Paid || quote.Preimage != lightning.FakePreimage {
		t.Fatalf("expected paid melt with preimage but got %+v", quote)
	}

	w = doRequest(t, server, http.MethodGet, "/v1/melt/quote/bolt11/"+quote.Quote, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}

	w = doRequest(t, server, http.MethodPost, "/v1/melt/bolt11", string(body))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status code %d but got %d", http.StatusBadRequest, w.Code)
	}
	if errRes := decodeErr(t, w); errRes.Code != cashu.MeltQuoteAlreadyPaidErrCode {
		t.Fatalf("expected error code %v but got %v", cashu.MeltQuoteAlreadyPaidErrCode, errRes.Code)
	}
}

func TestHandlerErrors(t *testing.T) {
	server := newTestServer(t, &lightning.FakeBackend{})

	tests := []struct {
		name         string
		method       string
		path         string
		body         string
		expectedCode cashu.CashuErrCode
		expectedMsg  string
	}{
		{
			name:         "unit not supported",
			method:       http.MethodPost,
			path:         "/v1/mint/quote/bolt11",
			body:         `{"amount": 100, "unit": "gbp"}`,
			expectedCode: cashu.UnitErrCode,
			expectedMsg:  "unit not supported: gbp",
		},
		{
			name:         "method not supported",
			method:       http.MethodPost,
			path:         "/v1/mint/quote/bolt12",
			body:         `{"amount": 100, "unit": "usd"}`,
			expectedCode: cashu.PaymentMethodErrCode,
		},
		{
			name:         "negative amount",
			method:       http.MethodPost,
			path:         "/v1/melt/quote/bolt11",
			body:         `{"amount": -5, "unit": "usd"}`,
			expectedCode: cashu.InvalidAmountErrCode,
		},
		{
			name:         "empty body",
			method:       http.MethodPost,
			path:         "/v1/mint/quote/bolt11",
			expectedCode: cashu.StandardErrCode,
			expectedMsg:  cashu.EmptyBodyErr.Detail,
		},
		{
			name:         "unknown field",
			method:       http.MethodPost,
			path:         "/v1/mint/quote/bolt11",
			body:         `{"amount": 100, "unit": "usd", "keyset": "00"}`,
			expectedCode: cashu.StandardErrCode,
		},
		{
			name:         "quote does not exist",
			method:       http.MethodGet,
			path:         "/v1/mint/quote/bolt11/nope",
			expectedCode: cashu.MeltQuoteErrCode,
			expectedMsg:  cashu.QuoteNotExistErr.Detail,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := doRequest(t, server, test.method, test.path, test.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected status code %d but got %d", http.StatusBadRequest, w.Code)
			}
			errRes := decodeErr(t, w)
			if errRes.Code != test.expectedCode {
				t.Fatalf("expected error code %v but got %v (%v)", test.expectedCode, errRes.Code, errRes.Detail)
			}
			if len(test.expectedMsg) > 0 && errRes.Detail != test.expectedMsg {
				t.Fatalf("expected error detail '%v' but got '%v'", test.expectedMsg, errRes.Detail)
			}
		})
	}
}

func TestInternalErrorsAreHidden(t *testing.T) {
	server := newTestServer(t, &lightning.FakeBackend{})
	req := httptest.NewRequest(http.MethodGet, "/v1/mint/quote/bolt11/x", nil)

	w := httptest.NewRecorder()
	server.writeErr(w, req, cashu.BuildCashuError("database is locked", cashu.DBErrCode))

	errRes := decodeErr(t, w)
	if errRes != cashu.StandardErr {
		t.Fatalf("expected generic error '%v' but got '%v'", cashu.StandardErr, errRes)
	}
}

func TestGetUnits(t *testing.T) {
	server := newTestServer(t, &lightning.FakeBackend{})

	w := doRequest(t, server, http.MethodGet, "/v1/units", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status code %d but got %d", http.StatusOK, w.Code)
	}

	var units []cashu.Unit
	if err := json.Unmarshal(w.Body.Bytes(), &units); err != nil {
		t.Fatalf("error decoding units: %v", err)
	}
	expected := []cashu.Unit{
		{Code: "eur", Decimals: 2, FiatBacked: true},
		cashu.Sat,
		{Code: "usd", Decimals: 2, FiatBacked: true},
	}
	if len(units) != len(expected) {
		t.Fatalf("expected units '%v' but got '%v'", expected, units)
	}
	for i := range expected {
		if units[i] != expected[i] {
			t.Fatalf("expected units '%v' but got '%v'", expected, units)
		}
	}
}
