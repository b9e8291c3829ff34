package lightning

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

func TestFakeBackend(t *testing.T) {
	backend := &FakeBackend{HoldInvoices: true}

	invoice, err := backend.CreateInvoice(2100)
	if err != nil {
		t.Fatalf("unexpected error creating invoice: %v", err)
	}

	bolt11, err := decodepay.Decodepay(invoice.PaymentRequest)
	if err != nil {
		t.Fatalf("could not decode fake invoice: %v", err)
	}
	if bolt11.MSatoshi != 2100*1000 {
		t.Fatalf("expected invoice amount of %v msat but got %v", 2100*1000, bolt11.MSatoshi)
	}
	if bolt11.PaymentHash != invoice.PaymentHash {
		t.Fatalf("expected payment hash '%v' but got '%v'", invoice.PaymentHash, bolt11.PaymentHash)
	}

	status, err := backend.InvoiceStatus(invoice.PaymentHash)
	if err != nil {
		t.Fatalf("unexpected error getting invoice status: %v", err)
	}
	if status.Settled {
		t.Fatal("expected held invoice to be unpaid")
	}

	if err := backend.SettleInvoice(invoice.PaymentHash); err != nil {
		t.Fatalf("unexpected error settling invoice: %v", err)
	}
	status, _ = backend.InvoiceStatus(invoice.PaymentHash)
	if !status.Settled {
		t.Fatal("expected invoice to be settled")
	}

	payment, err := backend.SendPayment(context.Background(), invoice.PaymentRequest, 0)
	if err != nil {
		t.Fatalf("unexpected error sending payment: %v", err)
	}
	if payment.PaymentStatus != Succeeded {
		t.Fatalf("expected payment status '%v' but got '%v'", Succeeded, payment.PaymentStatus)
	}

	backend.FailPayments = true
	payment, err = backend.SendPayment(context.Background(), invoice.PaymentRequest, 0)
	if err == nil || payment.PaymentStatus != Failed {
		t.Fatalf("expected failed payment but got '%v' (%v)", payment.PaymentStatus, err)
	}

	if _, err := backend.OutgoingPaymentStatus(context.Background(), "unknown"); !errors.Is(err, OutgoingPaymentNotFound) {
		t.Fatalf("expected error '%v' but got '%v'", OutgoingPaymentNotFound, err)
	}
}

func TestUnsetPaymentStatusIsPending(t *testing.T) {
	var status PaymentStatus
	if status.PaymentStatus != Pending {
		t.Fatalf("expected unset payment status '%v' but got '%v'", Pending, status.PaymentStatus)
	}
}

func TestFeeReserve(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected uint64
	}{
		{amount: 0, expected: 0},
		{amount: 1, expected: 1},
		{amount: 100, expected: 1},
		{amount: 101, expected: 2},
		{amount: 198000, expected: 1980},
	}

	for _, test := range tests {
		if reserve := feeReserve(test.amount); reserve != test.expected {
			t.Fatalf("expected fee reserve of %v but got %v", test.expected, reserve)
		}
	}
}

func TestCLNClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Rune") != "testrune" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(ErrorResponse{Code: 401, Message: "Not authorized"})
			return
		}

		switch r.URL.Path {
		case "/v1/getinfo":
			w.Write([]byte(`{"id":"02abc"}`))
		case "/v1/invoice":
			w.Write([]byte(`{"bolt11":"lnbc1...","payment_hash":"hash123","expires_at":1700000900}`))
		case "/v1/listinvoices":
			w.Write([]byte(`{"invoices":[{"bolt11":"lnbc1...","payment_hash":"hash123","amount_msat":21000,"status":"paid","payment_preimage":"pre"}]}`))
		case "/v1/pay":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"code":210,"message":"Ran out of routes to try"}`))
		case "/v1/listpays":
			w.Write([]byte(`{"pays":[{"payment_hash":"hash123","status":"complete","preimage":"pre"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client, err := SetupCLNClient(CLNConfig{RestURL: server.URL + "/", Rune: "testrune"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.ConnectionStatus(); err != nil {
		t.Fatalf("unexpected error getting connection status: %v", err)
	}

	invoice, err := client.CreateInvoice(21)
	if err != nil {
		t.Fatalf("unexpected error creating invoice: %v", err)
	}
	if invoice.PaymentHash != "hash123" || invoice.Expiry != 1700000900 {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}

	invoice, err = client.InvoiceStatus("hash123")
	if err != nil {
		t.Fatalf("unexpected error getting invoice status: %v", err)
	}
	if !invoice.Settled || invoice.Amount != 21 {
		t.Fatalf("expected settled invoice of 21 sats but got %+v", invoice)
	}

	payment, err := client.SendPayment(context.Background(), "lnbc1...", 10)
	if err == nil {
		t.Fatal("expected error sending payment")
	}
	if payment.PaymentStatus != Failed {
		t.Fatalf("expected payment status '%v' but got '%v'", Failed, payment.PaymentStatus)
	}

	payment, err = client.OutgoingPaymentStatus(context.Background(), "hash123")
	if err != nil {
		t.Fatalf("unexpected error getting payment status: %v", err)
	}
	if payment.PaymentStatus != Succeeded || payment.Preimage != "pre" {
		t.Fatalf("unexpected payment status: %+v", payment)
	}

	unauthorized, _ := SetupCLNClient(CLNConfig{RestURL: server.URL, Rune: "wrong"})
	if err := unauthorized.ConnectionStatus(); err == nil {
		t.Fatal("expected error with wrong rune")
	}

	if _, err := SetupCLNClient(CLNConfig{RestURL: server.URL}); err == nil {
		t.Fatal("expected error with empty rune")
	}
}

func TestLndClient(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	hashBytes, _ := hex.DecodeString(hash)
	preimageBytes := []byte(strings.Repeat("p", 32))

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Grpc-Metadata-macaroon") != hex.EncodeToString([]byte("macaroon")) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"code":2,"message":"verification failed"}`))
			return
		}

		switch {
		case r.URL.Path == "/v1/getinfo":
			w.Write([]byte(`{"synced_to_chain":true}`))
		case r.URL.Path == "/v1/invoices":
			json.NewEncoder(w).Encode(map[string]string{
				"payment_request": "lnbc1...",
				"r_hash":          base64.StdEncoding.EncodeToString(hashBytes),
			})
		case r.URL.Path == "/v1/invoice/"+hash:
			json.NewEncoder(w).Encode(map[string]string{
				"payment_request": "lnbc1...",
				"r_preimage":      base64.StdEncoding.EncodeToString(preimageBytes),
				"value":           "21",
				"state":           "SETTLED",
				"creation_date":   "1700000000",
				"expiry":          "900",
			})
		case r.URL.Path == "/v1/channels/transactions":
			w.Write([]byte(`{"payment_error":"no_route"}`))
		case strings.HasPrefix(r.URL.Path, "/v2/router/track/"):
			w.Write([]byte(`{"result":{"status":"SUCCEEDED","payment_preimage":"pre"}}` + "\n"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	dir := t.TempDir()
	certPath := filepath.Join(dir, "tls.cert")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw})
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		t.Fatal(err)
	}
	macaroonPath := filepath.Join(dir, "admin.macaroon")
	if err := os.WriteFile(macaroonPath, []byte("macaroon"), 0600); err != nil {
		t.Fatal(err)
	}

	client, err := SetupLndClient(LNDConfig{Host: server.URL, CertPath: certPath, MacaroonPath: macaroonPath})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.ConnectionStatus(); err != nil {
		t.Fatalf("unexpected error getting connection status: %v", err)
	}

	invoice, err := client.CreateInvoice(21)
	if err != nil {
		t.Fatalf("unexpected error creating invoice: %v", err)
	}
	if invoice.PaymentHash != hash {
		t.Fatalf("expected payment hash '%v' but got '%v'", hash, invoice.PaymentHash)
	}

	invoice, err = client.InvoiceStatus(hash)
	if err != nil {
		t.Fatalf("unexpected error getting invoice status: %v", err)
	}
	if !invoice.Settled || invoice.Amount != 21 || invoice.Expiry != 1700000900 {
		t.Fatalf("unexpected invoice: %+v", invoice)
	}
	if invoice.Preimage != hex.EncodeToString(preimageBytes) {
		t.Fatalf("expected preimage '%v' but got '%v'", hex.EncodeToString(preimageBytes), invoice.Preimage)
	}

	payment, err := client.SendPayment(context.Background(), "lnbc1...", 10)
	if err == nil || payment.PaymentStatus != Failed {
		t.Fatalf("expected failed payment but got '%v' (%v)", payment.PaymentStatus, err)
	}

	payment, err = client.OutgoingPaymentStatus(context.Background(), hash)
	if err != nil {
		t.Fatalf("unexpected error getting payment status: %v", err)
	}
	if payment.PaymentStatus != Succeeded || payment.Preimage != "pre" {
		t.Fatalf("unexpected payment status: %+v", payment)
	}

	if _, err := SetupLndClient(LNDConfig{Host: server.URL, CertPath: certPath}); err == nil {
		t.Fatal("expected error with empty macaroon path")
	}
}
