package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type CLNConfig struct {
	RestURL string
	Rune    string
}

// CLNClient talks to a Core Lightning node through its REST plugin.
type CLNClient struct {
	config CLNConfig
	client *http.Client
}

type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func SetupCLNClient(config CLNConfig) (*CLNClient, error) {
	if len(config.RestURL) == 0 {
		return nil, errors.New("CLN REST URL cannot be empty")
	}
	if len(config.Rune) == 0 {
		return nil, errors.New("CLN rune cannot be empty")
	}
	config.RestURL = strings.TrimSuffix(config.RestURL, "/")

	return &CLNClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// post calls method on the node and decodes the response into v.
func (cln *CLNClient) post(ctx context.Context, method string, body any, v any) error {
	var jsonData []byte
	if body != nil {
		var err error
		jsonData, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cln.config.RestURL+"/v1/"+method, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := cln.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var errRes ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errRes); err != nil || len(errRes.Message) == 0 {
			return fmt.Errorf("CLN %v returned status %d: %s", method, resp.StatusCode, bodyBytes)
		}
		return &errRes
	}

	if v == nil {
		return nil
	}
	return json.Unmarshal(bodyBytes, v)
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

func (cln *CLNClient) ConnectionStatus() error {
	if err := cln.post(context.Background(), "getinfo", nil, nil); err != nil {
		return fmt.Errorf("could not get connection status from CLN: %v", err)
	}
	return nil
}

func (cln *CLNClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{
		"amount_msat": amount * 1000,
		"label":       uuid.NewString(),
		"description": "Cashu Lightning Invoice",
		"expiry":      InvoiceExpiryTime,
	}

	var response struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
		ExpiresAt   uint64 `json:"expires_at"`
	}
	if err := cln.post(context.Background(), "invoice", body, &response); err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: response.Bolt11,
		PaymentHash:    response.PaymentHash,
		Amount:         amount,
		Expiry:         response.ExpiresAt,
	}, nil
}

func (cln *CLNClient) InvoiceStatus(hash string) (Invoice, error) {
	body := map[string]string{"payment_hash": hash}

	var response struct {
		Invoices []struct {
			Bolt11      string `json:"bolt11"`
			PaymentHash string `json:"payment_hash"`
			Preimage    string `json:"payment_preimage"`
			AmountMsat  uint64 `json:"amount_msat"`
			Status      string `json:"status"`
			ExpiresAt   int64  `json:"expires_at"`
		} `json:"invoices"`
	}
	if err := cln.post(context.Background(), "listinvoices", body, &response); err != nil {
		return Invoice{}, err
	}
	if len(response.Invoices) == 0 {
		return Invoice{}, errors.New("invoice not found")
	}

	invoice := response.Invoices[0]
	return Invoice{
		PaymentRequest: invoice.Bolt11,
		PaymentHash:    invoice.PaymentHash,
		Preimage:       invoice.Preimage,
		Settled:        invoice.Status == "paid",
		Amount:         invoice.AmountMsat / 1000,
		Expiry:         uint64(invoice.ExpiresAt),
	}, nil
}

func (cln *CLNClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	body := map[string]any{
		"bolt11": request,
		"maxfee": maxFee * 1000,
	}

	var response struct {
		Preimage string `json:"payment_preimage"`
		Status   string `json:"status"`
	}
	if err := cln.post(ctx, "pay", body, &response); err != nil {
		var errRes *ErrorResponse
		if errors.As(err, &errRes) {
			return PaymentStatus{PaymentStatus: Failed}, err
		}
		// could not tell what happened to the payment
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	return PaymentStatus{
		Preimage:      response.Preimage,
		PaymentStatus: paymentState(response.Status),
	}, nil
}

func (cln *CLNClient) OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	body := map[string]string{"payment_hash": paymentHash}

	var response struct {
		Pays []struct {
			PaymentHash     string `json:"payment_hash"`
			Status          string `json:"status"`
			PaymentPreimage string `json:"preimage,omitempty"`
		} `json:"pays"`
	}
	if err := cln.post(ctx, "listpays", body, &response); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	if len(response.Pays) == 0 {
		return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
	}

	payment := response.Pays[0]
	return PaymentStatus{
		Preimage:      payment.PaymentPreimage,
		PaymentStatus: paymentState(payment.Status),
	}, nil
}

func (cln *CLNClient) FeeReserve(amount uint64) uint64 {
	return feeReserve(amount)
}

func paymentState(status string) State {
	switch status {
	case "complete":
		return Succeeded
	case "failed":
		return Failed
	default:
		return Pending
	}
}
