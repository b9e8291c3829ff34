package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type LNDConfig struct {
	Host         string
	CertPath     string
	MacaroonPath string
}

// LndClient talks to an LND node through its REST proxy.
type LndClient struct {
	host     string
	macaroon string // hex encoded
	client   *http.Client
}

type lndErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *lndErrorResponse) Error() string {
	return e.Message
}

func SetupLndClient(config LNDConfig) (*LndClient, error) {
	if len(config.Host) == 0 {
		return nil, errors.New("LND host cannot be empty")
	}
	if len(config.CertPath) == 0 {
		return nil, errors.New("LND cert path cannot be empty")
	}
	if len(config.MacaroonPath) == 0 {
		return nil, errors.New("LND macaroon path cannot be empty")
	}

	macaroonBytes, err := os.ReadFile(config.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: %v", err)
	}

	cert, err := os.ReadFile(config.CertPath)
	if err != nil {
		return nil, fmt.Errorf("error reading tls cert: %v", err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(cert) {
		return nil, errors.New("no valid certificates in LND tls cert")
	}

	host := config.Host
	if !strings.HasPrefix(host, "https://") {
		host = "https://" + strings.TrimPrefix(host, "http://")
	}

	return &LndClient{
		host:     strings.TrimSuffix(host, "/"),
		macaroon: hex.EncodeToString(macaroonBytes),
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: certPool},
			},
		},
	}, nil
}

func (lnd *LndClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, lnd.host+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Grpc-Metadata-macaroon", lnd.macaroon)

	resp, err := lnd.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		bodyBytes, _ := io.ReadAll(resp.Body)
		var errRes lndErrorResponse
		if err := json.Unmarshal(bodyBytes, &errRes); err != nil || len(errRes.Message) == 0 {
			return nil, fmt.Errorf("LND %v returned status %d: %s", path, resp.StatusCode, bodyBytes)
		}
		return nil, &errRes
	}
	return resp, nil
}

func (lnd *LndClient) call(ctx context.Context, method, path string, body any, v any) error {
	resp, err := lnd.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (lnd *LndClient) ConnectionStatus() error {
	var info struct {
		SyncedToChain bool `json:"synced_to_chain"`
	}
	if err := lnd.call(context.Background(), http.MethodGet, "/v1/getinfo", nil, &info); err != nil {
		return fmt.Errorf("could not get connection status from LND: %v", err)
	}
	return nil
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{
		"value":  strconv.FormatUint(amount, 10),
		"memo":   "Cashu Lightning Invoice",
		"expiry": strconv.Itoa(InvoiceExpiryTime),
	}

	var response struct {
		PaymentRequest string `json:"payment_request"`
		RHash          string `json:"r_hash"`
	}
	if err := lnd.call(context.Background(), http.MethodPost, "/v1/invoices", body, &response); err != nil {
		return Invoice{}, err
	}

	hash, err := base64ToHex(response.RHash)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid payment hash from LND: %v", err)
	}

	return Invoice{
		PaymentRequest: response.PaymentRequest,
		PaymentHash:    hash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	var response struct {
		PaymentRequest string `json:"payment_request"`
		RPreimage      string `json:"r_preimage"`
		Value          string `json:"value"`
		State          string `json:"state"`
		CreationDate   string `json:"creation_date"`
		Expiry         string `json:"expiry"`
	}
	if err := lnd.call(context.Background(), http.MethodGet, "/v1/invoice/"+hash, nil, &response); err != nil {
		return Invoice{}, err
	}

	preimage, err := base64ToHex(response.RPreimage)
	if err != nil {
		return Invoice{}, fmt.Errorf("invalid preimage from LND: %v", err)
	}
	amount, _ := strconv.ParseUint(response.Value, 10, 64)
	created, _ := strconv.ParseUint(response.CreationDate, 10, 64)
	expiry, _ := strconv.ParseUint(response.Expiry, 10, 64)

	invoice := Invoice{
		PaymentRequest: response.PaymentRequest,
		PaymentHash:    hash,
		Settled:        response.State == "SETTLED",
		Amount:         amount,
		Expiry:         created + expiry,
	}
	if invoice.Settled {
		invoice.Preimage = preimage
	}
	return invoice, nil
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	body := map[string]any{
		"payment_request": request,
		"fee_limit":       map[string]string{"fixed": strconv.FormatUint(maxFee, 10)},
	}

	var response struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
	}
	if err := lnd.call(ctx, http.MethodPost, "/v1/channels/transactions", body, &response); err != nil {
		var errRes *lndErrorResponse
		if errors.As(err, &errRes) {
			return PaymentStatus{PaymentStatus: Failed}, err
		}
		// could not tell what happened to the payment
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	if len(response.PaymentError) > 0 {
		return PaymentStatus{PaymentStatus: Failed}, errors.New(response.PaymentError)
	}

	preimage, err := base64ToHex(response.PaymentPreimage)
	if err != nil || len(preimage) == 0 {
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
	return PaymentStatus{Preimage: preimage, PaymentStatus: Succeeded}, nil
}

// OutgoingPaymentStatus reads the first update of the router's payment
// tracking stream, which carries the current state of the payment.
func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("invalid payment hash: %v", err)
	}
	path := "/v2/router/track/" + base64.URLEncoding.EncodeToString(hashBytes)

	resp, err := lnd.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		var errRes *lndErrorResponse
		if errors.As(err, &errRes) && strings.Contains(errRes.Message, "not found") {
			return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
		}
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	defer resp.Body.Close()

	var update struct {
		Result struct {
			Status          string `json:"status"`
			PaymentPreimage string `json:"payment_preimage"`
		} `json:"result"`
		Error *lndErrorResponse `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&update); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	if update.Error != nil {
		if strings.Contains(update.Error.Message, "not found") {
			return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
		}
		return PaymentStatus{PaymentStatus: Pending}, update.Error
	}

	switch update.Result.Status {
	case "SUCCEEDED":
		return PaymentStatus{Preimage: update.Result.PaymentPreimage, PaymentStatus: Succeeded}, nil
	case "FAILED":
		return PaymentStatus{PaymentStatus: Failed}, nil
	default:
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	return feeReserve(amount)
}

// LND encodes byte fields as standard base64 in its REST responses.
func base64ToHex(s string) (string, error) {
	if len(s) == 0 {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
