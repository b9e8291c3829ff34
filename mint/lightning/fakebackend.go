package lightning

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/lightningnetwork/lnd/zpay32"
	decodepay "github.com/nbd-wtf/ln-decodepay"
)

const (
	FakePreimage = "0000000000000000"
)

// FakeBackend settles incoming invoices as soon as they are created
// and succeeds every outgoing payment unless told otherwise.
type FakeBackend struct {
	mu       sync.Mutex
	invoices []Invoice
	payments []Invoice

	// created invoices stay unpaid until SettleInvoice is called
	HoldInvoices bool
	// outgoing payments fail
	FailPayments bool
	// outgoing payments stay pending
	PendingPayments bool
}

func (fb *FakeBackend) ConnectionStatus() error { return nil }

func (fb *FakeBackend) CreateInvoice(amount uint64) (Invoice, error) {
	req, preimage, paymentHash, err := CreateFakeInvoice(amount)
	if err != nil {
		return Invoice{}, err
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoice := Invoice{
		PaymentRequest: req,
		PaymentHash:    paymentHash,
		Preimage:       preimage,
		Settled:        !fb.HoldInvoices,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(InvoiceExpiryTime * time.Second).Unix()),
	}
	fb.invoices = append(fb.invoices, invoice)

	return invoice, nil
}

func (fb *FakeBackend) SettleInvoice(hash string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoiceIdx := slices.IndexFunc(fb.invoices, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if invoiceIdx == -1 {
		return errors.New("invoice does not exist")
	}
	fb.invoices[invoiceIdx].Settled = true
	return nil
}

func (fb *FakeBackend) InvoiceStatus(hash string) (Invoice, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	invoiceIdx := slices.IndexFunc(fb.invoices, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if invoiceIdx == -1 {
		return Invoice{}, errors.New("invoice does not exist")
	}

	return fb.invoices[invoiceIdx], nil
}

func (fb *FakeBackend) SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error) {
	invoice, err := decodepay.Decodepay(request)
	if err != nil {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("error decoding invoice: %v", err)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.FailPayments {
		return PaymentStatus{PaymentStatus: Failed}, errors.New("no route found")
	}

	outgoingPayment := Invoice{
		PaymentRequest: request,
		PaymentHash:    invoice.PaymentHash,
		Amount:         uint64(invoice.MSatoshi / 1000),
	}
	if fb.PendingPayments {
		fb.payments = append(fb.payments, outgoingPayment)
		return PaymentStatus{PaymentStatus: Pending}, nil
	}

	outgoingPayment.Preimage = FakePreimage
	outgoingPayment.Settled = true
	fb.payments = append(fb.payments, outgoingPayment)

	return PaymentStatus{
		Preimage:      FakePreimage,
		PaymentStatus: Succeeded,
	}, nil
}

func (fb *FakeBackend) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	paymentIdx := slices.IndexFunc(fb.payments, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if paymentIdx == -1 {
		return PaymentStatus{PaymentStatus: Failed}, OutgoingPaymentNotFound
	}

	payment := fb.payments[paymentIdx]
	if !payment.Settled {
		return PaymentStatus{PaymentStatus: Pending}, nil
	}
	return PaymentStatus{
		Preimage:      payment.Preimage,
		PaymentStatus: Succeeded,
	}, nil
}

// SettlePayment completes a payment left pending by PendingPayments.
func (fb *FakeBackend) SettlePayment(hash string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	paymentIdx := slices.IndexFunc(fb.payments, func(i Invoice) bool {
		return i.PaymentHash == hash
	})
	if paymentIdx == -1 {
		return OutgoingPaymentNotFound
	}
	fb.payments[paymentIdx].Preimage = FakePreimage
	fb.payments[paymentIdx].Settled = true
	return nil
}

// Payments returns the outgoing payments sent so far.
func (fb *FakeBackend) Payments() []Invoice {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return slices.Clone(fb.payments)
}

func (fb *FakeBackend) FeeReserve(amount uint64) uint64 {
	return 0
}

// CreateFakeInvoice returns a signet bolt11 invoice for amount sats
// along with its preimage and payment hash.
func CreateFakeInvoice(amount uint64) (string, string, string, error) {
	var random [32]byte
	_, err := rand.Read(random[:])
	if err != nil {
		return "", "", "", err
	}
	preimage := hex.EncodeToString(random[:])
	paymentHash := sha256.Sum256(random[:])
	hash := hex.EncodeToString(paymentHash[:])

	invoice, err := zpay32.NewInvoice(
		&chaincfg.SigNetParams,
		paymentHash,
		time.Now(),
		zpay32.Amount(lnwire.MilliSatoshi(amount*1000)),
		zpay32.Description("test"),
		zpay32.Expiry(InvoiceExpiryTime*time.Second),
	)
	if err != nil {
		return "", "", "", err
	}

	invoiceStr, err := invoice.Encode(zpay32.MessageSigner{
		SignCompact: func(msg []byte) ([]byte, error) {
			key, err := secp256k1.GeneratePrivateKey()
			if err != nil {
				return []byte{}, err
			}
			return ecdsa.SignCompact(key, msg, true), nil
		},
	})
	if err != nil {
		return "", "", "", err
	}

	return invoiceStr, preimage, hash, nil
}
