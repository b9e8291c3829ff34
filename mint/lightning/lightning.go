package lightning

import (
	"context"
	"errors"
)

const (
	// seconds
	InvoiceExpiryTime = 900
	FeePercent        = 1
)

var OutgoingPaymentNotFound = errors.New("outgoing payment not found")

// Client interface to interact with a Lightning backend
type Client interface {
	ConnectionStatus() error
	CreateInvoice(amount uint64) (Invoice, error)
	InvoiceStatus(hash string) (Invoice, error)
	SendPayment(ctx context.Context, request string, maxFee uint64) (PaymentStatus, error)
	OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error)
	FeeReserve(amount uint64) uint64
}

type Invoice struct {
	PaymentRequest string
	PaymentHash    string
	Preimage       string
	Settled        bool
	Amount         uint64
	Expiry         uint64
}

type State int

// Pending is the zero value so an unset status is never taken as paid.
const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

type PaymentStatus struct {
	Preimage      string
	PaymentStatus State
}

// feeReserve rounds FeePercent of amount up to the next sat.
func feeReserve(amount uint64) uint64 {
	return (amount*FeePercent + 99) / 100
}
