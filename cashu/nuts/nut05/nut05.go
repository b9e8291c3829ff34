// Package nut05 contains structs as defined in [NUT-05], extended
// with the fiat pricing details of a quote.
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import "encoding/json"

type State int

const (
	Unpaid State = iota
	Pending
	Paid
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PENDING":
		return Pending
	case "PAID":
		return Paid
	}
	return Unknown
}

// PostMeltQuoteBolt11Request asks to redeem Amount minor units of Unit
// for a Lightning payout.
type PostMeltQuoteBolt11Request struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMeltQuoteBolt11Response struct {
	Quote      string
	Amount     int64
	Unit       string
	Fee        int64
	SatAmount  uint64
	FeeReserve int64
	State      State
	Expiry     uint64
	Preimage   string
}

type PostMeltBolt11Request struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
}

type TempQuote struct {
	Quote      string `json:"quote"`
	Amount     int64  `json:"amount"`
	Unit       string `json:"unit"`
	Fee        int64  `json:"fee"`
	SatAmount  uint64 `json:"sat_amount"`
	FeeReserve int64  `json:"fee_reserve"`
	State      string `json:"state"`
	Expiry     uint64 `json:"expiry"`
	Preimage   string `json:"payment_preimage,omitempty"`
}

func (quoteResponse *PostMeltQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	var tempQuote = TempQuote{
		Quote:      quoteResponse.Quote,
		Amount:     quoteResponse.Amount,
		Unit:       quoteResponse.Unit,
		Fee:        quoteResponse.Fee,
		SatAmount:  quoteResponse.SatAmount,
		FeeReserve: quoteResponse.FeeReserve,
		State:      quoteResponse.State.String(),
		Expiry:     quoteResponse.Expiry,
		Preimage:   quoteResponse.Preimage,
	}
	return json.Marshal(tempQuote)
}

func (quoteResponse *PostMeltQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	tempQuote := &TempQuote{}

	if err := json.Unmarshal(data, tempQuote); err != nil {
		return err
	}

	quoteResponse.Quote = tempQuote.Quote
	quoteResponse.Amount = tempQuote.Amount
	quoteResponse.Unit = tempQuote.Unit
	quoteResponse.Fee = tempQuote.Fee
	quoteResponse.SatAmount = tempQuote.SatAmount
	quoteResponse.FeeReserve = tempQuote.FeeReserve
	quoteResponse.State = StringToState(tempQuote.State)
	quoteResponse.Expiry = tempQuote.Expiry
	quoteResponse.Preimage = tempQuote.Preimage

	return nil
}
