// Package nut04 contains structs as defined in [NUT-04], extended
// with the fiat pricing details of a quote.
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import "encoding/json"

type State int

const (
	Unpaid State = iota
	Paid
	Issued
	Unknown
)

func (state State) String() string {
	switch state {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNPAID":
		return Unpaid
	case "PAID":
		return Paid
	case "ISSUED":
		return Issued
	}
	return Unknown
}

type PostMintQuoteBolt11Request struct {
	Amount int64  `json:"amount"`
	Unit   string `json:"unit"`
}

type PostMintQuoteBolt11Response struct {
	Quote     string `json:"quote"`
	Request   string `json:"request"`
	Amount    int64  `json:"amount"`
	Unit      string `json:"unit"`
	Fee       int64  `json:"fee"`
	SatAmount uint64 `json:"sat_amount"`
	State     State  `json:"state"`
	Expiry    uint64 `json:"expiry"`
}

type TempQuote struct {
	Quote     string `json:"quote"`
	Request   string `json:"request"`
	Amount    int64  `json:"amount"`
	Unit      string `json:"unit"`
	Fee       int64  `json:"fee"`
	SatAmount uint64 `json:"sat_amount"`
	State     string `json:"state"`
	Expiry    uint64 `json:"expiry"`
}

func (quoteResponse *PostMintQuoteBolt11Response) MarshalJSON() ([]byte, error) {
	var tempQuote = TempQuote{
		Quote:     quoteResponse.Quote,
		Request:   quoteResponse.Request,
		Amount:    quoteResponse.Amount,
		Unit:      quoteResponse.Unit,
		Fee:       quoteResponse.Fee,
		SatAmount: quoteResponse.SatAmount,
		State:     quoteResponse.State.String(),
		Expiry:    quoteResponse.Expiry,
	}
	return json.Marshal(tempQuote)
}

func (quoteResponse *PostMintQuoteBolt11Response) UnmarshalJSON(data []byte) error {
	tempQuote := &TempQuote{}

	if err := json.Unmarshal(data, tempQuote); err != nil {
		return err
	}

	quoteResponse.Quote = tempQuote.Quote
	quoteResponse.Request = tempQuote.Request
	quoteResponse.Amount = tempQuote.Amount
	quoteResponse.Unit = tempQuote.Unit
	quoteResponse.Fee = tempQuote.Fee
	quoteResponse.SatAmount = tempQuote.SatAmount
	quoteResponse.State = StringToState(tempQuote.State)
	quoteResponse.Expiry = tempQuote.Expiry

	return nil
}
