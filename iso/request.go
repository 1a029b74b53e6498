// Package iso carries the minimal internal representation of an
// authorization request: a small subset of what a full ISO-8583
// message would hold, transported as one JSON object per line.
package iso

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"minivisa/configs"
)

var (
	ErrMissingPAN    = errors.New("missing_pan")
	ErrMissingAmount = errors.New("missing_amount")
)

// Request is the immutable parsed form of one incoming line.
type Request struct {
	RequestID  string `json:"request_id"`
	PAN        string `json:"pan"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
}

// ParseRequestLine decodes one newline-delimited JSON request.
// pan and amount are required; currency, merchant_id and type take
// their documented defaults when absent.
func ParseRequestLine(line []byte) (*Request, error) {
	req := &Request{}
	if err := json.Unmarshal(line, req); err != nil {
		return nil, errors.Wrap(ErrMissingPAN, err.Error())
	}
	if req.PAN == "" {
		return nil, ErrMissingPAN
	}
	if req.Amount == "" {
		return nil, ErrMissingAmount
	}
	if req.Currency == "" {
		req.Currency = configs.DefaultCurrency
	}
	if req.MerchantID == "" {
		req.MerchantID = configs.DefaultMerchantID
	}
	switch req.Type {
	case configs.MsgAuth, configs.MsgCapture, configs.MsgRefund, configs.MsgReversal:
	default:
		req.Type = configs.MsgAuth
	}
	return req, nil
}
