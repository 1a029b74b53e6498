package iso

import (
	"testing"

	"github.com/stretchr/testify/require"

	"minivisa/configs"
)

func TestParseRequestLineDefaults(t *testing.T) {
	req, err := ParseRequestLine([]byte(`{"pan":"4111111111111111","amount":"10.00","request_id":"r1"}`))
	require.NoError(t, err)
	require.Equal(t, "4111111111111111", req.PAN)
	require.Equal(t, "10.00", req.Amount)
	require.Equal(t, "r1", req.RequestID)
	require.Equal(t, configs.DefaultCurrency, req.Currency)
	require.Equal(t, configs.DefaultMerchantID, req.MerchantID)
	require.Equal(t, configs.MsgAuth, req.Type)
}

func TestParseRequestLineExplicitFields(t *testing.T) {
	req, err := ParseRequestLine([]byte(`{"pan":"4111111111111111","amount":"1.00","currency":"EUR","merchant_id":"M42","type":"REFUND"}`))
	require.NoError(t, err)
	require.Equal(t, "EUR", req.Currency)
	require.Equal(t, "M42", req.MerchantID)
	require.Equal(t, configs.MsgRefund, req.Type)
}

func TestParseRequestLineUnknownTypeFallsBack(t *testing.T) {
	req, err := ParseRequestLine([]byte(`{"pan":"4111111111111111","amount":"1.00","type":"VOID"}`))
	require.NoError(t, err)
	require.Equal(t, configs.MsgAuth, req.Type)
}

func TestParseRequestLineMissingFields(t *testing.T) {
	_, err := ParseRequestLine([]byte(`{"amount":"10.00"}`))
	require.ErrorIs(t, err, ErrMissingPAN)

	_, err = ParseRequestLine([]byte(`{"pan":"4111111111111111"}`))
	require.ErrorIs(t, err, ErrMissingAmount)

	_, err = ParseRequestLine([]byte(`{not json`))
	require.ErrorIs(t, err, ErrMissingPAN)
}
