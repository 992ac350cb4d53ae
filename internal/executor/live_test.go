package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOrderEventTerminalFill(t *testing.T) {
	msg := []byte(`{
		"e": "ORDER_TRADE_UPDATE",
		"E": 1749902400123,
		"o": {
			"s": "BTCUSDT",
			"c": "t-abc123-tp",
			"X": "FILLED",
			"ap": "50125.5",
			"z": "0.042",
			"n": "0.8421",
			"T": 1749902400120
		}
	}`)

	up, ok := parseOrderEvent(msg)
	require.True(t, ok)
	assert.Equal(t, "t-abc123-tp", up.ClientOrderID)
	assert.Equal(t, OrderStatusFilled, up.Status)
	assert.Equal(t, 50125.5, up.AvgPrice)
	assert.Equal(t, "0.042", up.Quantity.String())
	assert.Equal(t, "0.8421", up.Fee.String())
	assert.Equal(t, int64(1749902400120), up.Timestamp.UnixMilli())
}

func TestParseOrderEventIgnoresNonTerminalAndOtherEvents(t *testing.T) {
	cases := map[string][]byte{
		"account update": []byte(`{"e":"ACCOUNT_UPDATE","a":{}}`),
		"new order":      []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"c":"t-x","X":"NEW"}}`),
		"partial fill":   []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"c":"t-x","X":"PARTIALLY_FILLED","z":"0.01"}}`),
		"malformed":      []byte(`{"e":"ORDER_TRADE_UPDATE","o":`),
	}
	for name, msg := range cases {
		_, ok := parseOrderEvent(msg)
		assert.False(t, ok, name)
	}
}

func TestParseOrderEventExpiredEntry(t *testing.T) {
	msg := []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"c":"t-abc123","X":"EXPIRED","ap":"0","z":"0","n":"0","T":1749902400120}}`)

	up, ok := parseOrderEvent(msg)
	require.True(t, ok)
	assert.Equal(t, OrderStatusExpired, up.Status)
	assert.Equal(t, 0.0, up.AvgPrice)
}
