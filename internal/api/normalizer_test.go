package api

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var received = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestNormalizeAliasesAndStrings(t *testing.T) {
	raw := RawPriceMap{
		"s":                  "ETH-USD",
		"last":               "3120.55",
		"change_24h":         -12.5,
		"changePercent":      "-0.4",
		"volume_24h":         "1500",
		"h":                  3200.0,
		"low_24h":            3000,
		"b":                  "3120.5",
		"ask":                3120.6,
		"unrelated_field":    true,
		"change_percent_24h": "ignored",
	}

	u, err := Normalize("", raw, received, "rest")
	require.NoError(t, err)
	assert.Equal(t, "ETH-USD", u.Symbol)
	assert.Equal(t, 3120.55, u.Price)
	require.NotNil(t, u.Change24h)
	assert.Equal(t, -12.5, *u.Change24h)
	require.NotNil(t, u.ChangePercent24h)
	assert.Equal(t, -0.4, *u.ChangePercent24h)
	assert.Equal(t, 1500.0, *u.Volume24h)
	assert.Equal(t, 3200.0, *u.High24h)
	assert.Equal(t, 3000.0, *u.Low24h)
	assert.Equal(t, 3120.5, *u.Bid)
	assert.Equal(t, 3120.6, *u.Ask)
	assert.True(t, u.Timestamp.Equal(received))
	assert.Equal(t, "rest", u.Source)
}

func TestNormalizeOptionalFieldsAbsent(t *testing.T) {
	u, err := Normalize("BTC-USD", RawPriceMap{"price": 100.0, "bid": "not-a-number"}, received, "ws")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", u.Symbol)
	assert.Nil(t, u.Change24h)
	assert.Nil(t, u.Volume24h)
	assert.Nil(t, u.Bid)
	assert.Nil(t, u.Ask)
}

func TestNormalizeRejects(t *testing.T) {
	_, err := Normalize("BTC-USD", RawPriceMap{"volume": 1.0}, received, "ws")
	assert.True(t, errors.Is(err, ErrMissingPrice))

	_, err = Normalize("BTC-USD", RawPriceMap{"price": "abc"}, received, "ws")
	assert.True(t, errors.Is(err, ErrMissingPrice))

	_, err = Normalize("", RawPriceMap{"price": 1.0}, received, "ws")
	assert.True(t, errors.Is(err, ErrMissingSymbol))
}

func TestParseFramePriceShapes(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		symbols  []string
		rejected int
	}{
		{
			name:    "object data",
			raw:     `{"type":"ticker","data":{"symbol":"BTC-USD","price":101.5}}`,
			symbols: []string{"BTC-USD"},
		},
		{
			name:    "symbol on envelope",
			raw:     `{"type":"price_update","symbol":"SOL-USD","data":{"c":"150.25"}}`,
			symbols: []string{"SOL-USD"},
		},
		{
			name:     "array data with one bad entry",
			raw:      `{"type":"ticker","data":[{"symbol":"BTC-USD","price":1},{"symbol":"ETH-USD"},{"symbol":"SOL-USD","last":"2"}]}`,
			symbols:  []string{"BTC-USD", "SOL-USD"},
			rejected: 1,
		},
		{
			name:    "flat frame",
			raw:     `{"type":"price","symbol":"ADA-USD","price":"0.45"}`,
			symbols: []string{"ADA-USD"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := ParseFrame([]byte(tt.raw), received, "ws")
			require.NoError(t, err)
			assert.Equal(t, FramePrice, frame.Kind)
			assert.Equal(t, tt.rejected, frame.Rejected)

			var got []string
			for _, u := range frame.Updates {
				got = append(got, u.Symbol)
			}
			assert.Equal(t, tt.symbols, got)
		})
	}
}

func TestParseFrameControlKinds(t *testing.T) {
	tests := map[string]FrameKind{
		`{"type":"auth","status":"ok"}`:         FrameAuth,
		`{"type":"subscribed","symbols":["a"]}`: FrameSubscription,
		`{"type":"ping"}`:                       FramePing,
		`{"type":"pong","timestamp":1}`:         FramePong,
		`{"type":"error","message":"bad key"}`:  FrameError,
		`{"type":"heartbeat_ack"}`:              FrameUnknown,
		`{"price":1}`:                           FrameUnknown,
	}
	for raw, kind := range tests {
		frame, err := ParseFrame([]byte(raw), received, "ws")
		require.NoError(t, err, raw)
		assert.Equal(t, kind, frame.Kind, raw)
		assert.Empty(t, frame.Updates, raw)
	}

	frame, err := ParseFrame([]byte(`{"type":"error","message":"bad key"}`), received, "ws")
	require.NoError(t, err)
	assert.Equal(t, "bad key", frame.Message)
}

func TestParseFrameMalformed(t *testing.T) {
	_, err := ParseFrame([]byte(`{"type":`), received, "ws")
	assert.Error(t, err)

	_, err = ParseFrame([]byte(`not json`), received, "ws")
	assert.Error(t, err)
}

func TestSignAuthIsDeterministic(t *testing.T) {
	a := SignAuth("key", "secret", 1700000000)
	b := SignAuth("key", "secret", 1700000000)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, SignAuth("key", "other", 1700000000))
}

func TestBatchSymbols(t *testing.T) {
	symbols := make([]string, 45)
	for i := range symbols {
		symbols[i] = "S"
	}
	batches := batchSymbols(symbols, 20)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 20)
	assert.Len(t, batches[1], 20)
	assert.Len(t, batches[2], 5)

	assert.Len(t, batchSymbols(symbols, 0), 1)
	assert.Empty(t, batchSymbols(nil, 20))
}
