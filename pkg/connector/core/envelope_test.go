package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelopeDialects(t *testing.T) {
	tests := []struct {
		name           string
		raw            string
		wantProvider   string
		wantInstrument string
		wantPrice      float64
		wantType       string
	}{
		{
			name:           "binance stream",
			raw:            `{"e":"trade","s":"BTCUSDT","p":"42000.50"}`,
			wantProvider:   "binance",
			wantInstrument: "BTCUSDT",
			wantPrice:      42000.50,
			wantType:       "trade",
		},
		{
			name:           "coinbase",
			raw:            `{"type":"ticker","product_id":"BTC-USD","price":"42000.5"}`,
			wantProvider:   "coinbase",
			wantInstrument: "BTC-USD",
			wantPrice:      42000.5,
			wantType:       "ticker",
		},
		{
			name:           "generic symbol and price",
			raw:            `{"symbol":"ETH","price":2200}`,
			wantProvider:   "generic",
			wantInstrument: "ETH",
			wantPrice:      2200,
			wantType:       "ticker",
		},
		{
			name:           "generic instrument and last",
			raw:            `{"instrument":"SOL-USD","last":95.5}`,
			wantProvider:   "generic",
			wantInstrument: "SOL-USD",
			wantPrice:      95.5,
			wantType:       "ticker",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope("conn", []byte(tt.raw))
			require.NoError(t, err)

			assert.Equal(t, "conn", env.ConnectorID)
			assert.Equal(t, tt.wantProvider, env.Provider)
			assert.Equal(t, tt.wantInstrument, env.Instrument)
			assert.Equal(t, tt.wantPrice, env.Price)
			assert.Equal(t, tt.wantType, env.MessageType)
			assert.False(t, env.Timestamp.IsZero())
		})
	}
}

func TestParseEnvelopeUnknownShapeStillDelivers(t *testing.T) {
	env, err := ParseEnvelope("conn", []byte(`{"foo":"bar"}`))
	require.NoError(t, err)
	assert.Equal(t, "generic", env.Provider)
	assert.Empty(t, env.Instrument)
	assert.Equal(t, map[string]interface{}{"foo": "bar"}, env.Data)
}

func TestParseEnvelopeWrapsArrays(t *testing.T) {
	env, err := ParseEnvelope("conn", []byte(`[{"id":"a"},{"id":"b"}]`))
	require.NoError(t, err)
	require.Contains(t, env.Data, "payload")
	assert.Len(t, env.Data["payload"], 2)
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	_, err := ParseEnvelope("conn", []byte(`{not json`))
	require.Error(t, err)
}

func TestStateTracker(t *testing.T) {
	s := NewStateTracker()
	assert.Equal(t, StatusStopped, s.Status())

	s.SetStatus(StatusRunning)
	s.RecordMessage()
	s.RecordMessage()

	assert.Equal(t, 1, s.IncrementReconnects())
	assert.Equal(t, 2, s.IncrementReconnects())

	snap := s.Snapshot()
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, int64(2), snap.MessageCount)
	assert.Equal(t, 2, snap.ReconnectAttempts)
	assert.NotNil(t, snap.LastMessageAt)

	s.ResetReconnects()
	assert.Zero(t, s.ReconnectAttempts())
}

func TestStateTrackerCompareAndSet(t *testing.T) {
	s := NewStateTracker()

	assert.True(t, s.CompareAndSetStatus(StatusStopped, StatusStarting))
	assert.False(t, s.CompareAndSetStatus(StatusStopped, StatusRunning))
	assert.Equal(t, StatusStarting, s.Status())
}

func TestStateTrackerErrorLogIsBounded(t *testing.T) {
	s := NewStateTracker()
	for i := 0; i < maxErrorLog+10; i++ {
		s.RecordError(assert.AnError)
	}

	snap := s.Snapshot()
	assert.Len(t, snap.ErrorLog, maxErrorLog)
	assert.NotEmpty(t, snap.LastError)
	assert.NotNil(t, snap.LastErrorAt)
}
