package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	"github.com/feedlinehq/feedline/pkg/testutil"
)

var upgrader = websocket.Upgrader{}

func testDeps() connector.Deps {
	return connector.Deps{
		Timeouts: config.TimeoutConfig{
			Connect: 2 * time.Second,
			Request: 2 * time.Second,
			Read:    200 * time.Millisecond,
		},
		Reliability: config.ReliabilityConfig{
			ReconnectBaseDelay:   10 * time.Millisecond,
			MaxReconnectAttempts: 3,
			KeepAliveInterval:    time.Second,
		},
		Failures: connector.NopFailureSink{},
	}
}

func wsConfig(id, httpURL string) config.SourceConfig {
	return config.SourceConfig{
		ID:       id,
		Protocol: config.ProtocolWS,
		URL:      "ws" + strings.TrimPrefix(httpURL, "http"),
	}
}

// tickerServer streams n frames per session, then closes the session.
func tickerServer(t *testing.T, frames []string, sessions *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if sessions != nil {
			sessions.Add(1)
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				break
			}
		}
		conn.Close()
	}))
}

func TestConnectorStreamsFrames(t *testing.T) {
	server := tickerServer(t, []string{
		`{"product_id":"BTC-USD","price":"42000","type":"ticker"}`,
		`{"product_id":"ETH-USD","price":"2200","type":"ticker"}`,
	}, nil)
	defer server.Close()

	conn, err := New(wsConfig("stream", server.URL), testDeps())
	require.NoError(t, err)

	var mu sync.Mutex
	var envelopes []*core.Envelope
	cb := func(_ context.Context, env *core.Envelope) {
		mu.Lock()
		envelopes = append(envelopes, env)
		mu.Unlock()
	}

	require.NoError(t, conn.Start(context.Background(), cb))
	defer conn.Stop(context.Background()) //nolint:errcheck

	testutil.AssertEventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(envelopes) >= 2
	}, 2*time.Second, "expected both frames")

	mu.Lock()
	first := envelopes[0]
	mu.Unlock()

	assert.Equal(t, "stream", first.ConnectorID)
	assert.Equal(t, "coinbase", first.Provider)
	assert.Equal(t, "BTC-USD", first.Instrument)
	assert.Equal(t, float64(42000), first.Price)
	assert.Equal(t, "ticker", first.MessageType)
}

func TestConnectorSendsSubscribeOnConnect(t *testing.T) {
	var gotSubscribe atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotSubscribe.Store(string(msg))
	}))
	defer server.Close()

	cfg := wsConfig("stream", server.URL)
	cfg.SubscribeMessage = `{"type":"subscribe","channels":["ticker"]}`

	conn, err := New(cfg, testDeps())
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background(), func(context.Context, *core.Envelope) {}))
	defer conn.Stop(context.Background()) //nolint:errcheck

	testutil.AssertEventually(t, func() bool {
		return gotSubscribe.Load() != nil
	}, 2*time.Second, "server should receive the subscribe message")
	assert.Equal(t, cfg.SubscribeMessage, gotSubscribe.Load())
}

func TestConnectorReconnectsAfterRemoteClose(t *testing.T) {
	var sessions atomic.Int32
	server := tickerServer(t, []string{`{"symbol":"BTC","price":"1"}`}, &sessions)
	defer server.Close()

	conn, err := New(wsConfig("stream", server.URL), testDeps())
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background(), func(context.Context, *core.Envelope) {}))
	defer conn.Stop(context.Background()) //nolint:errcheck

	// Each session sends one frame and closes, forcing reconnects.
	testutil.AssertEventually(t, func() bool {
		return sessions.Load() >= 2
	}, 3*time.Second, "connector should redial after remote close")
}

func TestConnectorStartFailsFastOnDialError(t *testing.T) {
	conn, err := New(config.SourceConfig{
		ID:       "stream",
		Protocol: config.ProtocolWS,
		URL:      "ws://127.0.0.1:1", // nothing listens here
	}, testDeps())
	require.NoError(t, err)

	err = conn.Start(context.Background(), func(context.Context, *core.Envelope) {})
	require.Error(t, err)
	assert.Equal(t, core.StatusStopped, conn.Snapshot().Status)
}

func TestConnectorTerminalAfterExhaustedReconnects(t *testing.T) {
	var sessions atomic.Int32
	server := tickerServer(t, nil, &sessions)

	conn, err := New(wsConfig("stream", server.URL), testDeps())
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background(), func(context.Context, *core.Envelope) {}))

	// Kill the server so every redial fails.
	server.Close()

	testutil.AssertEventually(t, func() bool {
		return conn.Snapshot().Status == core.StatusError
	}, 5*time.Second, "connector should go terminal after exhausting reconnects")
}

func TestConnectorStopIsClean(t *testing.T) {
	server := tickerServer(t, []string{`{"symbol":"BTC","price":"1"}`}, nil)
	defer server.Close()

	conn, err := New(wsConfig("stream", server.URL), testDeps())
	require.NoError(t, err)

	require.NoError(t, conn.Start(context.Background(), func(context.Context, *core.Envelope) {}))
	require.NoError(t, conn.Stop(context.Background()))

	state := conn.Snapshot()
	assert.Equal(t, core.StatusStopped, state.Status)
	assert.Zero(t, state.ReconnectAttempts)

	require.NoError(t, conn.Stop(context.Background()))
}
