// Package ws implements the streaming source connector over WebSocket.
// It maintains a long-lived session with read deadlines, keepalive pings
// and bounded exponential reconnection.
package ws

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/auth"
	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	"github.com/feedlinehq/feedline/pkg/errors"
	"github.com/feedlinehq/feedline/pkg/logger"
	"github.com/feedlinehq/feedline/pkg/metrics"
)

func init() {
	connector.RegisterFactory(config.ProtocolWS, New)
}

// Connector streams messages from a WebSocket endpoint. A single read
// loop consumes frames sequentially; a keepalive goroutine sends pings
// and is cancelled together with the loop.
type Connector struct {
	cfg      config.SourceConfig
	deps     connector.Deps
	strategy auth.Strategy
	backoff  connector.Backoff
	state    *core.StateTracker
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New builds a WebSocket connector from its source configuration.
func New(cfg config.SourceConfig, deps connector.Deps) (core.Connector, error) {
	strategy, err := auth.ForType(cfg.AuthType)
	if err != nil {
		return nil, err
	}

	return &Connector{
		cfg:      cfg,
		deps:     deps,
		strategy: strategy,
		backoff:  connector.NewBackoff(deps.Reliability.ReconnectBaseDelay, deps.Reliability.MaxReconnectAttempts),
		state:    core.NewStateTracker(),
		logger:   logger.Get().With(zap.String("connector_id", cfg.ID), zap.String("protocol", "ws")),
	}, nil
}

// ID returns the connector's identifier.
func (c *Connector) ID() string { return c.cfg.ID }

// Snapshot returns the connector's runtime state.
func (c *Connector) Snapshot() core.State { return c.state.Snapshot() }

// Start dials the endpoint and, on success, launches the read loop and
// the keepalive pinger. A failed dial is propagated and leaves the
// connector stopped.
func (c *Connector) Start(ctx context.Context, cb core.MessageCallback) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Status() {
	case core.StatusStarting, core.StatusRunning:
		c.logger.Warn("start ignored: connector already running")
		return nil
	}

	c.state.SetStatus(core.StatusStarting)
	c.state.ResetReconnects()

	if err := c.connect(ctx); err != nil {
		c.state.SetStatus(core.StatusStopped)
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.SetStatus(core.StatusRunning)

	go c.run(runCtx, cb)

	c.logger.Info("connector started", zap.String("url", c.cfg.URL))
	return nil
}

// Stop cancels the read loop, closes the session and waits for the
// loop to exit. Close errors are logged, never raised.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		c.state.SetStatus(core.StatusStopped)
		return nil
	}

	c.cancel()
	c.closeConn()

	select {
	case <-c.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "timed out waiting for read loop")
	}

	c.cancel = nil
	c.done = nil
	c.state.SetStatus(core.StatusStopped)
	c.state.ResetReconnects()
	c.logger.Info("connector stopped")
	return nil
}

// connect dials the endpoint, sends the subscribe message and installs
// the session.
func (c *Connector) connect(ctx context.Context) error {
	headers, err := c.strategy.Decorate(c.cfg.Headers, c.cfg.Credentials)
	if err != nil {
		return err
	}

	header := http.Header{}
	for k, v := range headers {
		header.Set(k, v)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: c.deps.Timeouts.Connect,
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.deps.Timeouts.Connect)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.cfg.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.deps.Failures.RecordFailedCall(c.cfg.ID, c.cfg.URL, "WS", err, status, 0)
		metrics.FailedCalls.WithLabelValues(c.cfg.ID).Inc()
		return errors.Wrap(err, errors.ErrorTypeConnection, "websocket dial failed")
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.deps.Timeouts.Read))
	})

	if c.cfg.SubscribeMessage != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(c.cfg.SubscribeMessage)); err != nil {
			conn.Close()
			return errors.Wrap(err, errors.ErrorTypeConnection, "subscribe failed")
		}
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	return nil
}

func (c *Connector) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close error", zap.Error(err))
		}
		c.conn = nil
	}
}

func (c *Connector) session() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// run drives the read loop and owns the keepalive pinger.
func (c *Connector) run(ctx context.Context, cb core.MessageCallback) {
	defer close(c.done)

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.keepalive(pingCtx)

	for {
		if ctx.Err() != nil {
			return
		}

		conn := c.session()
		if conn == nil {
			if terminal := c.reconnect(ctx); terminal {
				return
			}
			continue
		}

		if err := conn.SetReadDeadline(time.Now().Add(c.deps.Timeouts.Read)); err != nil {
			c.closeConn()
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A read deadline firing on a quiet feed is not a failure;
			// the loop simply polls again.
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			c.state.RecordError(err)
			c.logger.Warn("read failed, reconnecting", zap.Error(err))
			c.closeConn()
			continue
		}

		c.handleMessage(ctx, raw, cb)
	}
}

// reconnect applies the backoff policy and redials. Returns true when
// the budget is exhausted and the connector is terminal.
func (c *Connector) reconnect(ctx context.Context) bool {
	attempt := c.state.IncrementReconnects()
	metrics.ReconnectAttempts.WithLabelValues(c.cfg.ID).Inc()

	if c.backoff.Exhausted(attempt) {
		c.state.SetStatus(core.StatusError)
		c.logger.Error("reconnect budget exhausted, connector terminal",
			zap.Int("attempts", attempt-1))
		return true
	}

	delay := c.backoff.Delay(attempt)
	c.logger.Info("reconnecting",
		zap.Int("attempt", attempt), zap.Duration("delay", delay))

	if err := c.backoff.Sleep(ctx, attempt); err != nil {
		return true
	}

	if err := c.connect(ctx); err != nil {
		c.state.RecordError(err)
		return false
	}

	c.state.ResetReconnects()
	c.state.SetStatus(core.StatusRunning)
	c.logger.Info("reconnected")
	return false
}

// keepalive sends ping frames on the configured interval.
func (c *Connector) keepalive(ctx context.Context) {
	ticker := time.NewTicker(c.deps.Reliability.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := c.session()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// handleMessage normalizes a frame and dispatches it. Malformed frames
// are logged and skipped.
func (c *Connector) handleMessage(ctx context.Context, raw []byte, cb core.MessageCallback) {
	env, err := core.ParseEnvelope(c.cfg.ID, raw)
	if err != nil {
		c.state.RecordError(errors.Wrap(err, errors.ErrorTypeProtocol, "malformed frame"))
		c.logger.Warn("skipping malformed frame", zap.Error(err))
		return
	}

	c.state.RecordMessage()
	metrics.MessagesReceived.WithLabelValues(c.cfg.ID).Inc()
	cb(ctx, env)
}
