// Package rest implements the polling source connector. It requests the
// configured endpoint on a fixed interval and feeds each response
// through the message callback.
package rest

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/feedlinehq/feedline/pkg/auth"
	"github.com/feedlinehq/feedline/pkg/clients"
	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	"github.com/feedlinehq/feedline/pkg/errors"
	"github.com/feedlinehq/feedline/pkg/logger"
	"github.com/feedlinehq/feedline/pkg/metrics"
)

func init() {
	connector.RegisterFactory(config.ProtocolREST, New)
}

// maxResponseBytes caps buffered response bodies.
const maxResponseBytes = 8 << 20

// Connector polls a REST endpoint. The poll loop is strictly
// sequential, so at most one request is in flight per connector.
type Connector struct {
	cfg      config.SourceConfig
	deps     connector.Deps
	strategy auth.Strategy
	backoff  connector.Backoff
	limiter  clients.RateLimiter
	state    *core.StateTracker
	logger   *zap.Logger
	url      string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a REST connector from its source configuration.
func New(cfg config.SourceConfig, deps connector.Deps) (core.Connector, error) {
	strategy, err := auth.ForType(cfg.AuthType)
	if err != nil {
		return nil, err
	}

	target, err := buildURL(cfg.URL, cfg.QueryParams)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid source url")
	}

	var limiter clients.RateLimiter
	if cfg.RateLimitPerSec > 0 {
		limiter = clients.NewTokenBucketRateLimiter(float64(cfg.RateLimitPerSec), cfg.RateLimitPerSec)
	}

	return &Connector{
		cfg:      cfg,
		deps:     deps,
		strategy: strategy,
		backoff:  connector.NewBackoff(deps.Reliability.ReconnectBaseDelay, deps.Reliability.MaxReconnectAttempts),
		limiter:  limiter,
		state:    core.NewStateTracker(),
		logger:   logger.Get().With(zap.String("connector_id", cfg.ID), zap.String("protocol", "rest")),
		url:      target,
	}, nil
}

func buildURL(raw string, params map[string]string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// ID returns the connector's identifier.
func (c *Connector) ID() string { return c.cfg.ID }

// Snapshot returns the connector's runtime state.
func (c *Connector) Snapshot() core.State { return c.state.Snapshot() }

// Start probes the endpoint once and, on success, launches the poll
// loop. A failed probe is propagated and leaves the connector stopped.
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

	raw, err := c.fetch(ctx)
	if err != nil {
		c.state.SetStatus(core.StatusStopped)
		return errors.Wrap(err, errors.ErrorTypeConnection, "initial request failed")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.SetStatus(core.StatusRunning)

	c.handleMessage(runCtx, raw, cb)

	go c.pollLoop(runCtx, cb)

	c.logger.Info("connector started", zap.Duration("interval", c.cfg.Interval))
	return nil
}

// Stop cancels the poll loop and waits for it to exit.
func (c *Connector) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel == nil {
		c.state.SetStatus(core.StatusStopped)
		return nil
	}

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "timed out waiting for poll loop")
	}

	c.cancel = nil
	c.done = nil
	c.state.SetStatus(core.StatusStopped)
	c.state.ResetReconnects()
	c.logger.Info("connector stopped")
	return nil
}

// pollLoop drives {request, dispatch, sleep} until cancelled or the
// reconnect budget is exhausted. Each iteration is guarded on its own:
// one failed request routes into backoff without killing the loop.
func (c *Connector) pollLoop(ctx context.Context, cb core.MessageCallback) {
	defer close(c.done)

	timer := time.NewTimer(c.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		raw, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if terminal := c.handleFailure(ctx, err); terminal {
				return
			}
			timer.Reset(0)
			continue
		}

		c.state.ResetReconnects()
		if c.state.Status() != core.StatusRunning {
			c.state.SetStatus(core.StatusRunning)
		}
		c.handleMessage(ctx, raw, cb)

		timer.Reset(c.cfg.Interval)
	}
}

// handleFailure records the error and applies backoff. Returns true
// when the reconnect budget is exhausted and the connector is terminal.
func (c *Connector) handleFailure(ctx context.Context, err error) bool {
	c.state.RecordError(err)
	attempt := c.state.IncrementReconnects()
	metrics.ReconnectAttempts.WithLabelValues(c.cfg.ID).Inc()

	if c.backoff.Exhausted(attempt) {
		c.state.SetStatus(core.StatusError)
		c.logger.Error("reconnect budget exhausted, connector terminal",
			zap.Int("attempts", attempt-1), zap.Error(err))
		return true
	}

	delay := c.backoff.Delay(attempt)
	c.logger.Warn("request failed, backing off",
		zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))

	if sleepErr := c.backoff.Sleep(ctx, attempt); sleepErr != nil {
		return true
	}
	return false
}

// fetch performs one authenticated request and returns the body.
func (c *Connector) fetch(ctx context.Context) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.deps.Timeouts.Request)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(reqCtx); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limit wait aborted")
		}
	}

	headers, err := c.strategy.Decorate(c.cfg.Headers, c.signingCredentials())
	if err != nil {
		return nil, err
	}

	started := time.Now()
	var resp *http.Response
	switch c.cfg.Method {
	case http.MethodPost:
		resp, err = c.deps.HTTP.Post(reqCtx, c.url, nil, headers)
	default:
		resp, err = c.deps.HTTP.Get(reqCtx, c.url, headers)
	}
	latency := time.Since(started)

	if err != nil {
		c.deps.Failures.RecordFailedCall(c.cfg.ID, c.url, c.cfg.Method, err, 0, latency)
		metrics.FailedCalls.WithLabelValues(c.cfg.ID).Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.deps.Failures.RecordFailedCall(c.cfg.ID, c.url, c.cfg.Method, err, resp.StatusCode, latency)
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := errors.Newf(errors.ErrorTypeConnection, "unexpected status %d from %s", resp.StatusCode, c.cfg.ID)
		c.deps.Failures.RecordFailedCall(c.cfg.ID, c.url, c.cfg.Method, statusErr, resp.StatusCode, latency)
		metrics.FailedCalls.WithLabelValues(c.cfg.ID).Inc()
		return nil, statusErr
	}

	return body, nil
}

// signingCredentials extends the configured credentials with the request
// shape fields the HMAC strategy signs over.
func (c *Connector) signingCredentials() map[string]string {
	if c.cfg.AuthType != config.AuthHMAC {
		return c.cfg.Credentials
	}

	creds := make(map[string]string, len(c.cfg.Credentials)+2)
	for k, v := range c.cfg.Credentials {
		creds[k] = v
	}
	creds["method"] = c.cfg.Method
	if u, err := url.Parse(c.url); err == nil {
		creds["path"] = u.Path
	}
	return creds
}

// handleMessage normalizes the payload and dispatches it. Malformed
// payloads are logged and skipped; they never count against the
// reconnect budget.
func (c *Connector) handleMessage(ctx context.Context, raw []byte, cb core.MessageCallback) {
	env, err := core.ParseEnvelope(c.cfg.ID, raw)
	if err != nil {
		c.state.RecordError(errors.Wrap(err, errors.ErrorTypeProtocol, "malformed payload"))
		c.logger.Warn("skipping malformed payload", zap.Error(err))
		return
	}

	c.state.RecordMessage()
	metrics.MessagesReceived.WithLabelValues(c.cfg.ID).Inc()
	cb(ctx, env)
}
