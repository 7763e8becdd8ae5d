package connector

import (
	"sync"
	"time"

	"github.com/feedlinehq/feedline/pkg/clients"
	"github.com/feedlinehq/feedline/pkg/config"
	"github.com/feedlinehq/feedline/pkg/connector/core"
	"github.com/feedlinehq/feedline/pkg/errors"
)

// FailureSink records failed upstream calls for later inspection.
// Implemented by the persistence gateway; consumed here so connectors
// never depend on the store package directly.
type FailureSink interface {
	RecordFailedCall(apiID, url, method string, callErr error, statusCode int, latency time.Duration)
}

// NopFailureSink discards failed-call records.
type NopFailureSink struct{}

// RecordFailedCall implements FailureSink.
func (NopFailureSink) RecordFailedCall(string, string, string, error, int, time.Duration) {}

// Deps carries the shared infrastructure a source factory needs.
type Deps struct {
	HTTP        *clients.HTTPClient
	Timeouts    config.TimeoutConfig
	Reliability config.ReliabilityConfig
	Failures    FailureSink
}

// Factory builds a connector from its source configuration.
type Factory func(cfg config.SourceConfig, deps Deps) (core.Connector, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[config.Protocol]Factory)
)

// RegisterFactory registers a source factory for a protocol. Source
// packages call this from init(); a duplicate registration panics.
func RegisterFactory(protocol config.Protocol, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := factories[protocol]; exists {
		panic("connector: duplicate factory registration for protocol " + string(protocol))
	}
	factories[protocol] = factory
}

// NewConnector builds a connector for the config's protocol.
func NewConnector(cfg config.SourceConfig, deps Deps) (core.Connector, error) {
	registryMu.RLock()
	factory, ok := factories[cfg.Protocol]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no factory registered for protocol %q", cfg.Protocol)
	}
	if deps.Failures == nil {
		deps.Failures = NopFailureSink{}
	}
	return factory(cfg, deps)
}

// RegisteredProtocols lists the protocols with registered factories.
func RegisteredProtocols() []config.Protocol {
	registryMu.RLock()
	defer registryMu.RUnlock()

	protocols := make([]config.Protocol, 0, len(factories))
	for p := range factories {
		protocols = append(protocols, p)
	}
	return protocols
}
