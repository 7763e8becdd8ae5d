// Package config provides the unified configuration system for Feedline.
// A single Config structure describes the whole ingestion deployment:
// the connector sources, the shared-cadence scheduler, the persistence
// store and the ambient timeout/reliability knobs.
//
// Configuration is loaded from YAML with ${ENV} substitution; see Load.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies how a source is consumed.
type Protocol string

const (
	// ProtocolREST polls the source on a fixed interval.
	ProtocolREST Protocol = "REST"
	// ProtocolWS streams from the source over a WebSocket.
	ProtocolWS Protocol = "WS"
)

// AuthType selects the outbound request decoration strategy.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBearer AuthType = "bearer"
	AuthHMAC   AuthType = "hmac"
	AuthBasic  AuthType = "basic"
)

// SourceConfig describes one external source. It is immutable for the
// lifetime of the connector or job built from it.
type SourceConfig struct {
	ID          string            `yaml:"id" json:"id"`
	Protocol    Protocol          `yaml:"protocol" json:"protocol"`
	URL         string            `yaml:"url" json:"url"`
	Method      string            `yaml:"method" json:"method"`
	Headers     map[string]string `yaml:"headers" json:"headers"`
	QueryParams map[string]string `yaml:"query_params" json:"query_params"`
	AuthType    AuthType          `yaml:"auth_type" json:"auth_type"`
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
	Interval    time.Duration     `yaml:"interval" json:"interval"`

	// SubscribeMessage, for WS sources, is sent after every (re)connect to
	// subscribe to the upstream feed.
	SubscribeMessage string `yaml:"subscribe_message" json:"subscribe_message"`

	// RateLimitPerSec limits outbound requests per second (0 = unlimited).
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// Validate validates the source configuration.
func (s *SourceConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source id is required")
	}
	if s.URL == "" {
		return fmt.Errorf("source %s: url is required", s.ID)
	}
	switch s.Protocol {
	case ProtocolREST, ProtocolWS:
	default:
		return fmt.Errorf("source %s: unknown protocol %q", s.ID, s.Protocol)
	}
	if s.Protocol == ProtocolREST && s.Interval <= 0 {
		return fmt.Errorf("source %s: interval must be positive for REST sources", s.ID)
	}
	if s.Method == "" {
		s.Method = "GET"
	}
	s.Method = strings.ToUpper(s.Method)
	if s.AuthType == "" {
		s.AuthType = AuthNone
	}
	if s.RateLimitPerSec < 0 {
		return fmt.Errorf("source %s: rate_limit_per_sec cannot be negative", s.ID)
	}
	return nil
}

// Endpoint is one scheduler-polled endpoint. Scheduler endpoints share a
// global cadence; per-endpoint intervals belong to connectors instead.
type Endpoint struct {
	ID     string `yaml:"id" json:"id"`
	Name   string `yaml:"name" json:"name"`
	URL    string `yaml:"url" json:"url"`
	Method string `yaml:"method" json:"method"`
}

// SchedulerConfig configures the parallel batch poller.
type SchedulerConfig struct {
	Endpoints []Endpoint `yaml:"endpoints" json:"endpoints"`

	// Interval is the shared batch cadence; every Interval all endpoints
	// are fanned out onto the worker pool.
	Interval time.Duration `yaml:"interval" json:"interval"`
	// PoolSize bounds concurrent fetches; excess endpoints queue.
	PoolSize int `yaml:"pool_size" json:"pool_size"`
	// HandoffTimeout bounds how long a worker may wait to hand its result
	// to the persistence consumer before the job is failed.
	HandoffTimeout time.Duration `yaml:"handoff_timeout" json:"handoff_timeout"`
}

// Validate validates the scheduler configuration and applies defaults.
func (s *SchedulerConfig) Validate() error {
	if s.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if s.PoolSize <= 0 {
		s.PoolSize = 4
	}
	if s.HandoffTimeout <= 0 {
		s.HandoffTimeout = 20 * time.Second
	}
	for i := range s.Endpoints {
		e := &s.Endpoints[i]
		if e.ID == "" {
			return fmt.Errorf("scheduler endpoint %d: id is required", i)
		}
		if e.URL == "" {
			return fmt.Errorf("scheduler endpoint %s: url is required", e.ID)
		}
		if e.Method == "" {
			e.Method = "GET"
		}
	}
	return nil
}

// StoreConfig configures the persistence gateway and optional layers.
type StoreConfig struct {
	// Driver selects the gateway implementation: "postgres" or "memory".
	Driver string `yaml:"driver" json:"driver"`
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
	// RedisAddr, when set, enables the read-through checksum cache.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	// RedisTTL bounds how long cached checksums live.
	RedisTTL time.Duration `yaml:"redis_ttl" json:"redis_ttl"`
	// KafkaBrokers, when set, enables delta event publishing.
	KafkaBrokers []string `yaml:"kafka_brokers" json:"kafka_brokers"`
	// KafkaTopic is the topic classified deltas are published to.
	KafkaTopic string `yaml:"kafka_topic" json:"kafka_topic"`
}

// Validate validates the store configuration and applies defaults.
func (s *StoreConfig) Validate() error {
	if s.Driver == "" {
		s.Driver = "memory"
	}
	switch s.Driver {
	case "postgres":
		if s.DSN == "" {
			return fmt.Errorf("store: dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store: unknown driver %q", s.Driver)
	}
	if s.RedisTTL <= 0 {
		s.RedisTTL = 10 * time.Minute
	}
	if len(s.KafkaBrokers) > 0 && s.KafkaTopic == "" {
		s.KafkaTopic = "feedline.deltas"
	}
	return nil
}

// TimeoutConfig contains the three independent timeout points of the
// ingestion core: connect, per-request/per-message, and worker handoff.
type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect" json:"connect"`
	Request time.Duration `yaml:"request" json:"request"`
	Read    time.Duration `yaml:"read" json:"read"`
}

// Validate applies defaults for unset timeouts.
func (t *TimeoutConfig) Validate() error {
	if t.Connect <= 0 {
		t.Connect = 10 * time.Second
	}
	if t.Request <= 0 {
		t.Request = 30 * time.Second
	}
	if t.Read <= 0 {
		t.Read = 30 * time.Second
	}
	return nil
}

// ReliabilityConfig contains reconnection and retry settings shared by
// all connectors.
type ReliabilityConfig struct {
	// ReconnectBaseDelay is the first reconnect delay; subsequent attempts
	// double it.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay" json:"reconnect_base_delay"`
	// MaxReconnectAttempts bounds reconnection before the connector goes
	// terminal and requires an explicit restart.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	// KeepAliveInterval drives WebSocket ping frames.
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" json:"keep_alive_interval"`
}

// Validate applies defaults for unset reliability settings.
func (r *ReliabilityConfig) Validate() error {
	if r.ReconnectBaseDelay <= 0 {
		r.ReconnectBaseDelay = time.Second
	}
	if r.MaxReconnectAttempts <= 0 {
		r.MaxReconnectAttempts = 5
	}
	if r.KeepAliveInterval <= 0 {
		r.KeepAliveInterval = 30 * time.Second
	}
	return nil
}

// TrackerConfig configures the periodic counter reconciliation pass.
type TrackerConfig struct {
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// Validate applies the default reconciliation cadence.
func (t *TrackerConfig) Validate() error {
	if t.Interval <= 0 {
		t.Interval = 60 * time.Second
	}
	return nil
}

// Config is the root configuration for a Feedline deployment.
type Config struct {
	Sources     []SourceConfig    `yaml:"sources" json:"sources"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Timeouts    TimeoutConfig     `yaml:"timeouts" json:"timeouts"`
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
	Tracker     TrackerConfig     `yaml:"tracker" json:"tracker"`
	LogLevel    string            `yaml:"log_level" json:"log_level"`
}

// Validate validates the whole configuration tree.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Sources))
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate source id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	if len(c.Scheduler.Endpoints) > 0 {
		if err := c.Scheduler.Validate(); err != nil {
			return err
		}
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Timeouts.Validate(); err != nil {
		return err
	}
	if err := c.Reliability.Validate(); err != nil {
		return err
	}
	if err := c.Tracker.Validate(); err != nil {
		return err
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}
