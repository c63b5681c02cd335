// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package duet

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blinklabs-io/duet/auth"
	"github.com/blinklabs-io/duet/database"
	"github.com/blinklabs-io/duet/media"
	"github.com/blinklabs-io/duet/transport"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultResumeDelay     = 30 * time.Second
)

type Config struct {
	promRegistry  prometheus.Registerer
	logger        *slog.Logger
	tokenProvider auth.TokenProvider
	store         database.Store
	dialer        transport.Dialer
	transformer   media.Transformer
	notifier      Notifier
	serverURL     string
	selfID        string
	dataDir       string
	storePlugin   string
	// Zero values below select the component defaults
	ackTimeout           time.Duration
	maxAttempts          int
	reconnectBaseDelay   time.Duration
	reconnectMaxDelay    time.Duration
	maxReconnectAttempts int
	heartbeatInterval    time.Duration
	livenessTimeout      time.Duration
	resumeDelay          time.Duration
	// Negative disables the periodic drain
	drainInterval   time.Duration
	drainItemDelay  time.Duration
	tracing         bool
	tracingStdout   bool
	shutdownTimeout time.Duration
}

func (s *Session) configValidate() error {
	if s.config.tokenProvider == nil {
		return errors.New("no token provider configured")
	}
	if s.config.serverURL == "" {
		if s.config.dialer == nil {
			return errors.New("no server URL configured")
		}
	} else {
		u, err := url.Parse(s.config.serverURL)
		if err != nil {
			return fmt.Errorf("invalid server URL: %w", err)
		}
		if s.config.dialer == nil && u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("unsupported server URL scheme: %q", u.Scheme)
		}
	}
	if s.config.store != nil && s.config.dataDir != "" {
		return errors.New("a data dir cannot be combined with an external store")
	}
	if s.config.maxAttempts < 0 {
		return fmt.Errorf("invalid max attempts: %d", s.config.maxAttempts)
	}
	return nil
}

// ConfigOptionFunc is a type that represents functions that modify the Session config
type ConfigOptionFunc func(*Config)

// NewConfig creates a new duet config with the specified options
func NewConfig(opts ...ConfigOptionFunc) Config {
	c := Config{
		// Default logger will throw away logs
		// We do this so we don't have to add guards around every log operation
		logger:          slog.New(slog.NewJSONHandler(io.Discard, nil)),
		shutdownTimeout: defaultShutdownTimeout,
	}
	// Apply options
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithLogger specifies the logger to use. This defaults to discarding log output
func WithLogger(logger *slog.Logger) ConfigOptionFunc {
	return func(c *Config) {
		c.logger = logger
	}
}

// WithPrometheusRegistry specifies a prometheus.Registerer instance to add metrics to. No metrics are recorded by default
func WithPrometheusRegistry(registry prometheus.Registerer) ConfigOptionFunc {
	return func(c *Config) {
		c.promRegistry = registry
	}
}

// WithServerURL specifies the websocket URL of the delivery server, for example wss://duet.example.com/ws
func WithServerURL(serverURL string) ConfigOptionFunc {
	return func(c *Config) {
		c.serverURL = serverURL
	}
}

// WithSelfID specifies the signed in user's id. When empty, the subject of the auth token is used
func WithSelfID(selfID string) ConfigOptionFunc {
	return func(c *Config) {
		c.selfID = selfID
	}
}

// WithTokenProvider specifies where auth tokens come from. This is required
func WithTokenProvider(provider auth.TokenProvider) ConfigOptionFunc {
	return func(c *Config) {
		c.tokenProvider = provider
	}
}

// WithDataDir specifies the persistent data directory to use. The default is to store everything in memory
func WithDataDir(dataDir string) ConfigOptionFunc {
	return func(c *Config) {
		c.dataDir = dataDir
	}
}

// WithStorePlugin specifies the storage plugin to use. The default is badger
func WithStorePlugin(plugin string) ConfigOptionFunc {
	return func(c *Config) {
		c.storePlugin = plugin
	}
}

// WithStore specifies an already opened store. The session does not close it
func WithStore(store database.Store) ConfigOptionFunc {
	return func(c *Config) {
		c.store = store
	}
}

// WithDialer overrides the websocket dialer, mostly for tests
func WithDialer(dialer transport.Dialer) ConfigOptionFunc {
	return func(c *Config) {
		c.dialer = dialer
	}
}

// WithTransformer specifies how stored content is encoded for sending. The default compresses with zstd
func WithTransformer(transformer media.Transformer) ConfigOptionFunc {
	return func(c *Config) {
		c.transformer = transformer
	}
}

// WithNotifier specifies a Notifier that is told about delivery outcomes and received moments
func WithNotifier(notifier Notifier) ConfigOptionFunc {
	return func(c *Config) {
		c.notifier = notifier
	}
}

// WithAckTimeout specifies how long to wait for the server to acknowledge a moment. The default is 5 seconds
func WithAckTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.ackTimeout = timeout
	}
}

// WithMaxAttempts specifies the delivery attempt budget per moment. The default is 3
func WithMaxAttempts(attempts int) ConfigOptionFunc {
	return func(c *Config) {
		c.maxAttempts = attempts
	}
}

// WithReconnectPolicy specifies the reconnect backoff. The delay starts at baseDelay, doubles per attempt up to
// maxDelay, and the manager gives up after maxAttempts. The defaults are 1s, 5s and 5 attempts
func WithReconnectPolicy(
	baseDelay time.Duration,
	maxDelay time.Duration,
	maxAttempts int,
) ConfigOptionFunc {
	return func(c *Config) {
		c.reconnectBaseDelay = baseDelay
		c.reconnectMaxDelay = maxDelay
		c.maxReconnectAttempts = maxAttempts
	}
}

// WithHeartbeatInterval specifies how often a heartbeat is sent while connected. The default is 30 seconds
func WithHeartbeatInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.heartbeatInterval = interval
	}
}

// WithLivenessTimeout specifies how long the connection may stay silent before it is treated as dead. The default
// is three heartbeat intervals
func WithLivenessTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.livenessTimeout = timeout
	}
}

// WithResumeDelay specifies how long Run waits before reconnecting once the reconnect attempts are used up. The
// default is 30 seconds
func WithResumeDelay(delay time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.resumeDelay = delay
	}
}

// WithDrainInterval specifies the period of the safety net queue drain. The default is 3 minutes and a negative
// value disables it
func WithDrainInterval(interval time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.drainInterval = interval
	}
}

// WithDrainItemDelay specifies the pause between queued moments during a drain. The default is 500ms
func WithDrainItemDelay(delay time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.drainItemDelay = delay
	}
}

// WithTracing enables tracing. By default, spans are submitted to a HTTP(s) endpoint using OTLP. This can be configured
// using the OTEL_EXPORTER_OTLP_* env vars documented in the README for [go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp]
func WithTracing(tracing bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracing = tracing
	}
}

// WithTracingStdout enables tracing output to stdout. This also requires tracing to enabled separately. This is mostly useful for debugging
func WithTracingStdout(stdout bool) ConfigOptionFunc {
	return func(c *Config) {
		c.tracingStdout = stdout
	}
}

// WithShutdownTimeout specifies the timeout for graceful shutdown. The default is 30 seconds
func WithShutdownTimeout(timeout time.Duration) ConfigOptionFunc {
	return func(c *Config) {
		c.shutdownTimeout = timeout
	}
}
