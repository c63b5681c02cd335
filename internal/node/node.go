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

package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blinklabs-io/duet"
	"github.com/blinklabs-io/duet/auth"
	"github.com/blinklabs-io/duet/internal/config"
)

// TokenProvider picks the token source named by the config
func TokenProvider(cfg *config.Config) (auth.TokenProvider, error) {
	switch {
	case cfg.Token != "":
		return auth.NewStaticTokenProvider(cfg.Token), nil
	case cfg.TokenFile != "":
		return auth.NewFileTokenProvider(cfg.TokenFile), nil
	}
	return nil, errors.New("no auth token configured, set token or tokenFile")
}

// SessionOptions translates the CLI config into session options
func SessionOptions(
	cfg *config.Config,
	logger *slog.Logger,
) ([]duet.ConfigOptionFunc, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("no server URL configured, set serverUrl")
	}
	tokens, err := TokenProvider(cfg)
	if err != nil {
		return nil, err
	}
	return []duet.ConfigOptionFunc{
		duet.WithLogger(logger),
		duet.WithServerURL(cfg.ServerURL),
		duet.WithSelfID(cfg.UserID),
		duet.WithTokenProvider(tokens),
		duet.WithDataDir(cfg.DataDir),
		duet.WithStorePlugin(cfg.StorePlugin),
		duet.WithAckTimeout(cfg.AckTimeout),
		duet.WithMaxAttempts(cfg.MaxAttempts),
		duet.WithReconnectPolicy(
			cfg.ReconnectBaseDelay,
			cfg.ReconnectMaxDelay,
			cfg.MaxReconnectAttempts,
		),
		duet.WithHeartbeatInterval(cfg.HeartbeatInterval),
		duet.WithLivenessTimeout(cfg.LivenessTimeout),
		duet.WithResumeDelay(cfg.ResumeDelay),
		duet.WithDrainInterval(cfg.DrainInterval),
		duet.WithDrainItemDelay(cfg.DrainItemDelay),
		duet.WithTracing(cfg.Tracing),
		duet.WithTracingStdout(cfg.TracingStdout),
		duet.WithShutdownTimeout(cfg.ShutdownTimeout),
	}, nil
}

// NewSession opens a session for one-shot commands. Extra options are
// applied after the ones derived from the config.
func NewSession(
	cfg *config.Config,
	logger *slog.Logger,
	extra ...duet.ConfigOptionFunc,
) (*duet.Session, error) {
	opts, err := SessionOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	return duet.New(duet.NewConfig(append(opts, extra...)...))
}

// Run keeps a session connected until SIGINT or SIGTERM, draining the queue
// and logging received moments
func Run(cfg *config.Config, logger *slog.Logger) error {
	logger.Debug(
		"starting session",
		"component", "node",
		"server", cfg.ServerURL,
		"data_dir", cfg.DataDir,
		"store_plugin", cfg.StorePlugin,
	)
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = config.DefaultShutdownTimeout
	}
	s, err := NewSession(
		cfg,
		logger,
		// Enable metrics with default prometheus registry
		duet.WithPrometheusRegistry(prometheus.DefaultRegisterer),
		duet.WithNotifier(duet.LogNotifier{Logger: logger}),
	)
	if err != nil {
		return err
	}
	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		metricsServer = startMetrics(cfg, logger)
	}
	// Wait for interrupt/termination signal
	signalCtx, signalCtxStop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer signalCtxStop()
	err = s.Run(signalCtx)
	if err == nil {
		logger.Info("shutdown complete")
	} else {
		logger.Error("session error", "error", err)
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			shutdownTimeout,
		)
		defer cancel()
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("metrics server shutdown error", "error", shutdownErr)
		}
	}
	return err
}

func startMetrics(cfg *config.Config, logger *slog.Logger) *http.Server {
	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.MetricsPort)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info(
		"serving prometheus metrics on "+addr,
		"component",
		"node",
	)
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 60 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			logger.Error(
				fmt.Sprintf("failed to start metrics listener: %s", err),
				"component", "node",
			)
			os.Exit(1)
		}
	}()
	return metricsServer
}
