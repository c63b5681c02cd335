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

package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/blinklabs-io/duet/database"
	"github.com/blinklabs-io/duet/database/plugin"
)

type ctxKey string

const configContextKey ctxKey = "duet.config"

const (
	DefaultShutdownTimeout = 30 * time.Second
	DefaultDataDir         = ".duet"
	DefaultMetricsPort     = 12799
	envPrefix              = "duet"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

// tempConfig allows the settings to live under a top-level "duet" key
type tempConfig struct {
	Duet *Config `yaml:"duet,omitempty"`
}

type Config struct {
	ServerURL   string `yaml:"serverUrl"   split_words:"true"`
	UserID      string `yaml:"userId"      split_words:"true"`
	Token       string `yaml:"token"`
	TokenFile   string `yaml:"tokenFile"   split_words:"true"`
	DataDir     string `yaml:"dataDir"     split_words:"true"`
	StorePlugin string `yaml:"storePlugin" split_words:"true"`
	BindAddr    string `yaml:"bindAddr"    split_words:"true"`
	// MetricsPort 0 disables the metrics listener
	MetricsPort          uint          `yaml:"metricsPort"          split_words:"true"`
	AckTimeout           time.Duration `yaml:"ackTimeout"           split_words:"true"`
	MaxAttempts          int           `yaml:"maxAttempts"          split_words:"true"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnectBaseDelay"   split_words:"true"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnectMaxDelay"    split_words:"true"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts" split_words:"true"`
	HeartbeatInterval    time.Duration `yaml:"heartbeatInterval"    split_words:"true"`
	LivenessTimeout      time.Duration `yaml:"livenessTimeout"      split_words:"true"`
	ResumeDelay          time.Duration `yaml:"resumeDelay"          split_words:"true"`
	DrainInterval        time.Duration `yaml:"drainInterval"        split_words:"true"`
	DrainItemDelay       time.Duration `yaml:"drainItemDelay"       split_words:"true"`
	ShutdownTimeout      time.Duration `yaml:"shutdownTimeout"      split_words:"true"`
	Tracing              bool          `yaml:"tracing"`
	TracingStdout        bool          `yaml:"tracingStdout"        split_words:"true"`
	Debug                bool          `yaml:"debug"`
}

var globalConfig = defaultConfig()

func defaultConfig() *Config {
	return &Config{
		DataDir:         DefaultDataDir,
		StorePlugin:     database.DefaultStorePlugin,
		BindAddr:        "127.0.0.1",
		MetricsPort:     DefaultMetricsPort,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// LoadConfig reads the YAML config file and then applies DUET_* environment
// variables on top. With no file given, ~/.duet/duet.yaml and then
// /etc/duet/duet.yaml are tried.
func LoadConfig(configFile string) (*Config, error) {
	if configFile == "" {
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".duet", "duet.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		if configFile == "" {
			systemPath := "/etc/duet/duet.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}

		var tempCfg tempConfig
		err = yaml.Unmarshal(buf, &tempCfg)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}

		if tempCfg.Duet != nil {
			configBytes, err := yaml.Marshal(tempCfg.Duet)
			if err != nil {
				return nil, fmt.Errorf("error re-marshalling config: %w", err)
			}
			err = yaml.Unmarshal(configBytes, globalConfig)
			if err != nil {
				return nil, fmt.Errorf("error parsing duet section: %w", err)
			}
		} else {
			err = yaml.Unmarshal(buf, globalConfig)
			if err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}
	// Process environment variables
	err := envconfig.Process(envPrefix, globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	if err := globalConfig.Validate(); err != nil {
		return nil, err
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

// Validate checks the settings that can be checked without a server
func (c *Config) Validate() error {
	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid serverUrl: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("invalid serverUrl %q: scheme must be ws or wss", c.ServerURL)
		}
	}
	if c.Token != "" && c.TokenFile != "" {
		return errors.New("only one of token and tokenFile may be set")
	}
	if _, ok := plugin.GetPlugin(c.StorePlugin); !ok {
		return fmt.Errorf(
			"unknown storePlugin %q (available: %s)",
			c.StorePlugin,
			plugin.PluginNames(),
		)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("invalid maxAttempts: %d", c.MaxAttempts)
	}
	if c.AckTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}
