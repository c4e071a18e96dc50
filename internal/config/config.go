/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Package config provides configuration management for flystream tools.

CONFIGURATION SOURCES (in order of precedence):
===============================================
1. Command-line flags (highest priority)
2. Environment variables (FLYSTREAM_* prefix)
3. Configuration file (JSON format)
4. Default values (lowest priority)

CONFIGURATION CATEGORIES:
=========================
- Connection: host, port, virtual_host, username, heartbeat, timeouts
- Security: TLS, client certificates
- Producer/Consumer: batching, compression, credits
- Logging: log_level, log_json, log_file
- Observability: Prometheus metrics endpoint

EXAMPLE CONFIGURATION FILE:
===========================

	{
	  "host": "broker.internal",
	  "port": 5551,
	  "virtual_host": "/",
	  "security": {
	    "tls_enabled": true,
	    "tls_ca_file": "/etc/flystream/ca.crt"
	  },
	  "producer": {"batch_size": 500, "compression": "zstd", "sub_entry_size": 50}
	}

ENVIRONMENT VARIABLES:
======================
All settings can be configured via environment variables with FLYSTREAM_
prefix. The password is only read from FLYSTREAM_PASSWORD and never from
files. Example: FLYSTREAM_HOST="broker" FLYSTREAM_LOG_LEVEL="debug"
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names
const (
	EnvHost             = "FLYSTREAM_HOST"
	EnvPort             = "FLYSTREAM_PORT"
	EnvVirtualHost      = "FLYSTREAM_VIRTUAL_HOST"
	EnvUsername         = "FLYSTREAM_USERNAME"
	EnvPassword         = "FLYSTREAM_PASSWORD"
	EnvHeartbeat        = "FLYSTREAM_HEARTBEAT"
	EnvRequestTimeout   = "FLYSTREAM_REQUEST_TIMEOUT"
	EnvConnectionName   = "FLYSTREAM_CONNECTION_NAME"
	EnvLoadBalancerMode = "FLYSTREAM_LOAD_BALANCER_MODE"

	EnvLogLevel = "FLYSTREAM_LOG_LEVEL"
	EnvLogJSON  = "FLYSTREAM_LOG_JSON"
	EnvLogFile  = "FLYSTREAM_LOG_FILE"

	EnvTLSEnabled            = "FLYSTREAM_TLS_ENABLED"
	EnvTLSInsecureSkipVerify = "FLYSTREAM_TLS_INSECURE_SKIP_VERIFY"
	EnvTLSCAFile             = "FLYSTREAM_TLS_CA_FILE"
	EnvTLSCertFile           = "FLYSTREAM_TLS_CERT_FILE"
	EnvTLSKeyFile            = "FLYSTREAM_TLS_KEY_FILE"

	// Producer configuration
	EnvBatchSize            = "FLYSTREAM_BATCH_SIZE"
	EnvBatchPublishingDelay = "FLYSTREAM_BATCH_PUBLISHING_DELAY"
	EnvSubEntrySize         = "FLYSTREAM_SUB_ENTRY_SIZE"
	EnvCompression          = "FLYSTREAM_COMPRESSION"

	// Consumer configuration
	EnvInitialCredits = "FLYSTREAM_INITIAL_CREDITS"

	// Observability configuration
	EnvMetricsEnabled = "FLYSTREAM_METRICS_ENABLED"
	EnvMetricsAddr    = "FLYSTREAM_METRICS_ADDR"
)

// Default ports.
const (
	DefaultPort    = 5552
	DefaultTLSPort = 5551
)

// DefaultConfigPaths are searched by FindConfigFile.
var DefaultConfigPaths = []string{
	"./flystream.json",
	"$HOME/.config/flystream/flystream.json",
	"/etc/flystream/flystream.json",
}

// SecurityConfig holds TLS configuration.
type SecurityConfig struct {
	TLSEnabled            bool   `json:"tls_enabled"`
	TLSInsecureSkipVerify bool   `json:"tls_insecure_skip_verify"` // Trust any broker certificate
	TLSCAFile             string `json:"tls_ca_file"`              // Root CA used to verify the broker
	TLSCertFile           string `json:"tls_cert_file"`            // Client certificate
	TLSKeyFile            string `json:"tls_key_file"`             // Client private key
}

// ProducerConfig holds producer defaults.
type ProducerConfig struct {
	BatchSize            int    `json:"batch_size"`
	BatchPublishingDelay int64  `json:"batch_publishing_delay_ms"`
	SubEntrySize         int    `json:"sub_entry_size"`
	Compression          string `json:"compression"` // none, gzip, snappy, lz4, zstd
}

// ConsumerConfig holds consumer defaults.
type ConsumerConfig struct {
	InitialCredits int `json:"initial_credits"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// Config holds the client configuration.
type Config struct {
	// Connection
	Host             string `json:"host"`
	Port             int    `json:"port"` // 0 selects the default for the TLS mode
	VirtualHost      string `json:"virtual_host"`
	Username         string `json:"username"`
	Password         string `json:"-"`
	Heartbeat        int64  `json:"heartbeat_seconds"`
	RequestTimeout   int64  `json:"request_timeout_ms"`
	ConnectionName   string `json:"connection_name"`
	LoadBalancerMode bool   `json:"load_balancer_mode"`

	// Logging
	LogLevel string `json:"log_level"`
	LogJSON  bool   `json:"log_json"`
	LogFile  string `json:"log_file"`

	Security SecurityConfig `json:"security"`
	Producer ProducerConfig `json:"producer"`
	Consumer ConsumerConfig `json:"consumer"`
	Metrics  MetricsConfig  `json:"metrics"`

	// Metadata
	ConfigFile string `json:"-"`
}

// DefaultConfig returns defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:           "localhost",
		VirtualHost:    "/",
		Username:       "guest",
		Password:       "guest",
		Heartbeat:      60,
		RequestTimeout: 10000,
		LogLevel:       "info",
		Producer: ProducerConfig{
			BatchSize:            100,
			BatchPublishingDelay: 100,
			SubEntrySize:         1,
			Compression:          "none",
		},
		Consumer: ConsumerConfig{
			InitialCredits: 10,
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},
	}
}

// Manager handles configuration loading.
type Manager struct {
	config *Config
	mu     sync.RWMutex
}

var globalManager = NewManager()

// NewManager creates a manager holding the defaults.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// Global returns the global manager.
func Global() *Manager {
	return globalManager
}

// Get returns a copy of current config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	return &cfg
}

// Set updates the config.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// LoadFromFile loads configuration from a JSON file. The password already
// held by the manager is kept.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Password = m.Get().Password
	cfg.ConfigFile = path
	m.Set(cfg)
	return nil
}

// FindConfigFile returns the first existing file of DefaultConfigPaths.
func FindConfigFile() (string, bool) {
	for _, p := range DefaultConfigPaths {
		p = os.ExpandEnv(p)
		if _, err := os.Stat(p); err == nil {
			abs, err := filepath.Abs(p)
			if err != nil {
				return p, true
			}
			return abs, true
		}
	}
	return "", false
}

func parseBool(v string) bool {
	return strings.ToLower(v) == "true" || v == "1"
}

// LoadFromEnv loads configuration from environment variables.
func (m *Manager) LoadFromEnv() {
	cfg := m.Get()

	if v := os.Getenv(EnvHost); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Port = i
		}
	}
	if v := os.Getenv(EnvVirtualHost); v != "" {
		cfg.VirtualHost = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		cfg.Username = v
	}
	if v, ok := os.LookupEnv(EnvPassword); ok {
		cfg.Password = v
	}
	if v := os.Getenv(EnvHeartbeat); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Heartbeat = i
		}
	}
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RequestTimeout = i
		}
	}
	if v := os.Getenv(EnvConnectionName); v != "" {
		cfg.ConnectionName = v
	}
	if v := os.Getenv(EnvLoadBalancerMode); v != "" {
		cfg.LoadBalancerMode = parseBool(v)
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		cfg.LogJSON = parseBool(v)
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		cfg.LogFile = v
	}

	// Security environment variables
	if v := os.Getenv(EnvTLSEnabled); v != "" {
		cfg.Security.TLSEnabled = parseBool(v)
	}
	if v := os.Getenv(EnvTLSInsecureSkipVerify); v != "" {
		cfg.Security.TLSInsecureSkipVerify = parseBool(v)
	}
	if v := os.Getenv(EnvTLSCAFile); v != "" {
		cfg.Security.TLSCAFile = v
	}
	if v := os.Getenv(EnvTLSCertFile); v != "" {
		cfg.Security.TLSCertFile = v
	}
	if v := os.Getenv(EnvTLSKeyFile); v != "" {
		cfg.Security.TLSKeyFile = v
	}

	// Producer environment variables
	if v := os.Getenv(EnvBatchSize); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Producer.BatchSize = i
		}
	}
	if v := os.Getenv(EnvBatchPublishingDelay); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Producer.BatchPublishingDelay = i
		}
	}
	if v := os.Getenv(EnvSubEntrySize); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Producer.SubEntrySize = i
		}
	}
	if v := os.Getenv(EnvCompression); v != "" {
		cfg.Producer.Compression = v
	}

	// Consumer environment variables
	if v := os.Getenv(EnvInitialCredits); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Consumer.InitialCredits = i
		}
	}

	// Observability environment variables
	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.Metrics.Addr = v
	}

	m.Set(cfg)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.Heartbeat < 0 {
		return fmt.Errorf("heartbeat_seconds must be non-negative")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout_ms must be positive")
	}

	// Client certificate and key come in pairs
	if c.Security.TLSEnabled && (c.Security.TLSCertFile == "") != (c.Security.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}

	if c.Producer.BatchSize < 1 {
		return fmt.Errorf("producer.batch_size must be at least 1")
	}
	if c.Producer.BatchPublishingDelay <= 0 {
		return fmt.Errorf("producer.batch_publishing_delay_ms must be positive")
	}
	if c.Producer.SubEntrySize < 1 {
		return fmt.Errorf("producer.sub_entry_size must be at least 1")
	}
	switch c.Producer.Compression {
	case "", "none":
	case "gzip", "snappy", "lz4", "zstd":
		if c.Producer.SubEntrySize <= 1 {
			return fmt.Errorf("producer.compression %q requires sub_entry_size > 1", c.Producer.Compression)
		}
	default:
		return fmt.Errorf("producer.compression must be none, gzip, snappy, lz4 or zstd")
	}

	if c.Consumer.InitialCredits < 1 || c.Consumer.InitialCredits > 0xffff {
		return fmt.Errorf("consumer.initial_credits must be between 1 and 65535")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}

// EffectivePort returns the configured port or the default for the TLS mode.
func (c *Config) EffectivePort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Security.TLSEnabled {
		return DefaultTLSPort
	}
	return DefaultPort
}

// HeartbeatInterval returns the heartbeat as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat) * time.Second
}

// RequestTimeoutDuration returns the request timeout as a duration.
func (c *Config) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// BatchPublishingDelayDuration returns the batch delay as a duration.
func (c *Config) BatchPublishingDelayDuration() time.Duration {
	return time.Duration(c.Producer.BatchPublishingDelay) * time.Millisecond
}
