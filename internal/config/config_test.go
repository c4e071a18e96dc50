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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Host != "localhost" {
		t.Errorf("Expected Host localhost, got %s", cfg.Host)
	}
	if cfg.VirtualHost != "/" {
		t.Errorf("Expected VirtualHost /, got %s", cfg.VirtualHost)
	}
	if cfg.Username != "guest" || cfg.Password != "guest" {
		t.Errorf("Expected guest credentials, got %s", cfg.Username)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected LogLevel info, got %s", cfg.LogLevel)
	}
	if cfg.Producer.BatchSize != 100 {
		t.Errorf("Expected BatchSize 100, got %d", cfg.Producer.BatchSize)
	}
	if cfg.BatchPublishingDelayDuration() != 100*time.Millisecond {
		t.Errorf("Expected 100ms batch delay, got %s", cfg.BatchPublishingDelayDuration())
	}
	if cfg.HeartbeatInterval() != time.Minute {
		t.Errorf("Expected 60s heartbeat, got %s", cfg.HeartbeatInterval())
	}
	if cfg.RequestTimeoutDuration() != 10*time.Second {
		t.Errorf("Expected 10s request timeout, got %s", cfg.RequestTimeoutDuration())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing host",
			modify:  func(c *Config) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "port out of range",
			modify:  func(c *Config) { c.Port = 70000 },
			wantErr: true,
		},
		{
			name:    "zero request timeout",
			modify:  func(c *Config) { c.RequestTimeout = 0 },
			wantErr: true,
		},
		{
			name: "TLS client cert without key",
			modify: func(c *Config) {
				c.Security.TLSEnabled = true
				c.Security.TLSCertFile = "/path/to/cert"
			},
			wantErr: true,
		},
		{
			name: "TLS without client cert",
			modify: func(c *Config) {
				c.Security.TLSEnabled = true
				c.Security.TLSCAFile = "/path/to/ca"
			},
			wantErr: false,
		},
		{
			name:    "zero batch size",
			modify:  func(c *Config) { c.Producer.BatchSize = 0 },
			wantErr: true,
		},
		{
			name:    "zero batch delay",
			modify:  func(c *Config) { c.Producer.BatchPublishingDelay = 0 },
			wantErr: true,
		},
		{
			name:    "compression without sub-entries",
			modify:  func(c *Config) { c.Producer.Compression = "gzip" },
			wantErr: true,
		},
		{
			name: "compression with sub-entries",
			modify: func(c *Config) {
				c.Producer.Compression = "zstd"
				c.Producer.SubEntrySize = 10
			},
			wantErr: false,
		},
		{
			name:    "unknown compression",
			modify:  func(c *Config) { c.Producer.Compression = "brotli" },
			wantErr: true,
		},
		{
			name:    "zero initial credits",
			modify:  func(c *Config) { c.Consumer.InitialCredits = 0 },
			wantErr: true,
		},
		{
			name: "metrics without address",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEffectivePort(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.EffectivePort() != DefaultPort {
		t.Errorf("Expected %d, got %d", DefaultPort, cfg.EffectivePort())
	}

	cfg.Security.TLSEnabled = true
	if cfg.EffectivePort() != DefaultTLSPort {
		t.Errorf("Expected %d, got %d", DefaultTLSPort, cfg.EffectivePort())
	}

	cfg.Port = 6000
	if cfg.EffectivePort() != 6000 {
		t.Errorf("Expected 6000, got %d", cfg.EffectivePort())
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "flystream.json")

	configJSON := `{
		"host": "broker.internal",
		"port": 6552,
		"log_level": "debug",
		"password": "ignored",
		"producer": {"batch_size": 500, "sub_entry_size": 10, "compression": "lz4"}
	}`

	if err := os.WriteFile(configFile, []byte(configJSON), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	mgr := NewManager()
	if err := mgr.LoadFromFile(configFile); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	cfg := mgr.Get()
	if cfg.Host != "broker.internal" {
		t.Errorf("Expected Host broker.internal, got %s", cfg.Host)
	}
	if cfg.Port != 6552 {
		t.Errorf("Expected Port 6552, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected LogLevel debug, got %s", cfg.LogLevel)
	}
	if cfg.Password != "guest" {
		t.Errorf("Password must not be read from files, got %s", cfg.Password)
	}
	if cfg.Producer.BatchSize != 500 || cfg.Producer.Compression != "lz4" {
		t.Errorf("Unexpected producer config %+v", cfg.Producer)
	}
	if cfg.Producer.BatchPublishingDelay != 100 {
		t.Errorf("Expected default batch delay to survive, got %d", cfg.Producer.BatchPublishingDelay)
	}
	if cfg.ConfigFile != configFile {
		t.Errorf("Expected ConfigFile %s, got %s", configFile, cfg.ConfigFile)
	}
}

func TestLoadFromFileInvalid(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(configFile, []byte("{"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	if err := NewManager().LoadFromFile(configFile); err == nil {
		t.Error("Expected parse error")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(EnvHost, "env-broker")
	t.Setenv(EnvPort, "7777")
	t.Setenv(EnvPassword, "s3cret")
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvTLSEnabled, "true")
	t.Setenv(EnvBatchSize, "250")
	t.Setenv(EnvInitialCredits, "20")

	mgr := NewManager()
	mgr.LoadFromEnv()

	cfg := mgr.Get()
	if cfg.Host != "env-broker" {
		t.Errorf("Expected Host env-broker, got %s", cfg.Host)
	}
	if cfg.Port != 7777 {
		t.Errorf("Expected Port 7777, got %d", cfg.Port)
	}
	if cfg.Password != "s3cret" {
		t.Errorf("Expected password from env, got %s", cfg.Password)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("Expected LogLevel warn, got %s", cfg.LogLevel)
	}
	if !cfg.Security.TLSEnabled {
		t.Error("Expected TLS enabled")
	}
	if cfg.Producer.BatchSize != 250 {
		t.Errorf("Expected BatchSize 250, got %d", cfg.Producer.BatchSize)
	}
	if cfg.Consumer.InitialCredits != 20 {
		t.Errorf("Expected InitialCredits 20, got %d", cfg.Consumer.InitialCredits)
	}
}

func TestManagerGetSet(t *testing.T) {
	mgr := NewManager()

	cfg := mgr.Get()
	cfg.Host = "other"
	if mgr.Get().Host == "other" {
		t.Error("Get should return a copy")
	}
	mgr.Set(cfg)

	if mgr.Get().Host != "other" {
		t.Errorf("Expected Host other, got %s", mgr.Get().Host)
	}
}

func TestGlobalManager(t *testing.T) {
	if Global() == nil {
		t.Fatal("Expected non-nil global manager")
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.json")
	if err := os.WriteFile(path, []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	orig := DefaultConfigPaths
	defer func() { DefaultConfigPaths = orig }()

	DefaultConfigPaths = []string{filepath.Join(dir, "missing.json"), path}
	got, ok := FindConfigFile()
	if !ok || got != path {
		t.Errorf("FindConfigFile() = %s, %v", got, ok)
	}

	DefaultConfigPaths = []string{filepath.Join(dir, "missing.json")}
	if _, ok := FindConfigFile(); ok {
		t.Error("Expected no config file")
	}
}
