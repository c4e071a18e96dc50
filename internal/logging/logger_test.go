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

package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %s, want %s", tt.level, got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DEBUG},
		{"debug", DEBUG},
		{"INFO", INFO},
		{"info", INFO},
		{"WARN", WARN},
		{"warn", WARN},
		{"WARNING", WARN},
		{"warning", WARN},
		{"ERROR", ERROR},
		{"error", ERROR},
		{"unknown", INFO}, // default
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%s) = %d, want %d", tt.input, got, tt.expected)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Level != INFO {
		t.Errorf("Expected default level INFO, got %d", cfg.Level)
	}
	if cfg.JSONMode {
		t.Error("Expected JSONMode to be false by default")
	}
	if cfg.File != "" {
		t.Errorf("Expected no log file by default, got %s", cfg.File)
	}
}

func resetLogging() {
	Configure(DefaultConfig())
}

func TestLoggerOutput(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalOutput(&buf)
	SetGlobalLevel(DEBUG)
	defer resetLogging()

	logger := NewLogger("test")
	logger.Info("test message", "key", "value")

	output := buf.String()
	if !strings.Contains(output, "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", output)
	}
	if !strings.Contains(output, "\ttest\t") {
		t.Errorf("Expected output to contain component 'test', got: %s", output)
	}
	if !strings.Contains(output, `"key"`) || !strings.Contains(output, `"value"`) {
		t.Errorf("Expected output to contain key/value, got: %s", output)
	}
}

func TestLoggerPicksUpLaterOutputChange(t *testing.T) {
	logger := NewLogger("late")
	logger.Info("before")

	var buf bytes.Buffer
	SetGlobalOutput(&buf)
	defer resetLogging()

	logger.Info("after")
	if !strings.Contains(buf.String(), "after") {
		t.Errorf("Expected output after reconfiguration, got: %s", buf.String())
	}
	if strings.Contains(buf.String(), "before") {
		t.Errorf("Did not expect earlier entry, got: %s", buf.String())
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalOutput(&buf)
	SetGlobalLevel(WARN)
	defer resetLogging()

	logger := NewLogger("test")
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("Debug message should be filtered")
	}
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("Warn message should be present")
	}
	if !strings.Contains(output, "error message") {
		t.Error("Error message should be present")
	}
	if logger.Enabled(INFO) {
		t.Error("INFO should not be enabled at WARN")
	}
}

func TestLoggerJSONMode(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalOutput(&buf)
	SetGlobalLevel(INFO)
	SetJSONMode(true)
	defer resetLogging()

	logger := NewLogger("test").With("stream", "orders")
	logger.Info("json test", "foo", "bar")

	output := buf.String()
	for _, want := range []string{
		`"message":"json test"`,
		`"component":"test"`,
		`"level":"INFO"`,
		`"stream":"orders"`,
		`"foo":"bar"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected JSON output with %s, got: %s", want, output)
		}
	}
}

func TestLoggerAllLevels(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalOutput(&buf)
	SetGlobalLevel(DEBUG)
	defer resetLogging()

	logger := NewLogger("test")
	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error")

	output := buf.String()
	for _, level := range []string{"DEBUG", "INFO", "WARN", "ERROR"} {
		if !strings.Contains(output, level) {
			t.Errorf("Expected %s in output", level)
		}
	}
}

func TestLoggerFileRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flystream.log")
	cfg := DefaultConfig()
	cfg.File = path
	cfg.JSONMode = true
	Configure(cfg)
	defer resetLogging()

	NewLogger("file").Info("to file")
	_ = Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `"message":"to file"`) {
		t.Errorf("Expected entry in log file, got: %s", data)
	}
}

func TestConnectionLogger(t *testing.T) {
	var buf bytes.Buffer
	SetGlobalOutput(&buf)
	SetJSONMode(true)
	defer resetLogging()

	cl := NewConnectionLogger(NewLogger("mux"), "flystream-test")
	cl.LogClosed(errors.New("broken pipe"))

	output := buf.String()
	if !strings.Contains(output, `"connection":"flystream-test"`) {
		t.Errorf("Expected connection name, got: %s", output)
	}
	if !strings.Contains(output, "broken pipe") {
		t.Errorf("Expected close reason, got: %s", output)
	}
}

func TestSanitizePayload(t *testing.T) {
	if got := SanitizePayload(nil); got != "[empty]" {
		t.Errorf("SanitizePayload(nil) = %s", got)
	}
	if got := SanitizePayload([]byte("secret")); got != "[6 bytes]" {
		t.Errorf("SanitizePayload() = %s", got)
	}
}
