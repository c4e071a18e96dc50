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

package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrinter() (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return NewPrinter(&out, &errOut), &out, &errOut
}

func TestNewPrinterNoColorForBuffers(t *testing.T) {
	p, _, _ := newTestPrinter()
	if p.Colors() {
		t.Error("Expected colors disabled for a non-terminal writer")
	}
}

func TestColorize(t *testing.T) {
	p, _, _ := newTestPrinter()

	p.SetColors(true)
	result := p.colorize(Red, "test")
	if result != Red+"test"+Reset {
		t.Errorf("colorize = %q", result)
	}

	p.SetColors(false)
	if result = p.colorize(Red, "test"); result != "test" {
		t.Errorf("Expected 'test' without colors, got %q", result)
	}
}

func TestSuccessAndInfo(t *testing.T) {
	p, out, _ := newTestPrinter()
	p.Success("stream %s created", "orders")
	p.Info("info message")

	got := out.String()
	if !strings.Contains(got, IconSuccess+" stream orders created") {
		t.Errorf("Expected success line, got %q", got)
	}
	if !strings.Contains(got, IconInfo+" info message") {
		t.Errorf("Expected info line, got %q", got)
	}
}

func TestErrorsGoToErrorStream(t *testing.T) {
	p, out, errOut := newTestPrinter()
	p.Error("boom %d", 1)
	p.ErrorWithHint("connection refused", "is the broker running?")

	if out.Len() != 0 {
		t.Errorf("Expected nothing on stdout, got %q", out.String())
	}
	got := errOut.String()
	if !strings.Contains(got, IconError+" boom 1") {
		t.Errorf("Expected error line, got %q", got)
	}
	if !strings.Contains(got, "Hint: is the broker running?") {
		t.Errorf("Expected hint, got %q", got)
	}
}

func TestMapSorted(t *testing.T) {
	p, out, _ := newTestPrinter()
	p.Map(map[string]int64{"committed_chunk_id": 7, "first_chunk_id": 0})

	want := "  committed_chunk_id: 7\n  first_chunk_id: 0\n"
	if out.String() != want {
		t.Errorf("Map output = %q, want %q", out.String(), want)
	}
}

func TestDelivery(t *testing.T) {
	p, out, _ := newTestPrinter()
	p.Delivery("orders", 3, nil, []byte("hello"))
	p.Delivery("orders", 4, map[string]string{"b": "2", "a": "1"}, []byte("world"))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 lines, got %d", len(lines))
	}
	if lines[0] != "[orders@3] hello" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "[orders@4] {a=1, b=2} world" {
		t.Errorf("line 1 = %q", lines[1])
	}
}

func TestWarningAndSeparator(t *testing.T) {
	p, out, _ := newTestPrinter()
	p.Warning("warning message")
	p.Separator()

	got := out.String()
	if !strings.Contains(got, IconWarning+" warning message") {
		t.Errorf("Expected warning, got %q", got)
	}
	if !strings.Contains(got, strings.Repeat("─", 40)) {
		t.Errorf("Expected separator, got %q", got)
	}
}
