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
Package cli provides terminal output helpers for the flystream command line.

COLORS:
=======
ANSI escape codes are applied only when the target writer is a terminal
and NO_COLOR is unset. Output written to pipes or files stays plain so it
can be consumed by other tools.

USAGE:
======

	p := cli.NewPrinter(os.Stdout, os.Stderr)
	p.Success("stream %s created", name)
	p.KeyValue("first offset", 0)
*/
package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes for terminal output.
const (
	Reset     = "\033[0m"
	Bold      = "\033[1m"
	Dim       = "\033[2m"
	Underline = "\033[4m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
)

// Icons for CLI output
const (
	IconSuccess = "✓"
	IconError   = "✗"
	IconWarning = "⚠"
	IconInfo    = "ℹ"
	IconArrow   = "→"
	IconDot     = "●"
)

// Printer writes formatted messages to an output and an error stream.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	color  bool
}

// NewPrinter returns a printer for out and errOut. Colors are enabled when
// out is a terminal and NO_COLOR is not set.
func NewPrinter(out, errOut io.Writer) *Printer {
	return &Printer{out: out, errOut: errOut, color: colorSupported(out)}
}

func colorSupported(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetColors enables or disables color output.
func (p *Printer) SetColors(enabled bool) {
	p.color = enabled
}

// Colors reports whether color output is enabled.
func (p *Printer) Colors() bool {
	return p.color
}

func (p *Printer) colorize(color, text string) string {
	if !p.color {
		return text
	}
	return color + text + Reset
}

// Success prints a success message.
func (p *Printer) Success(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.colorize(Green, IconSuccess+" "+fmt.Sprintf(format, args...)))
}

// Error prints an error message.
func (p *Printer) Error(format string, args ...interface{}) {
	fmt.Fprintln(p.errOut, p.colorize(Red, IconError+" "+fmt.Sprintf(format, args...)))
}

// ErrorWithHint prints an error message with a helpful hint.
func (p *Printer) ErrorWithHint(message, hint string) {
	fmt.Fprintln(p.errOut, p.colorize(Red, IconError+" "+message))
	if hint != "" {
		fmt.Fprintln(p.errOut, p.colorize(Dim, "  "+IconArrow+" Hint: "+hint))
	}
}

// Warning prints a warning message.
func (p *Printer) Warning(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.colorize(Yellow, IconWarning+" "+fmt.Sprintf(format, args...)))
}

// Info prints an info message.
func (p *Printer) Info(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.colorize(Cyan, IconInfo+" "+fmt.Sprintf(format, args...)))
}

// Hint prints a dimmed hint.
func (p *Printer) Hint(format string, args ...interface{}) {
	fmt.Fprintln(p.out, p.colorize(Dim, "  "+IconArrow+" "+fmt.Sprintf(format, args...)))
}

// Header prints a title.
func (p *Printer) Header(text string) {
	fmt.Fprintln(p.out, p.colorize(Bold+Cyan, text))
}

// KeyValue prints a key-value pair.
func (p *Printer) KeyValue(key string, value interface{}) {
	fmt.Fprintf(p.out, "  %s: %v\n", p.colorize(Dim, key), value)
}

// Map prints the entries of m sorted by key.
func (p *Printer) Map(m map[string]int64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.KeyValue(k, m[k])
	}
}

// Separator prints a horizontal line.
func (p *Printer) Separator() {
	fmt.Fprintln(p.out, p.colorize(Dim, strings.Repeat("─", 40)))
}

// Delivery prints one consumed message.
func (p *Printer) Delivery(stream string, offset uint64, properties map[string]string, body []byte) {
	prefix := p.colorize(Magenta, fmt.Sprintf("[%s@%d]", stream, offset))
	if len(properties) == 0 {
		fmt.Fprintf(p.out, "%s %s\n", prefix, body)
		return
	}
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+properties[k])
	}
	fmt.Fprintf(p.out, "%s %s %s\n", prefix, p.colorize(Dim, "{"+strings.Join(pairs, ", ")+"}"), body)
}

// Example prints an example command.
func (p *Printer) Example(description, command string) {
	fmt.Fprintf(p.out, "  %s\n", p.colorize(Dim, "# "+description))
	fmt.Fprintf(p.out, "  %s\n", p.colorize(Cyan, command))
}
