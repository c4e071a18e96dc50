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
Package banner prints the flystream version banner.

The banner text is embedded at compile time from banner.txt. PrintTo writes
the banner with version information; PrintConfigTo adds a summary of the
effective client configuration, used by the CLI in verbose mode.
*/
package banner

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"flystream/internal/config"
)

//go:embed banner.txt
var bannerText string

// ANSI escape codes for terminal text formatting.
const (
	AnsiGreen  = "\033[32m"
	AnsiYellow = "\033[33m"
	AnsiCyan   = "\033[36m"
	AnsiReset  = "\033[0m"
	AnsiBold   = "\033[1m"
	AnsiDim    = "\033[2m"
)

// Version information
const (
	Version   = "0.4.0"
	Copyright = "Copyright (c) 2026 Firefly Software Solutions Inc."
	License   = "Licensed under Apache License 2.0"
)

// GetBannerLines returns the banner as individual lines.
func GetBannerLines() []string {
	return strings.Split(strings.TrimRight(bannerText, "\n"), "\n")
}

// PrintTo writes the banner to w. Colors are used only when color is set.
func PrintTo(w io.Writer, color bool) {
	c := func(code, s string) string {
		if !color {
			return s
		}
		return code + s + AnsiReset
	}
	fmt.Fprintln(w)
	for _, line := range GetBannerLines() {
		fmt.Fprintln(w, "  "+c(AnsiCyan+AnsiBold, line))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  "+c(AnsiGreen+AnsiBold, "flystream")+" "+c(AnsiDim, "v"+Version))
	fmt.Fprintln(w, "  "+c(AnsiDim, "Stream client and command line"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  "+c(AnsiDim, Copyright))
	fmt.Fprintln(w, "  "+c(AnsiDim, License))
	fmt.Fprintln(w)
}

// PrintConfigTo writes a summary of cfg. Secrets are never printed.
func PrintConfigTo(w io.Writer, cfg *config.Config) {
	source := "defaults + environment"
	if cfg.ConfigFile != "" {
		source = cfg.ConfigFile
	}
	row := func(key string, value interface{}) {
		fmt.Fprintf(w, "  %-18s %v\n", key+":", value)
	}

	row("Config", source)
	row("Broker", fmt.Sprintf("%s:%d", cfg.Host, cfg.EffectivePort()))
	row("Virtual host", cfg.VirtualHost)
	row("User", cfg.Username)
	row("TLS", enabled(cfg.Security.TLSEnabled))
	row("Load balancer", enabled(cfg.LoadBalancerMode))
	row("Heartbeat", cfg.HeartbeatInterval())
	row("Request timeout", cfg.RequestTimeoutDuration())
	row("Batch size", cfg.Producer.BatchSize)
	row("Batch delay", cfg.BatchPublishingDelayDuration())
	row("Compression", compression(cfg))
	row("Initial credits", cfg.Consumer.InitialCredits)
	if cfg.Metrics.Enabled {
		row("Metrics", cfg.Metrics.Addr)
	} else {
		row("Metrics", "disabled")
	}
	fmt.Fprintln(w)
}

func enabled(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}

func compression(cfg *config.Config) string {
	if cfg.Producer.SubEntrySize <= 1 {
		return "off"
	}
	codec := cfg.Producer.Compression
	if codec == "" {
		codec = "none"
	}
	return fmt.Sprintf("%s (%d per sub-entry)", codec, cfg.Producer.SubEntrySize)
}
