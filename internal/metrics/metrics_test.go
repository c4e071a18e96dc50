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

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flystream/internal/config"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNopCollector(t *testing.T) {
	var c Collector = Nop{}
	c.ConnectionOpened()
	c.Published("s", 1, 10)
	c.ChunkDelivered("s", 1, 10)
	c.RequestCompleted("open", time.Millisecond)
	c.ConnectionClosed()
}

// value returns the sum of a gathered counter or gauge family, or the sample
// count for histograms.
func value(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.Counter != nil:
				total += m.GetCounter().GetValue()
			case m.Gauge != nil:
				total += m.GetGauge().GetValue()
			case m.Histogram != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestPrometheusCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.ConnectionOpened()
	p.ConnectionOpened()
	p.ConnectionClosed()
	p.Published("orders", 3, 300)
	p.Published("orders", 2, 200)
	p.Confirmed("orders", 4)
	p.PublishErrored("orders", 1)
	p.ChunkDelivered("orders", 10, 1024)
	p.CreditGranted("orders", 5)
	p.RequestCompleted("subscribe", 2*time.Millisecond)

	tests := []struct {
		name string
		want float64
	}{
		{"flystream_client_connections_opened_total", 2},
		{"flystream_client_connections_active", 1},
		{"flystream_client_published_messages_total", 5},
		{"flystream_client_published_bytes_total", 500},
		{"flystream_client_confirmed_messages_total", 4},
		{"flystream_client_publish_errors_total", 1},
		{"flystream_client_delivered_chunks_total", 1},
		{"flystream_client_delivered_records_total", 10},
		{"flystream_client_delivered_bytes_total", 1024},
		{"flystream_client_credits_granted_total", 5},
		{"flystream_client_request_duration_seconds", 1},
	}

	for _, tt := range tests {
		if got := value(t, reg, tt.name); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	p.Published("orders", 1, 10)

	s := NewServer(&config.MetricsConfig{Enabled: true, Addr: "127.0.0.1:0"}, reg)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `flystream_client_published_messages_total{stream="orders"} 1`) {
		t.Errorf("metrics output missing published counter:\n%s", body)
	}
}

func TestServerDisabled(t *testing.T) {
	s := NewServer(&config.MetricsConfig{Enabled: false}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}
