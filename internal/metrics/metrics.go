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
Package metrics provides the client metrics hook and its Prometheus
implementation.

METRIC CATEGORIES:
==================
- Connections: opened, active
- Publishing: messages and bytes sent, confirmed, errored
- Consuming: chunks, records and bytes delivered, credits granted
- Requests: round-trip latency per command

EXAMPLE METRICS:
================

	flystream_client_published_messages_total{stream="orders"} 12345
	flystream_client_confirmed_messages_total{stream="orders"} 12340
	flystream_client_delivered_records_total{stream="orders"} 9000
	flystream_client_request_duration_seconds_bucket{command="subscribe",le="0.005"} 3
	flystream_client_connections_active 2
*/
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"flystream/internal/config"
	"flystream/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector receives client events. Implementations must be safe for
// concurrent use and must not block.
type Collector interface {
	ConnectionOpened()
	ConnectionClosed()
	Published(stream string, messages, bytes int)
	Confirmed(stream string, messages int)
	PublishErrored(stream string, messages int)
	ChunkDelivered(stream string, records, bytes int)
	CreditGranted(stream string, credits int)
	RequestCompleted(command string, latency time.Duration)
}

// Nop discards every event.
type Nop struct{}

func (Nop) ConnectionOpened() {}
func (Nop) ConnectionClosed() {}
func (Nop) Published(string, int, int) {}
func (Nop) Confirmed(string, int) {}
func (Nop) PublishErrored(string, int) {}
func (Nop) ChunkDelivered(string, int, int) {}
func (Nop) CreditGranted(string, int) {}
func (Nop) RequestCompleted(string, time.Duration) {}

// Prometheus records events as Prometheus metrics.
type Prometheus struct {
	connectionsOpened prometheus.Counter
	connectionsActive prometheus.Gauge
	publishedMessages *prometheus.CounterVec
	publishedBytes    *prometheus.CounterVec
	confirmed         *prometheus.CounterVec
	publishErrors     *prometheus.CounterVec
	deliveredChunks   *prometheus.CounterVec
	deliveredRecords  *prometheus.CounterVec
	deliveredBytes    *prometheus.CounterVec
	credits           *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// NewPrometheus registers the client metrics with reg. A nil reg uses the
// default registerer.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	const ns, sub = "flystream", "client"

	return &Prometheus{
		connectionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "connections_opened_total",
			Help: "Total broker connections opened",
		}),
		connectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub,
			Name: "connections_active",
			Help: "Currently open broker connections",
		}),
		publishedMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "published_messages_total",
			Help: "Messages written in publish frames",
		}, []string{"stream"}),
		publishedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "published_bytes_total",
			Help: "Bytes written in publish frames",
		}, []string{"stream"}),
		confirmed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "confirmed_messages_total",
			Help: "Publishing ids confirmed by the broker",
		}, []string{"stream"}),
		publishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "publish_errors_total",
			Help: "Publishing ids rejected or timed out",
		}, []string{"stream"}),
		deliveredChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "delivered_chunks_total",
			Help: "Chunks delivered to consumers",
		}, []string{"stream"}),
		deliveredRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "delivered_records_total",
			Help: "Records delivered to consumers",
		}, []string{"stream"}),
		deliveredBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "delivered_bytes_total",
			Help: "Deliver frame bytes received",
		}, []string{"stream"}),
		credits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub,
			Name: "credits_granted_total",
			Help: "Chunk credits granted to the broker",
		}, []string{"stream"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub,
			Name:    "request_duration_seconds",
			Help:    "Request round-trip latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"command"}),
	}
}

func (p *Prometheus) ConnectionOpened() {
	p.connectionsOpened.Inc()
	p.connectionsActive.Inc()
}

func (p *Prometheus) ConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *Prometheus) Published(stream string, messages, bytes int) {
	p.publishedMessages.WithLabelValues(stream).Add(float64(messages))
	p.publishedBytes.WithLabelValues(stream).Add(float64(bytes))
}

func (p *Prometheus) Confirmed(stream string, messages int) {
	p.confirmed.WithLabelValues(stream).Add(float64(messages))
}

func (p *Prometheus) PublishErrored(stream string, messages int) {
	p.publishErrors.WithLabelValues(stream).Add(float64(messages))
}

func (p *Prometheus) ChunkDelivered(stream string, records, bytes int) {
	p.deliveredChunks.WithLabelValues(stream).Inc()
	p.deliveredRecords.WithLabelValues(stream).Add(float64(records))
	p.deliveredBytes.WithLabelValues(stream).Add(float64(bytes))
}

func (p *Prometheus) CreditGranted(stream string, credits int) {
	p.credits.WithLabelValues(stream).Add(float64(credits))
}

func (p *Prometheus) RequestCompleted(command string, latency time.Duration) {
	p.requestDuration.WithLabelValues(command).Observe(latency.Seconds())
}

// Server exposes a Prometheus registry over HTTP.
type Server struct {
	config   *config.MetricsConfig
	gatherer prometheus.Gatherer
	server   *http.Server
	logger   *logging.Logger
}

// NewServer creates a new metrics server for gatherer.
func NewServer(cfg *config.MetricsConfig, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:   cfg,
		gatherer: gatherer,
		logger:   logging.NewLogger("metrics"),
	}
}

// Handler returns the /metrics handler.
func (s *Server) Handler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// Start starts the metrics HTTP server.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Debug("Metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("Starting metrics server", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server error", "error", err)
		}
	}()

	return nil
}

// Stop stops the metrics HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.logger.Info("Stopping metrics server")
	return s.server.Shutdown(ctx)
}
