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

package mux

import (
	"crypto/tls"
	"time"

	"flystream/internal/metrics"
	"flystream/internal/protocol"

	"github.com/benbjohnson/clock"
)

// Default connection parameters.
const (
	DefaultHeartbeat      = 60 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultVirtualHost    = "/"

	// MaxIDs is the number of publisher or subscription ids per connection.
	MaxIDs = 256
)

// Options configures a connection.
type Options struct {
	Addr           string
	TLS            *tls.Config // nil for plain TCP
	VirtualHost    string
	Username       string
	Password       string
	ConnectionName string

	// Values the client proposes during tuning. 0 means no limit.
	RequestedHeartbeat time.Duration
	RequestedFrameMax  uint32

	DialTimeout    time.Duration
	RequestTimeout time.Duration
	CloseTimeout   time.Duration

	// Upper bounds on registered handlers, at most MaxIDs.
	MaxPublishers    int
	MaxSubscriptions int

	Clock   clock.Clock
	Metrics metrics.Collector
}

// DefaultOptions returns options for a local broker with guest credentials.
func DefaultOptions() Options {
	return Options{
		Addr:               "localhost:5552",
		VirtualHost:        DefaultVirtualHost,
		Username:           "guest",
		Password:           "guest",
		RequestedHeartbeat: DefaultHeartbeat,
		RequestedFrameMax:  protocol.DefaultFrameMax,
		DialTimeout:        DefaultDialTimeout,
		RequestTimeout:     DefaultRequestTimeout,
		CloseTimeout:       DefaultCloseTimeout,
		MaxPublishers:      MaxIDs,
		MaxSubscriptions:   MaxIDs,
	}
}

func (o Options) withDefaults() Options {
	if o.VirtualHost == "" {
		o.VirtualHost = DefaultVirtualHost
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.MaxPublishers <= 0 || o.MaxPublishers > MaxIDs {
		o.MaxPublishers = MaxIDs
	}
	if o.MaxSubscriptions <= 0 || o.MaxSubscriptions > MaxIDs {
		o.MaxSubscriptions = MaxIDs
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	return o
}
