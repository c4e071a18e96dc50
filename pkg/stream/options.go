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

package stream

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"flystream/internal/compression"
	"flystream/internal/config"
	"flystream/internal/crypto"
	"flystream/internal/metrics"
	"flystream/internal/mux"

	"github.com/benbjohnson/clock"
)

// Compression selects the sub-entry codec.
type Compression = compression.CompressionType

// Sub-entry codecs.
const (
	CompressionNone   = compression.CompressionNone
	CompressionGzip   = compression.CompressionGzip
	CompressionSnappy = compression.CompressionSnappy
	CompressionLZ4    = compression.CompressionLZ4
	CompressionZstd   = compression.CompressionZstd
)

// Defaults.
const (
	DefaultPort                  = config.DefaultPort
	DefaultTLSPort               = config.DefaultTLSPort
	DefaultBatchSize             = 100
	DefaultBatchPublishingDelay  = 100 * time.Millisecond
	DefaultConfirmationTimeout   = 10 * time.Second
	DefaultProducerCloseTimeout  = 5 * time.Second
	DefaultInitialCredits        = 10
	DefaultMaxProducersPerClient = 255
	DefaultMaxConsumersPerClient = 255

	maxBatchSize = 0xffff
)

// ============================================================================
// Environment
// ============================================================================

// TLSOptions configures TLS for broker connections.
type TLSOptions struct {
	Enabled            bool
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
}

// EnvironmentOptions configures an Environment. Setters return the options
// so calls can be chained; NewEnvironment validates and copies them.
type EnvironmentOptions struct {
	Host             string
	Port             int // 0 selects DefaultPort or DefaultTLSPort
	VirtualHost      string
	User             string
	Password         string
	Heartbeat        time.Duration
	RequestTimeout   time.Duration
	TLS              TLSOptions
	LoadBalancerMode bool
	ConnectionName   string // default flystream-<uuid>

	MaxProducersPerClient int
	MaxConsumersPerClient int

	Metrics metrics.Collector
	Clock   clock.Clock
}

// NewEnvironmentOptions returns options for a local broker.
func NewEnvironmentOptions() *EnvironmentOptions {
	return &EnvironmentOptions{
		Host:                  "localhost",
		VirtualHost:           mux.DefaultVirtualHost,
		User:                  "guest",
		Password:              "guest",
		Heartbeat:             mux.DefaultHeartbeat,
		RequestTimeout:        mux.DefaultRequestTimeout,
		MaxProducersPerClient: DefaultMaxProducersPerClient,
		MaxConsumersPerClient: DefaultMaxConsumersPerClient,
	}
}

// EnvironmentOptionsFromConfig maps a loaded configuration onto options.
func EnvironmentOptionsFromConfig(cfg *config.Config) *EnvironmentOptions {
	o := NewEnvironmentOptions()
	o.Host = cfg.Host
	o.Port = cfg.Port
	o.VirtualHost = cfg.VirtualHost
	o.User = cfg.Username
	o.Password = cfg.Password
	o.Heartbeat = time.Duration(cfg.Heartbeat) * time.Second
	o.RequestTimeout = time.Duration(cfg.RequestTimeout) * time.Millisecond
	o.ConnectionName = cfg.ConnectionName
	o.LoadBalancerMode = cfg.LoadBalancerMode
	o.TLS = TLSOptions{
		Enabled:            cfg.Security.TLSEnabled,
		InsecureSkipVerify: cfg.Security.TLSInsecureSkipVerify,
		CAFile:             cfg.Security.TLSCAFile,
		CertFile:           cfg.Security.TLSCertFile,
		KeyFile:            cfg.Security.TLSKeyFile,
	}
	return o
}

func (o *EnvironmentOptions) SetHost(host string) *EnvironmentOptions {
	o.Host = host
	return o
}

func (o *EnvironmentOptions) SetPort(port int) *EnvironmentOptions {
	o.Port = port
	return o
}

func (o *EnvironmentOptions) SetVirtualHost(vhost string) *EnvironmentOptions {
	o.VirtualHost = vhost
	return o
}

func (o *EnvironmentOptions) SetUser(user string) *EnvironmentOptions {
	o.User = user
	return o
}

func (o *EnvironmentOptions) SetPassword(password string) *EnvironmentOptions {
	o.Password = password
	return o
}

// SetHeartbeat sets the requested heartbeat interval. 0 accepts the
// broker's proposal.
func (o *EnvironmentOptions) SetHeartbeat(d time.Duration) *EnvironmentOptions {
	o.Heartbeat = d
	return o
}

func (o *EnvironmentOptions) SetRequestTimeout(d time.Duration) *EnvironmentOptions {
	o.RequestTimeout = d
	return o
}

// SetTLS enables TLS.
func (o *EnvironmentOptions) SetTLS(enabled bool) *EnvironmentOptions {
	o.TLS.Enabled = enabled
	return o
}

// SetInsecureSkipVerify trusts any broker certificate.
func (o *EnvironmentOptions) SetInsecureSkipVerify(skip bool) *EnvironmentOptions {
	o.TLS.InsecureSkipVerify = skip
	return o
}

// SetRootCA sets the CA file used to verify the broker.
func (o *EnvironmentOptions) SetRootCA(caFile string) *EnvironmentOptions {
	o.TLS.CAFile = caFile
	return o
}

// SetClientCert sets the client certificate and key.
func (o *EnvironmentOptions) SetClientCert(certFile, keyFile string) *EnvironmentOptions {
	o.TLS.CertFile = certFile
	o.TLS.KeyFile = keyFile
	return o
}

// SetLoadBalancerMode makes every connection use the configured host
// instead of the broker advertised for the stream.
func (o *EnvironmentOptions) SetLoadBalancerMode(enabled bool) *EnvironmentOptions {
	o.LoadBalancerMode = enabled
	return o
}

func (o *EnvironmentOptions) SetConnectionName(name string) *EnvironmentOptions {
	o.ConnectionName = name
	return o
}

func (o *EnvironmentOptions) SetMaxProducersPerClient(n int) *EnvironmentOptions {
	o.MaxProducersPerClient = n
	return o
}

func (o *EnvironmentOptions) SetMaxConsumersPerClient(n int) *EnvironmentOptions {
	o.MaxConsumersPerClient = n
	return o
}

func (o *EnvironmentOptions) SetMetrics(c metrics.Collector) *EnvironmentOptions {
	o.Metrics = c
	return o
}

func (o *EnvironmentOptions) SetClock(c clock.Clock) *EnvironmentOptions {
	o.Clock = c
	return o
}

func (o *EnvironmentOptions) validate() error {
	if o.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidOptions)
	}
	if o.Port < 0 || o.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidOptions, o.Port)
	}
	if o.Heartbeat < 0 || o.RequestTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidOptions)
	}
	if o.MaxProducersPerClient < 1 || o.MaxProducersPerClient > mux.MaxIDs {
		return fmt.Errorf("%w: max producers per client must be in [1, %d]", ErrInvalidOptions, mux.MaxIDs)
	}
	if o.MaxConsumersPerClient < 1 || o.MaxConsumersPerClient > mux.MaxIDs {
		return fmt.Errorf("%w: max consumers per client must be in [1, %d]", ErrInvalidOptions, mux.MaxIDs)
	}
	if (o.TLS.CertFile == "") != (o.TLS.KeyFile == "") {
		return fmt.Errorf("%w: client certificate and key must be set together", ErrInvalidOptions)
	}
	if o.TLS.CertFile != "" {
		if err := crypto.ValidateTLSFiles(o.TLS.CertFile, o.TLS.KeyFile); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
		}
	}
	return nil
}

func (o *EnvironmentOptions) addr() string {
	port := o.Port
	if port == 0 {
		port = DefaultPort
		if o.TLS.Enabled {
			port = DefaultTLSPort
		}
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// ============================================================================
// Producer
// ============================================================================

// ProducerOptions configures a Producer.
type ProducerOptions struct {
	// Name enables deduplication: the broker drops publishing ids at or
	// below the last one stored for the name.
	Name                 string
	BatchSize            int
	BatchPublishingDelay time.Duration

	// FilterValueExtractor computes the filter value of each message.
	FilterValueExtractor func(*Message) string

	SubEntrySize int
	Compression  Compression

	ConfirmationTimeout time.Duration
	CloseTimeout        time.Duration

	// ConfirmationQueueSize enables NotifyPublishConfirmation. 0 disables
	// the queue and SendAsync outcomes are discarded.
	ConfirmationQueueSize int
}

// NewProducerOptions returns the default producer options.
func NewProducerOptions() *ProducerOptions {
	return &ProducerOptions{
		BatchSize:            DefaultBatchSize,
		BatchPublishingDelay: DefaultBatchPublishingDelay,
		SubEntrySize:         1,
		Compression:          CompressionNone,
		ConfirmationTimeout:  DefaultConfirmationTimeout,
		CloseTimeout:         DefaultProducerCloseTimeout,
	}
}

// ProducerOptionsFromConfig maps producer defaults from a configuration.
func ProducerOptionsFromConfig(cfg config.ProducerConfig) (*ProducerOptions, error) {
	o := NewProducerOptions()
	if cfg.BatchSize > 0 {
		o.BatchSize = cfg.BatchSize
	}
	if cfg.BatchPublishingDelay > 0 {
		o.BatchPublishingDelay = time.Duration(cfg.BatchPublishingDelay) * time.Millisecond
	}
	if cfg.SubEntrySize > 0 {
		o.SubEntrySize = cfg.SubEntrySize
	}
	ct, err := compression.ParseCompressionType(cfg.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	o.Compression = ct
	return o, nil
}

func (o *ProducerOptions) SetName(name string) *ProducerOptions {
	o.Name = name
	return o
}

func (o *ProducerOptions) SetBatchSize(n int) *ProducerOptions {
	o.BatchSize = n
	return o
}

func (o *ProducerOptions) SetBatchPublishingDelay(d time.Duration) *ProducerOptions {
	o.BatchPublishingDelay = d
	return o
}

func (o *ProducerOptions) SetFilterValueExtractor(fn func(*Message) string) *ProducerOptions {
	o.FilterValueExtractor = fn
	return o
}

func (o *ProducerOptions) SetSubEntrySize(n int) *ProducerOptions {
	o.SubEntrySize = n
	return o
}

func (o *ProducerOptions) SetCompression(c Compression) *ProducerOptions {
	o.Compression = c
	return o
}

func (o *ProducerOptions) SetConfirmationTimeout(d time.Duration) *ProducerOptions {
	o.ConfirmationTimeout = d
	return o
}

func (o *ProducerOptions) SetCloseTimeout(d time.Duration) *ProducerOptions {
	o.CloseTimeout = d
	return o
}

func (o *ProducerOptions) SetConfirmationQueueSize(n int) *ProducerOptions {
	o.ConfirmationQueueSize = n
	return o
}

func (o *ProducerOptions) validate() error {
	switch {
	case o.BatchSize < 1 || o.BatchSize > maxBatchSize:
		return fmt.Errorf("%w: batch size must be in [1, %d]", ErrInvalidOptions, maxBatchSize)
	case o.BatchPublishingDelay <= 0:
		return fmt.Errorf("%w: batch publishing delay must be positive", ErrInvalidOptions)
	case o.SubEntrySize < 1 || o.SubEntrySize > maxBatchSize:
		return fmt.Errorf("%w: sub-entry size must be in [1, %d]", ErrInvalidOptions, maxBatchSize)
	case o.Compression != CompressionNone && o.SubEntrySize <= 1:
		return fmt.Errorf("%w: compression requires a sub-entry size above 1", ErrInvalidOptions)
	case o.ConfirmationTimeout <= 0 || o.CloseTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	case o.FilterValueExtractor != nil && o.SubEntrySize > 1:
		return fmt.Errorf("%w: filtering cannot be combined with sub-entry batching", ErrInvalidOptions)
	case o.ConfirmationQueueSize < 0:
		return fmt.Errorf("%w: negative confirmation queue size", ErrInvalidOptions)
	}
	if _, err := compression.NewCompressor(o.Compression); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// ============================================================================
// Consumer
// ============================================================================

// ConsumerFilter asks the broker to deliver only chunks holding messages
// with one of Values. Chunks may still hold other messages, so PostFilter
// runs on the client.
type ConsumerFilter struct {
	Values          []string
	MatchUnfiltered bool
	PostFilter      func(*Message) bool
}

// ConsumerUpdateListener is called when the broker changes the activation
// of a single active consumer. On activation the returned specification is
// where the consumer restarts; it is ignored on deactivation.
type ConsumerUpdateListener func(stream string, active bool) OffsetSpecification

// SingleActiveConsumer makes consumers sharing a name take turns: only one
// of them receives messages.
type SingleActiveConsumer struct {
	Enabled        bool
	ConsumerUpdate ConsumerUpdateListener
}

// ConsumerOptions configures a Consumer.
type ConsumerOptions struct {
	Name                  string
	Offset                OffsetSpecification
	Filter                *ConsumerFilter
	SingleActiveConsumer  *SingleActiveConsumer
	InitialCredits        int
	CreditRefillThreshold int // default InitialCredits/2
	Properties            map[string]string
}

// NewConsumerOptions returns options starting at the next message.
func NewConsumerOptions() *ConsumerOptions {
	return &ConsumerOptions{
		Offset:         OffsetNext(),
		InitialCredits: DefaultInitialCredits,
	}
}

func (o *ConsumerOptions) SetName(name string) *ConsumerOptions {
	o.Name = name
	return o
}

func (o *ConsumerOptions) SetOffset(offset OffsetSpecification) *ConsumerOptions {
	o.Offset = offset
	return o
}

func (o *ConsumerOptions) SetFilter(f *ConsumerFilter) *ConsumerOptions {
	o.Filter = f
	return o
}

func (o *ConsumerOptions) SetSingleActiveConsumer(sac *SingleActiveConsumer) *ConsumerOptions {
	o.SingleActiveConsumer = sac
	return o
}

func (o *ConsumerOptions) SetInitialCredits(n int) *ConsumerOptions {
	o.InitialCredits = n
	return o
}

func (o *ConsumerOptions) SetCreditRefillThreshold(n int) *ConsumerOptions {
	o.CreditRefillThreshold = n
	return o
}

func (o *ConsumerOptions) SetProperty(key, value string) *ConsumerOptions {
	if o.Properties == nil {
		o.Properties = make(map[string]string)
	}
	o.Properties[key] = value
	return o
}

func (o *ConsumerOptions) singleActive() bool {
	return o.SingleActiveConsumer != nil && o.SingleActiveConsumer.Enabled
}

func (o *ConsumerOptions) validate() error {
	if o.singleActive() && o.Name == "" {
		return ErrSingleActiveConsumerNameMissing
	}
	if o.InitialCredits < 1 || o.InitialCredits > 0xffff {
		return fmt.Errorf("%w: initial credits must be in [1, %d]", ErrInvalidOptions, 0xffff)
	}
	if o.CreditRefillThreshold < 0 || o.CreditRefillThreshold > o.InitialCredits {
		return fmt.Errorf("%w: credit refill threshold must be in [0, %d]", ErrInvalidOptions, o.InitialCredits)
	}
	if o.Filter != nil && len(o.Filter.Values) == 0 {
		return fmt.Errorf("%w: filter needs at least one value", ErrInvalidOptions)
	}
	return nil
}

// withDefaults returns a copy with defaults applied. The caller's maps and
// filter values are copied so later changes do not leak into the consumer.
func (o *ConsumerOptions) withDefaults() ConsumerOptions {
	c := *o
	if c.Offset.IsZero() {
		c.Offset = OffsetNext()
	}
	if c.CreditRefillThreshold == 0 {
		c.CreditRefillThreshold = max(c.InitialCredits/2, 1)
	}
	if len(o.Properties) > 0 {
		c.Properties = make(map[string]string, len(o.Properties))
		for k, v := range o.Properties {
			c.Properties[k] = v
		}
	}
	if o.Filter != nil {
		f := *o.Filter
		f.Values = append([]string(nil), o.Filter.Values...)
		c.Filter = &f
	}
	if o.SingleActiveConsumer != nil {
		sac := *o.SingleActiveConsumer
		c.SingleActiveConsumer = &sac
	}
	return c
}

// ============================================================================
// Streams
// ============================================================================

// StreamOptions are the retention settings of a new stream. Zero values
// leave the broker defaults.
type StreamOptions struct {
	MaxLengthBytes      int64
	MaxAge              time.Duration
	MaxSegmentSizeBytes int64
}

func (o StreamOptions) arguments() map[string]string {
	args := make(map[string]string)
	if o.MaxLengthBytes > 0 {
		args["max-length-bytes"] = strconv.FormatInt(o.MaxLengthBytes, 10)
	}
	if o.MaxAge > 0 {
		args["max-age"] = strconv.FormatInt(int64(o.MaxAge/time.Second), 10) + "s"
	}
	if o.MaxSegmentSizeBytes > 0 {
		args["stream-max-segment-size-bytes"] = strconv.FormatInt(o.MaxSegmentSizeBytes, 10)
	}
	return args
}

// PartitionedSuperStream returns partition names and binding keys for a
// super stream with n partitions: name-0..name-(n-1) bound to "0".."n-1".
func PartitionedSuperStream(name string, n int) (partitions, bindingKeys []string) {
	for i := 0; i < n; i++ {
		key := strconv.Itoa(i)
		partitions = append(partitions, name+"-"+key)
		bindingKeys = append(bindingKeys, key)
	}
	return partitions, bindingKeys
}

// SuperStreamWithKeys returns partition names for explicit binding keys.
func SuperStreamWithKeys(name string, bindingKeys ...string) (partitions, keys []string) {
	for _, k := range bindingKeys {
		partitions = append(partitions, name+"-"+k)
	}
	return partitions, bindingKeys
}
