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
	"testing"
	"time"

	"flystream/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvironmentOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*EnvironmentOptions)
	}{
		{"empty host", func(o *EnvironmentOptions) { o.Host = "" }},
		{"port out of range", func(o *EnvironmentOptions) { o.Port = 70000 }},
		{"negative heartbeat", func(o *EnvironmentOptions) { o.Heartbeat = -time.Second }},
		{"no producers per client", func(o *EnvironmentOptions) { o.MaxProducersPerClient = 0 }},
		{"too many consumers per client", func(o *EnvironmentOptions) { o.MaxConsumersPerClient = 300 }},
		{"cert without key", func(o *EnvironmentOptions) { o.TLS.CertFile = "client.pem" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewEnvironmentOptions()
			tt.modify(o)
			assert.ErrorIs(t, o.validate(), ErrInvalidOptions)
		})
	}
	assert.NoError(t, NewEnvironmentOptions().validate())
}

func TestEnvironmentOptionsAddr(t *testing.T) {
	o := NewEnvironmentOptions().SetHost("broker")
	assert.Equal(t, "broker:5552", o.addr())
	o.SetTLS(true)
	assert.Equal(t, "broker:5551", o.addr())
	o.SetPort(6000)
	assert.Equal(t, "broker:6000", o.addr())
}

func TestEnvironmentOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Host = "stream.internal"
	cfg.Username = "app"
	cfg.Password = "secret"
	cfg.Heartbeat = 30
	cfg.RequestTimeout = 2500
	cfg.LoadBalancerMode = true
	cfg.Security.TLSEnabled = true
	cfg.Security.TLSCAFile = "/etc/ca.pem"

	o := EnvironmentOptionsFromConfig(cfg)
	assert.Equal(t, "stream.internal", o.Host)
	assert.Equal(t, "app", o.User)
	assert.Equal(t, "secret", o.Password)
	assert.Equal(t, 30*time.Second, o.Heartbeat)
	assert.Equal(t, 2500*time.Millisecond, o.RequestTimeout)
	assert.True(t, o.LoadBalancerMode)
	assert.True(t, o.TLS.Enabled)
	assert.Equal(t, "/etc/ca.pem", o.TLS.CAFile)
}

func TestProducerOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts *ProducerOptions
	}{
		{"zero batch", NewProducerOptions().SetBatchSize(0)},
		{"huge batch", NewProducerOptions().SetBatchSize(70000)},
		{"zero delay", NewProducerOptions().SetBatchPublishingDelay(0)},
		{"compression without sub-entries", NewProducerOptions().SetCompression(CompressionGzip)},
		{"zero confirmation timeout", NewProducerOptions().SetConfirmationTimeout(0)},
		{"filter with sub-entries", NewProducerOptions().
			SetSubEntrySize(10).
			SetFilterValueExtractor(func(*Message) string { return "" })},
		{"negative queue", NewProducerOptions().SetConfirmationQueueSize(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.opts.validate(), ErrInvalidOptions)
		})
	}
	assert.NoError(t, NewProducerOptions().SetSubEntrySize(50).SetCompression(CompressionZstd).validate())
}

func TestProducerOptionsFromConfig(t *testing.T) {
	opts, err := ProducerOptionsFromConfig(config.ProducerConfig{
		BatchSize:            500,
		BatchPublishingDelay: 20,
		SubEntrySize:         100,
		Compression:          "lz4",
	})
	require.NoError(t, err)
	assert.Equal(t, 500, opts.BatchSize)
	assert.Equal(t, 20*time.Millisecond, opts.BatchPublishingDelay)
	assert.Equal(t, 100, opts.SubEntrySize)
	assert.Equal(t, CompressionLZ4, opts.Compression)

	_, err = ProducerOptionsFromConfig(config.ProducerConfig{Compression: "brotli"})
	assert.Error(t, err)
}

func TestConsumerOptionsValidate(t *testing.T) {
	sac := &SingleActiveConsumer{Enabled: true}
	assert.ErrorIs(t, NewConsumerOptions().SetSingleActiveConsumer(sac).validate(), ErrSingleActiveConsumerNameMissing)
	assert.NoError(t, NewConsumerOptions().SetName("billing").SetSingleActiveConsumer(sac).validate())

	assert.ErrorIs(t, NewConsumerOptions().SetInitialCredits(0).validate(), ErrInvalidOptions)
	assert.ErrorIs(t, NewConsumerOptions().SetInitialCredits(4).SetCreditRefillThreshold(5).validate(), ErrInvalidOptions)
	assert.ErrorIs(t, NewConsumerOptions().SetFilter(&ConsumerFilter{}).validate(), ErrInvalidOptions)
}

func TestConsumerOptionsWithDefaults(t *testing.T) {
	opts := NewConsumerOptions().SetInitialCredits(1).SetProperty("app", "billing")
	c := opts.withDefaults()
	assert.Equal(t, OffsetNext(), c.Offset)
	assert.Equal(t, 1, c.CreditRefillThreshold)

	opts.Properties["app"] = "changed"
	assert.Equal(t, "billing", c.Properties["app"])

	assert.Equal(t, 5, NewConsumerOptions().withDefaults().CreditRefillThreshold)
}

func TestStreamOptionsArguments(t *testing.T) {
	args := StreamOptions{MaxLengthBytes: 1 << 30, MaxAge: 2 * time.Hour, MaxSegmentSizeBytes: 500_000_000}.arguments()
	assert.Equal(t, map[string]string{
		"max-length-bytes":              "1073741824",
		"max-age":                       "7200s",
		"stream-max-segment-size-bytes": "500000000",
	}, args)
	assert.Empty(t, StreamOptions{}.arguments())
}

func TestSuperStreamLayout(t *testing.T) {
	partitions, keys := PartitionedSuperStream("invoices", 3)
	assert.Equal(t, []string{"invoices-0", "invoices-1", "invoices-2"}, partitions)
	assert.Equal(t, []string{"0", "1", "2"}, keys)

	partitions, keys = SuperStreamWithKeys("orders", "eu", "us")
	assert.Equal(t, []string{"orders-eu", "orders-us"}, partitions)
	assert.Equal(t, []string{"eu", "us"}, keys)
}
