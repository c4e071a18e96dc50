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
Package stream is the flystream client API.

An Environment is the entry point. It validates the connection options once,
keeps a pool of multiplexed connections and places producers and consumers
on a connection with a free id, opening a new one when all are full:

	env, err := stream.NewEnvironment(ctx, stream.NewEnvironmentOptions().
		SetHost("broker").
		SetUser("app").SetPassword(secret))

	producer, err := env.NewProducer(ctx, "orders", stream.NewProducerOptions().SetName("order-service"))
	confirmation, err := producer.Send(ctx, stream.NewMessage(body))

	consumer, err := env.NewConsumer(ctx, "orders", stream.NewConsumerOptions().SetOffset(stream.OffsetFirst()))
	delivery, err := consumer.Next(ctx)

Producers connect to the stream leader and consumers to a replica, as
advertised by the broker metadata. In load balancer mode every connection
goes to the configured host instead.
*/
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"

	"flystream/internal/crypto"
	"flystream/internal/logging"
	"flystream/internal/metrics"
	"flystream/internal/mux"
	"flystream/internal/protocol"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// Statistics keys returned by StreamStats.
const (
	statFirstChunkID     = "first_chunk_id"
	statCommittedChunkID = "committed_chunk_id"
)

type role int

const (
	roleProducer role = iota
	roleConsumer
)

// Environment owns the connections to one broker cluster.
type Environment struct {
	opts   EnvironmentOptions
	tls    *tls.Config
	clock  clock.Clock
	stats  metrics.Collector
	logger *logging.Logger

	mu        sync.Mutex
	locator   *mux.Client
	pool      map[string][]*mux.Client
	producers map[*Producer]struct{}
	consumers map[*Consumer]struct{}
	closed    bool
}

// NewEnvironment validates opts and checks that the broker is reachable.
// A nil opts uses NewEnvironmentOptions.
func NewEnvironment(ctx context.Context, opts *EnvironmentOptions) (*Environment, error) {
	if opts == nil {
		opts = NewEnvironmentOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	o := *opts
	if o.ConnectionName == "" {
		o.ConnectionName = "flystream-" + uuid.NewString()
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}

	e := &Environment{
		opts:      o,
		clock:     o.Clock,
		stats:     o.Metrics,
		logger:    logging.NewLogger("environment").With("connection_name", o.ConnectionName),
		pool:      make(map[string][]*mux.Client),
		producers: make(map[*Producer]struct{}),
		consumers: make(map[*Consumer]struct{}),
	}
	if o.TLS.Enabled {
		serverName := o.TLS.ServerName
		if serverName == "" {
			serverName = o.Host
		}
		cfg, err := crypto.NewClientTLSConfig(crypto.TLSConfig{
			CAFile:             o.TLS.CAFile,
			CertFile:           o.TLS.CertFile,
			KeyFile:            o.TLS.KeyFile,
			ServerName:         serverName,
			InsecureSkipVerify: o.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}
		e.tls = cfg
	}

	// The connectivity check connection serves admin and metadata calls.
	c, err := e.connect(ctx, o.addr())
	if err != nil {
		return nil, err
	}
	e.locator = c
	e.logger.Info("Environment ready",
		"addr", o.addr(),
		"tls", o.TLS.Enabled,
		"load_balancer_mode", o.LoadBalancerMode)
	return e, nil
}

func (e *Environment) connect(ctx context.Context, addr string) (*mux.Client, error) {
	opts := mux.DefaultOptions()
	opts.Addr = addr
	opts.TLS = e.tls
	opts.VirtualHost = e.opts.VirtualHost
	opts.Username = e.opts.User
	opts.Password = e.opts.Password
	opts.ConnectionName = e.opts.ConnectionName
	opts.RequestedHeartbeat = e.opts.Heartbeat
	opts.RequestTimeout = e.opts.RequestTimeout
	opts.MaxPublishers = e.opts.MaxProducersPerClient
	opts.MaxSubscriptions = e.opts.MaxConsumersPerClient
	opts.Clock = e.clock
	opts.Metrics = e.stats
	return mux.Connect(ctx, opts)
}

// locatorClient returns the connection used for metadata and admin calls,
// reconnecting when it was lost.
func (e *Environment) locatorClient(ctx context.Context) (*mux.Client, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrAlreadyClosed
	}
	c := e.locator
	e.mu.Unlock()
	if c != nil && c.IsOpen() {
		return c, nil
	}

	nc, err := e.connect(ctx, e.opts.addr())
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = nc.Close(ctx)
		return nil, ErrAlreadyClosed
	}
	if e.locator != nil && e.locator != c && e.locator.IsOpen() {
		_ = nc.Close(ctx)
		return e.locator, nil
	}
	e.locator = nc
	return nc, nil
}

// locate returns the address a producer (leader) or consumer (any replica)
// of stream should connect to.
func (e *Environment) locate(ctx context.Context, stream string, leader bool) (string, error) {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return "", err
	}
	md, err := c.Metadata(ctx, stream)
	if err != nil {
		return "", err
	}
	var sm *protocol.StreamMetadata
	for i := range md.Streams {
		if md.Streams[i].Stream == stream {
			sm = &md.Streams[i]
		}
	}
	switch {
	case sm == nil || sm.Code == protocol.ResponseStreamDoesNotExist:
		return "", &StreamDoesNotExistError{Stream: stream}
	case sm.Code != protocol.ResponseOK:
		return "", &RequestError{Command: protocol.CommandMetadata, Target: stream, Code: sm.Code}
	}
	if e.opts.LoadBalancerMode {
		return e.opts.addr(), nil
	}

	ref := sm.Leader
	if !leader && len(sm.Replicas) > 0 {
		ref = sm.Replicas[rand.IntN(len(sm.Replicas))]
	}
	for _, b := range md.Brokers {
		if b.Reference == ref {
			return net.JoinHostPort(b.Host, strconv.Itoa(int(b.Port))), nil
		}
	}
	e.logger.Warn("Stream node not in metadata, using configured host", "stream", stream, "reference", ref)
	return e.opts.addr(), nil
}

// acquire registers h on a pooled connection to addr with a free id,
// opening a new connection when none has one.
func (e *Environment) acquire(ctx context.Context, addr string, r role, h mux.Handler) (*mux.Client, uint8, error) {
	register := func(c *mux.Client) (uint8, error) {
		if r == roleProducer {
			return c.RegisterPublisher(h)
		}
		return c.RegisterSubscription(h)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, 0, ErrAlreadyClosed
	}
	live := e.pool[addr][:0]
	for _, c := range e.pool[addr] {
		if c.IsOpen() {
			live = append(live, c)
		}
	}
	e.pool[addr] = live
	for _, c := range live {
		if id, err := register(c); err == nil {
			e.mu.Unlock()
			return c, id, nil
		}
	}
	e.mu.Unlock()

	c, err := e.connect(ctx, addr)
	if err != nil {
		return nil, 0, err
	}
	id, err := register(c)
	if err != nil {
		_ = c.Close(ctx)
		return nil, 0, err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = c.Close(ctx)
		return nil, 0, ErrAlreadyClosed
	}
	e.pool[addr] = append(e.pool[addr], c)
	e.mu.Unlock()
	e.logger.Debug("Opened pooled connection", "addr", addr)
	return c, id, nil
}

// releaseClient closes a pooled connection with no producer or consumer
// left, and forgets connections that are gone.
func (e *Environment) releaseClient(c *mux.Client) {
	e.mu.Lock()
	if c.IsOpen() && (c.Publishers() > 0 || c.Subscriptions() > 0) {
		e.mu.Unlock()
		return
	}
	for addr, clients := range e.pool {
		e.pool[addr] = slices.DeleteFunc(clients, func(pc *mux.Client) bool { return pc == c })
	}
	e.mu.Unlock()

	if c.IsOpen() {
		ctx, cancel := context.WithTimeout(context.Background(), mux.DefaultCloseTimeout)
		defer cancel()
		if err := c.Close(ctx); err != nil && !errors.Is(err, ErrAlreadyClosed) {
			e.logger.Debug("Failed to close idle connection", "error", err)
		}
	}
}

func (e *Environment) releaseProducer(p *Producer) {
	e.mu.Lock()
	delete(e.producers, p)
	e.mu.Unlock()
	e.releaseClient(p.client)
}

func (e *Environment) releaseConsumer(c *Consumer) {
	e.mu.Lock()
	delete(e.consumers, c)
	e.mu.Unlock()
	e.releaseClient(c.client)
}

// NewProducer declares a producer on stream. A nil opts uses
// NewProducerOptions.
func (e *Environment) NewProducer(ctx context.Context, stream string, opts *ProducerOptions) (*Producer, error) {
	if opts == nil {
		opts = NewProducerOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	addr, err := e.locate(ctx, stream, true)
	if err != nil {
		return nil, err
	}

	p := newProducer(e, stream, *opts)
	client, id, err := e.acquire(ctx, addr, roleProducer, p)
	if err != nil {
		return nil, err
	}
	p.client, p.id = client, id

	e.mu.Lock()
	e.producers[p] = struct{}{}
	e.mu.Unlock()

	if err := p.declare(ctx); err != nil {
		p.stop()
		client.UnregisterPublisher(id)
		e.releaseProducer(p)
		return nil, err
	}
	return p, nil
}

// NewConsumer subscribes to stream. A nil opts uses NewConsumerOptions.
func (e *Environment) NewConsumer(ctx context.Context, stream string, opts *ConsumerOptions) (*Consumer, error) {
	if opts == nil {
		opts = NewConsumerOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	addr, err := e.locate(ctx, stream, false)
	if err != nil {
		return nil, err
	}

	c := newConsumer(e, stream, opts.withDefaults())
	client, id, err := e.acquire(ctx, addr, roleConsumer, c)
	if err != nil {
		return nil, err
	}
	c.client, c.id = client, id

	e.mu.Lock()
	e.consumers[c] = struct{}{}
	e.mu.Unlock()

	if err := c.subscribe(ctx); err != nil {
		c.detach()
		return nil, err
	}
	return c, nil
}

// CreateStream creates a stream.
func (e *Environment) CreateStream(ctx context.Context, name string, opts StreamOptions) error {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return err
	}
	return c.CreateStream(ctx, name, opts.arguments())
}

// DeleteStream deletes a stream. Producers and consumers on it are closed
// with ErrStreamNotAvailable.
func (e *Environment) DeleteStream(ctx context.Context, name string) error {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return err
	}
	return c.DeleteStream(ctx, name)
}

// CreateSuperStream creates a super stream whose partitions are bound to
// bindingKeys in order. See PartitionedSuperStream and SuperStreamWithKeys.
func (e *Environment) CreateSuperStream(ctx context.Context, name string, partitions, bindingKeys []string, opts StreamOptions) error {
	if len(partitions) == 0 || len(partitions) != len(bindingKeys) {
		return fmt.Errorf("%w: %d partitions for %d binding keys", ErrInvalidOptions, len(partitions), len(bindingKeys))
	}
	c, err := e.locatorClient(ctx)
	if err != nil {
		return err
	}
	return c.CreateSuperStream(ctx, name, partitions, bindingKeys, opts.arguments())
}

// DeleteSuperStream deletes a super stream and its partitions.
func (e *Environment) DeleteSuperStream(ctx context.Context, name string) error {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return err
	}
	return c.DeleteSuperStream(ctx, name)
}

// StreamExists reports whether the broker knows stream.
func (e *Environment) StreamExists(ctx context.Context, stream string) (bool, error) {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return false, err
	}
	return c.StreamExists(ctx, stream)
}

// QueryOffset reads the offset stored by a named consumer.
func (e *Environment) QueryOffset(ctx context.Context, consumerName, stream string) (uint64, error) {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return 0, err
	}
	return c.QueryOffset(ctx, consumerName, stream)
}

// QuerySequence reads the last publishing id stored for a named producer.
func (e *Environment) QuerySequence(ctx context.Context, producerName, stream string) (uint64, error) {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return 0, err
	}
	return c.QueryPublisherSequence(ctx, producerName, stream)
}

// QueryPartitions lists the partitions of a super stream.
func (e *Environment) QueryPartitions(ctx context.Context, superStream string) ([]string, error) {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return nil, err
	}
	return c.Partitions(ctx, superStream)
}

// QueryRoute resolves a routing key against the bindings of a super stream.
func (e *Environment) QueryRoute(ctx context.Context, routingKey, superStream string) ([]string, error) {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return nil, err
	}
	return c.Route(ctx, routingKey, superStream)
}

// StreamStats holds broker statistics of a stream.
type StreamStats struct {
	Stream string
	Values map[string]int64
}

// FirstOffset returns the first offset in the stream, ErrNoOffset when the
// stream is empty.
func (s *StreamStats) FirstOffset() (int64, error) {
	return s.get(statFirstChunkID)
}

// CommittedChunkID returns the id of the last committed chunk, ErrNoOffset
// when the stream is empty.
func (s *StreamStats) CommittedChunkID() (int64, error) {
	return s.get(statCommittedChunkID)
}

func (s *StreamStats) get(key string) (int64, error) {
	v, ok := s.Values[key]
	if !ok || v < 0 {
		return 0, fmt.Errorf("%w: %s of %s", ErrNoOffset, key, s.Stream)
	}
	return v, nil
}

// StreamStats queries broker statistics of a stream.
func (e *Environment) StreamStats(ctx context.Context, stream string) (*StreamStats, error) {
	c, err := e.locatorClient(ctx)
	if err != nil {
		return nil, err
	}
	values, err := c.StreamStats(ctx, stream)
	if err != nil {
		return nil, err
	}
	return &StreamStats{Stream: stream, Values: values}, nil
}

// Connections returns the number of open pooled connections, not counting
// the one used for admin calls.
func (e *Environment) Connections() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, clients := range e.pool {
		for _, c := range clients {
			if c.IsOpen() {
				n++
			}
		}
	}
	return n
}

// IsClosed reports whether Close was called.
func (e *Environment) IsClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close closes every producer, consumer and connection. Errors are
// combined.
func (e *Environment) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrAlreadyClosed
	}
	e.closed = true
	producers := make([]*Producer, 0, len(e.producers))
	for p := range e.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(e.consumers))
	for c := range e.consumers {
		consumers = append(consumers, c)
	}
	e.mu.Unlock()

	var err error
	for _, p := range producers {
		if cerr := p.Close(ctx); cerr != nil && !errors.Is(cerr, ErrAlreadyClosed) {
			err = multierr.Append(err, fmt.Errorf("producer %s: %w", p.stream, cerr))
		}
	}
	for _, c := range consumers {
		if cerr := c.Close(ctx); cerr != nil && !errors.Is(cerr, ErrAlreadyClosed) {
			err = multierr.Append(err, fmt.Errorf("consumer %s: %w", c.stream, cerr))
		}
	}

	e.mu.Lock()
	clients := make([]*mux.Client, 0, 1)
	if e.locator != nil {
		clients = append(clients, e.locator)
	}
	for _, pooled := range e.pool {
		clients = append(clients, pooled...)
	}
	e.locator = nil
	e.pool = make(map[string][]*mux.Client)
	e.mu.Unlock()

	for _, c := range clients {
		if !c.IsOpen() {
			continue
		}
		if cerr := c.Close(ctx); cerr != nil && !errors.Is(cerr, ErrAlreadyClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	e.logger.Info("Environment closed")
	return err
}
