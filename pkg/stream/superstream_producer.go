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
	"context"
	"errors"
	"fmt"
	"sync"

	"flystream/internal/logging"

	"go.uber.org/multierr"
)

// SuperStreamProducerOptions configures a SuperStreamProducer.
type SuperStreamProducerOptions struct {
	// Producer applies to every partition producer.
	Producer *ProducerOptions
	// Routing defaults to HashRoutingStrategy.
	Routing RoutingStrategy
}

// NewSuperStreamProducerOptions returns hash routing with default producer
// options.
func NewSuperStreamProducerOptions() *SuperStreamProducerOptions {
	return &SuperStreamProducerOptions{
		Producer: NewProducerOptions(),
		Routing:  NewHashRoutingStrategy(),
	}
}

func (o *SuperStreamProducerOptions) SetProducerOptions(p *ProducerOptions) *SuperStreamProducerOptions {
	o.Producer = p
	return o
}

func (o *SuperStreamProducerOptions) SetRoutingStrategy(r RoutingStrategy) *SuperStreamProducerOptions {
	o.Routing = r
	return o
}

// SuperStreamProducer routes messages to the partitions of a super stream.
// Partition producers are created on first use.
type SuperStreamProducer struct {
	env         *Environment
	superStream string
	partitions  []string
	opts        ProducerOptions
	routing     RoutingStrategy
	logger      *logging.Logger

	mu        sync.Mutex
	producers map[string]*Producer
	closed    bool
}

// NewSuperStreamProducer looks up the partitions of superStream. A nil opts
// uses NewSuperStreamProducerOptions.
func (e *Environment) NewSuperStreamProducer(ctx context.Context, superStream string, opts *SuperStreamProducerOptions) (*SuperStreamProducer, error) {
	if opts == nil {
		opts = NewSuperStreamProducerOptions()
	}
	po := opts.Producer
	if po == nil {
		po = NewProducerOptions()
	}
	if err := po.validate(); err != nil {
		return nil, err
	}
	routing := opts.Routing
	if routing == nil {
		routing = NewHashRoutingStrategy()
	}

	partitions, err := e.QueryPartitions(ctx, superStream)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, &StreamDoesNotExistError{Stream: superStream}
	}
	if b, ok := routing.(routeBinder); ok {
		err := b.bind(func(ctx context.Context, key string) ([]string, error) {
			return e.QueryRoute(ctx, key, superStream)
		})
		if err != nil {
			return nil, err
		}
	}

	return &SuperStreamProducer{
		env:         e,
		superStream: superStream,
		partitions:  partitions,
		opts:        *po,
		routing:     routing,
		logger:      logging.NewLogger("superstream").With("super_stream", superStream),
		producers:   make(map[string]*Producer),
	}, nil
}

// Partitions returns the partition streams in order.
func (s *SuperStreamProducer) Partitions() []string {
	return append([]string(nil), s.partitions...)
}

// SuperStream returns the super stream name.
func (s *SuperStreamProducer) SuperStream() string {
	return s.superStream
}

func (s *SuperStreamProducer) producer(ctx context.Context, partition string) (*Producer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrProducerClosed
	}
	if p, ok := s.producers[partition]; ok && !p.IsClosed() {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	// s.mu is not held while declaring; a lost race closes the duplicate.
	p, err := s.env.NewProducer(ctx, partition, &s.opts)
	if err != nil {
		return nil, &SuperStreamError{Kind: ErrSuperStreamCreate, SuperStream: s.superStream, Partition: partition, Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = p.Close(ctx)
		return nil, ErrProducerClosed
	}
	if cur, ok := s.producers[partition]; ok && !cur.IsClosed() {
		s.mu.Unlock()
		_ = p.Close(ctx)
		return cur, nil
	}
	s.producers[partition] = p
	s.mu.Unlock()
	s.logger.Debug("Partition producer created", "partition", partition)
	return p, nil
}

func (s *SuperStreamProducer) route(ctx context.Context, routingKey string) ([]string, error) {
	partitions, err := s.routing.Route(ctx, routingKey, s.partitions)
	if err != nil {
		return nil, &SuperStreamError{Kind: ErrSuperStreamPublish, SuperStream: s.superStream, Err: err}
	}
	return partitions, nil
}

// Send publishes msg to the partitions routingKey resolves to and waits for
// every outcome. Confirmations are returned in routing order.
func (s *SuperStreamProducer) Send(ctx context.Context, msg *Message, routingKey string) ([]Confirmation, error) {
	partitions, err := s.route(ctx, routingKey)
	if err != nil {
		return nil, err
	}
	confirmations := make([]Confirmation, 0, len(partitions))
	for _, partition := range partitions {
		p, err := s.producer(ctx, partition)
		if err != nil {
			return confirmations, err
		}
		c, err := p.Send(ctx, msg)
		confirmations = append(confirmations, c)
		if err != nil {
			return confirmations, &SuperStreamError{Kind: ErrSuperStreamPublish, SuperStream: s.superStream, Partition: partition, Err: err}
		}
	}
	return confirmations, nil
}

// SendWithCallback publishes msg and calls cb once per routed partition.
func (s *SuperStreamProducer) SendWithCallback(msg *Message, routingKey string, cb func(Confirmation)) error {
	ctx := context.Background()
	partitions, err := s.route(ctx, routingKey)
	if err != nil {
		return err
	}
	for _, partition := range partitions {
		p, err := s.producer(ctx, partition)
		if err != nil {
			return err
		}
		if err := p.SendWithCallback(msg, cb); err != nil {
			return &SuperStreamError{Kind: ErrSuperStreamPublish, SuperStream: s.superStream, Partition: partition, Err: err}
		}
	}
	return nil
}

// Close closes every partition producer. Errors are combined.
func (s *SuperStreamProducer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.closed = true
	producers := s.producers
	s.producers = nil
	s.mu.Unlock()

	var err error
	for partition, p := range producers {
		if cerr := p.Close(ctx); cerr != nil && !errors.Is(cerr, ErrAlreadyClosed) {
			err = multierr.Append(err, fmt.Errorf("partition %s: %w", partition, cerr))
		}
	}
	return err
}
