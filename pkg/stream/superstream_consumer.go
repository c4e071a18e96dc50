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
	"golang.org/x/sync/errgroup"
)

// SuperStreamConsumer reads every partition of a super stream and merges
// the deliveries. Order is kept within a partition only.
type SuperStreamConsumer struct {
	superStream string
	partitions  []string
	consumers   map[string]*Consumer
	logger      *logging.Logger

	deliveries chan Delivery
	exhausted  chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	err    error
	closed bool
}

// NewSuperStreamConsumer subscribes to every partition of superStream
// concurrently. Options apply to each partition; with single active
// consumer enabled the groups are formed per partition.
func (e *Environment) NewSuperStreamConsumer(ctx context.Context, superStream string, opts *ConsumerOptions) (*SuperStreamConsumer, error) {
	if opts == nil {
		opts = NewConsumerOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	partitions, err := e.QueryPartitions(ctx, superStream)
	if err != nil {
		return nil, err
	}
	if len(partitions) == 0 {
		return nil, &StreamDoesNotExistError{Stream: superStream}
	}

	s := &SuperStreamConsumer{
		superStream: superStream,
		partitions:  partitions,
		consumers:   make(map[string]*Consumer, len(partitions)),
		logger:      logging.NewLogger("superstream").With("super_stream", superStream),
		deliveries:  make(chan Delivery),
		exhausted:   make(chan struct{}),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, partition := range partitions {
		g.Go(func() error {
			po := opts.withDefaults()
			if po.Properties == nil {
				po.Properties = make(map[string]string, 1)
			}
			po.Properties[propertySuperStream] = superStream
			c, err := e.NewConsumer(gctx, partition, &po)
			if err != nil {
				return &SuperStreamError{Kind: ErrSuperStreamCreate, SuperStream: superStream, Partition: partition, Err: err}
			}
			mu.Lock()
			s.consumers[partition] = c
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, c := range s.consumers {
			_ = c.Close(context.WithoutCancel(ctx))
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, c := range s.consumers {
		s.wg.Add(1)
		go s.pump(runCtx, c)
	}
	go func() {
		s.wg.Wait()
		close(s.exhausted)
	}()
	s.logger.Debug("Super stream consumer ready", "partitions", len(partitions))
	return s, nil
}

// pump moves one partition's deliveries into the merged sequence.
func (s *SuperStreamConsumer) pump(ctx context.Context, c *Consumer) {
	defer s.wg.Done()
	for {
		d, err := c.Next(ctx)
		if err != nil {
			var re *RequestError
			if errors.As(err, &re) {
				s.logger.Warn("Partition credit error", "partition", c.Stream(), "code", re.Code.String())
				continue
			}
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConsumerClosed) {
				s.setErr(fmt.Errorf("partition %s: %w", c.Stream(), err))
			}
			return
		}
		select {
		case s.deliveries <- d:
		case <-ctx.Done():
			return
		}
	}
}

func (s *SuperStreamConsumer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Partitions returns the consumed partitions in order.
func (s *SuperStreamConsumer) Partitions() []string {
	return append([]string(nil), s.partitions...)
}

// Consumer returns the consumer of one partition.
func (s *SuperStreamConsumer) Consumer(partition string) (*Consumer, bool) {
	c, ok := s.consumers[partition]
	return c, ok
}

// Next returns the next delivery from any partition. Delivery.Stream names
// the partition. Once every partition has stopped it returns the first
// partition failure, or ErrConsumerClosed.
func (s *SuperStreamConsumer) Next(ctx context.Context) (Delivery, error) {
	select {
	case d := <-s.deliveries:
		return d, nil
	case <-s.exhausted:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return Delivery{}, s.err
		}
		return Delivery{}, ErrConsumerClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// StoreOffset stores the offset of d under the consumer name, on the
// partition d came from.
func (s *SuperStreamConsumer) StoreOffset(ctx context.Context, d Delivery) error {
	c, ok := s.consumers[d.Stream]
	if !ok {
		return &StreamDoesNotExistError{Stream: d.Stream}
	}
	return c.StoreOffsetAt(ctx, d.Offset)
}

// Close closes every partition consumer. Errors are combined.
func (s *SuperStreamConsumer) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	var err error
	for partition, c := range s.consumers {
		if cerr := c.Close(ctx); cerr != nil && !errors.Is(cerr, ErrAlreadyClosed) {
			err = multierr.Append(err, fmt.Errorf("partition %s: %w", partition, cerr))
		}
	}
	s.wg.Wait()
	return err
}
