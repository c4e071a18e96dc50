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
	"strconv"
	"sync"
	"time"

	"flystream/internal/compression"
	"flystream/internal/logging"
	"flystream/internal/metrics"
	"flystream/internal/mux"
	"flystream/internal/protocol"
)

// Subscription properties understood by the broker.
const (
	propertyName                 = "name"
	propertySingleActiveConsumer = "single-active-consumer"
	propertySuperStream          = "super-stream"
	propertyFilterPrefix         = "filter."
	propertyMatchUnfiltered      = "match-unfiltered"
)

type chunkBatch struct {
	deliveries []Delivery
	pos        int
}

// Consumer reads one stream from an offset specification.
//
// The broker pushes chunks while the consumer has credit. Each chunk costs
// one credit and credit is granted again as Next drains chunks, so a slow
// caller stops the flow instead of growing the buffer.
type Consumer struct {
	env    *Environment
	client *mux.Client
	id     uint8
	stream string
	opts   ConsumerOptions
	stats  metrics.Collector
	logger *logging.Logger

	mu         sync.Mutex
	chunks     []*chunkBatch
	credit     *creditWindow
	wake       chan struct{}
	skipBefore uint64
	last       uint64
	consumed   bool
	active     bool
	closing    bool
	userClosed bool
	err        error // returned by Next once the buffer is drained
	creditErr  error

	detachOnce sync.Once
}

func newConsumer(env *Environment, stream string, opts ConsumerOptions) *Consumer {
	c := &Consumer{
		env:    env,
		stream: stream,
		opts:   opts,
		stats:  env.stats,
		logger: logging.NewLogger("consumer").With("stream", stream),
		credit: newCreditWindow(opts.InitialCredits, opts.CreditRefillThreshold),
		wake:   make(chan struct{}),
		active: !opts.singleActive(),
	}
	if off, ok := opts.Offset.Offset(); ok {
		c.skipBefore = off
	}
	return c
}

func (c *Consumer) properties() map[string]string {
	props := make(map[string]string, len(c.opts.Properties)+4)
	for k, v := range c.opts.Properties {
		props[k] = v
	}
	if c.opts.Name != "" {
		props[propertyName] = c.opts.Name
	}
	if c.opts.singleActive() {
		props[propertySingleActiveConsumer] = "true"
	}
	if f := c.opts.Filter; f != nil {
		for i, v := range f.Values {
			props[propertyFilterPrefix+strconv.Itoa(i)] = v
		}
		props[propertyMatchUnfiltered] = strconv.FormatBool(f.MatchUnfiltered)
	}
	return props
}

// subscribe opens the subscription with the initial credit.
func (c *Consumer) subscribe(ctx context.Context) error {
	if c.opts.Filter != nil && !c.client.SupportsFiltering() {
		return ErrFilteringNotSupported
	}
	c.logger = c.logger.With("subscription_id", c.id)

	req := &protocol.SubscribeRequest{
		SubscriptionID: c.id,
		Stream:         c.stream,
		Offset:         c.opts.Offset.wire(),
		Credit:         uint16(c.opts.InitialCredits),
		Properties:     c.properties(),
	}
	if err := c.client.Subscribe(ctx, req); err != nil {
		return err
	}
	c.stats.CreditGranted(c.stream, c.opts.InitialCredits)
	c.logger.Debug("Subscribed",
		"offset", c.opts.Offset.String(),
		"name", c.opts.Name,
		"single_active", c.opts.singleActive())
	return nil
}

// Stream returns the consumed stream.
func (c *Consumer) Stream() string {
	return c.stream
}

// Name returns the consumer name, empty if none.
func (c *Consumer) Name() string {
	return c.opts.Name
}

// ID returns the subscription id on the connection.
func (c *Consumer) ID() uint8 {
	return c.id
}

// IsActive reports whether the consumer receives messages. Only a single
// active consumer can be inactive.
func (c *Consumer) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// LastOffset returns the offset of the last message returned by Next.
func (c *Consumer) LastOffset() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.consumed
}

// Next returns the next message in stream order. It blocks until a message
// arrives or ctx is done. After Close it drains buffered messages and then
// returns ErrConsumerClosed; after a connection loss it returns the
// connection error.
func (c *Consumer) Next(ctx context.Context) (Delivery, error) {
	for {
		c.mu.Lock()
		if err := c.creditErr; err != nil {
			c.creditErr = nil
			c.mu.Unlock()
			return Delivery{}, err
		}
		if len(c.chunks) > 0 {
			b := c.chunks[0]
			d := b.deliveries[b.pos]
			b.pos++
			if b.pos == len(b.deliveries) {
				c.chunks[0] = nil
				c.chunks = c.chunks[1:]
				c.chunkDrainedLocked()
			}
			c.last = d.Offset
			c.consumed = true
			c.mu.Unlock()
			return d, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return Delivery{}, err
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

func (c *Consumer) chunkDrainedLocked() {
	c.credit.drained()
	if c.closing {
		return
	}
	c.sendCreditLocked(c.credit.refill())
}

func (c *Consumer) sendCreditLocked(n int) {
	if n == 0 {
		return
	}
	if err := c.client.Credit(c.id, uint16(n)); err != nil {
		c.logger.Warn("Failed to grant credit", "credit", n, "error", err)
		c.credit.revoke(n)
		return
	}
	c.stats.CreditGranted(c.stream, n)
}

func (c *Consumer) notifyLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// RequestCredit grants n more chunks on top of the automatic refill. The
// total never exceeds the initial credit.
func (c *Consumer) RequestCredit(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrConsumerClosed
	}
	if err := c.credit.grant(n); err != nil {
		return err
	}
	if err := c.client.Credit(c.id, uint16(n)); err != nil {
		c.credit.revoke(n)
		return err
	}
	c.stats.CreditGranted(c.stream, n)
	return nil
}

// StoreOffset stores the offset of the last message returned by Next
// under the consumer name.
func (c *Consumer) StoreOffset(ctx context.Context) error {
	if c.opts.Name == "" {
		return ErrNameMissing
	}
	c.mu.Lock()
	offset, ok := c.last, c.consumed
	c.mu.Unlock()
	if !ok {
		return ErrNothingConsumed
	}
	return c.StoreOffsetAt(ctx, offset)
}

// StoreOffsetAt stores an explicit offset under the consumer name.
func (c *Consumer) StoreOffsetAt(ctx context.Context, offset uint64) error {
	if c.opts.Name == "" {
		return ErrNameMissing
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.client.StoreOffset(c.opts.Name, c.stream, offset)
}

// QueryOffset reads the offset stored under the consumer name. A consumer
// that never stored one gets a *RequestError with ResponseNoOffset.
func (c *Consumer) QueryOffset(ctx context.Context) (uint64, error) {
	if c.opts.Name == "" {
		return 0, ErrNameMissing
	}
	return c.client.QueryOffset(ctx, c.opts.Name, c.stream)
}

// HandlePush receives chunks, credit errors, consumer updates and metadata
// updates.
func (c *Consumer) HandlePush(f *protocol.Frame) {
	switch f.Command {
	case protocol.CommandDeliver:
		c.handleDeliver(f)

	case protocol.CommandCredit:
		resp, err := protocol.DecodeCreditResponse(f.Payload)
		if err != nil {
			c.logger.Warn("Invalid credit response", "error", err)
			return
		}
		c.logger.Warn("Credit rejected", "code", resp.Code.String())
		c.mu.Lock()
		c.creditErr = &RequestError{Command: protocol.CommandCredit, Target: c.stream, Code: resp.Code}
		c.notifyLocked()
		c.mu.Unlock()

	case protocol.CommandConsumerUpdate:
		c.handleConsumerUpdate(f)

	case protocol.CommandMetadataUpdate:
		update, err := protocol.DecodeMetadataUpdate(f.Payload)
		if err != nil || update.Stream != c.stream {
			return
		}
		c.logger.Warn("Stream not available, closing consumer", "code", update.Code.String())
		c.terminate(ErrStreamNotAvailable)
	}
}

func (c *Consumer) handleDeliver(f *protocol.Frame) {
	d, err := protocol.DecodeDeliver(f.Payload)
	if err != nil {
		c.logger.Warn("Invalid chunk", "error", err)
		return
	}
	c.stats.ChunkDelivered(c.stream, int(d.Chunk.NumRecords()), len(f.Payload))

	c.mu.Lock()
	skip := c.skipBefore
	c.mu.Unlock()
	deliveries := c.decodeChunk(&d.Chunk, skip)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if !c.credit.delivered() {
		c.logger.Warn("Chunk delivered without credit", "first_offset", d.Chunk.FirstOffset)
	}
	if len(deliveries) == 0 {
		c.chunkDrainedLocked()
		return
	}
	c.chunks = append(c.chunks, &chunkBatch{deliveries: deliveries})
	c.notifyLocked()
}

// decodeChunk turns a chunk into deliveries. Records before skip and
// records rejected by the post filter are dropped; the broker sends whole
// chunks so the first one usually starts before the requested offset.
func (c *Consumer) decodeChunk(chunk *protocol.Chunk, skip uint64) []Delivery {
	ts := time.UnixMilli(chunk.Timestamp)
	offset := chunk.FirstOffset
	var postFilter func(*Message) bool
	if c.opts.Filter != nil {
		postFilter = c.opts.Filter.PostFilter
	}

	out := make([]Delivery, 0, chunk.NumRecords())
	for _, e := range chunk.Entries {
		records, err := compression.DecodeEntry(e)
		if err != nil {
			c.logger.Warn("Invalid entry", "offset", offset, "error", err)
			offset += uint64(e.Records)
			continue
		}
		for _, raw := range records {
			off := offset
			offset++
			if off < skip {
				continue
			}
			msg, err := decodeMessage(raw)
			if err != nil {
				c.logger.Warn("Invalid message", "offset", off, "error", err)
				continue
			}
			if postFilter != nil && !postFilter(msg) {
				continue
			}
			out = append(out, Delivery{
				SubscriptionID: c.id,
				Stream:         c.stream,
				Offset:         off,
				ChunkTimestamp: ts,
				Message:        msg,
			})
		}
	}
	return out
}

func (c *Consumer) handleConsumerUpdate(f *protocol.Frame) {
	req, err := protocol.DecodeConsumerUpdateRequest(f.Payload)
	if err != nil {
		c.logger.Warn("Invalid consumer update", "error", err)
		_ = c.client.Respond(protocol.CommandConsumerUpdate, f.CorrelationID, protocol.ResponseInternalError, nil)
		return
	}

	c.mu.Lock()
	c.active = req.Active
	c.mu.Unlock()

	spec := OffsetNext()
	if req.Active {
		spec = c.activationOffset()
		c.mu.Lock()
		c.skipBefore, _ = spec.Offset()
		c.mu.Unlock()
	} else if sac := c.opts.SingleActiveConsumer; sac != nil && sac.ConsumerUpdate != nil {
		sac.ConsumerUpdate(c.stream, false)
	}

	c.logger.Info("Consumer update", "active", req.Active, "offset", spec.String())
	resp := &protocol.ConsumerUpdateResponse{Offset: spec.wire()}
	if err := c.client.Respond(protocol.CommandConsumerUpdate, f.CorrelationID, protocol.ResponseOK, resp.Encode()); err != nil {
		c.logger.Warn("Failed to answer consumer update", "error", err)
	}
}

// activationOffset picks where an activated consumer restarts: the
// listener's choice, else after the stored offset, else the configured
// specification.
func (c *Consumer) activationOffset() OffsetSpecification {
	if sac := c.opts.SingleActiveConsumer; sac != nil && sac.ConsumerUpdate != nil {
		if spec := sac.ConsumerUpdate(c.stream, true); !spec.IsZero() {
			return spec
		}
	}
	stored, err := c.client.QueryOffset(context.Background(), c.opts.Name, c.stream)
	if err == nil {
		return OffsetAt(stored + 1)
	}
	if code, ok := mux.CodeOf(err); !ok || code != protocol.ResponseNoOffset {
		c.logger.Warn("Failed to query stored offset", "error", err)
	}
	return c.opts.Offset
}

// ConnectionClosed ends delivery with the connection error.
func (c *Consumer) ConnectionClosed(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	c.terminate(err)
}

// terminate ends the consumer on behalf of the broker or the connection.
func (c *Consumer) terminate(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	c.closing = true
	c.notifyLocked()
	c.mu.Unlock()

	c.logger.Warn("Consumer closed", "error", cause)
	c.detach()
}

func (c *Consumer) detach() {
	c.detachOnce.Do(func() {
		c.client.UnregisterSubscription(c.id)
		c.env.releaseConsumer(c)
	})
}

// Close stops credit, unsubscribes and releases the subscription id.
// Buffered messages stay readable through Next.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.userClosed {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	c.userClosed = true
	c.closing = true
	terminated := c.err != nil
	if !terminated {
		c.err = ErrConsumerClosed
		c.notifyLocked()
	}
	c.mu.Unlock()

	var err error
	if !terminated && c.client.IsOpen() {
		err = c.client.Unsubscribe(ctx, c.id)
	}
	c.detach()
	c.logger.Debug("Consumer closed")
	return err
}
