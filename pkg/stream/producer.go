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
	"fmt"
	"math"
	"sync"
	"time"

	"flystream/internal/compression"
	"flystream/internal/logging"
	"flystream/internal/metrics"
	"flystream/internal/mux"
	"flystream/internal/protocol"

	"github.com/benbjohnson/clock"
)

// publishOverhead is the frame header plus publisher id and entry count.
const publishOverhead = 4 + 2 + 2 + 1 + 4

type pendingMessage struct {
	id      uint64
	message *Message
	encoded []byte
	filter  string
}

// Producer publishes messages to one stream.
//
// Messages are buffered and written as one Publish frame when the buffer
// reaches BatchSize or BatchPublishingDelay after the first buffered
// message, whichever comes first. Every message is resolved exactly once:
// confirmed, rejected by the broker, timed out, or failed with the error
// that closed the producer.
type Producer struct {
	env        *Environment
	client     *mux.Client
	id         uint8
	stream     string
	opts       ProducerOptions
	version    uint16
	compressor compression.Compressor
	clock      clock.Clock
	stats      metrics.Collector
	logger     *logging.Logger

	mu         sync.Mutex
	nextID     uint64
	buffer     []pendingMessage
	batchGen   uint64
	timer      *clock.Timer
	closed     bool
	userClosed bool
	closeErr   error

	confirms *confirmTable

	queueMu     sync.RWMutex
	queue       chan Confirmation
	queueClosed bool
	queueDone   chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newProducer(env *Environment, stream string, opts ProducerOptions) *Producer {
	p := &Producer{
		env:       env,
		stream:    stream,
		opts:      opts,
		version:   protocol.Version1,
		clock:     env.clock,
		stats:     env.stats,
		logger:    logging.NewLogger("producer").With("stream", stream),
		confirms:  newConfirmTable(),
		queueDone: make(chan struct{}),
		done:      make(chan struct{}),
	}
	p.compressor, _ = compression.NewCompressor(opts.Compression)
	if opts.ConfirmationQueueSize > 0 {
		p.queue = make(chan Confirmation, opts.ConfirmationQueueSize)
	}
	return p
}

// declare binds the registered publisher id to the stream and restores the
// publishing sequence of a named producer.
func (p *Producer) declare(ctx context.Context) error {
	if p.client.SupportsFiltering() {
		p.version = protocol.Version2
	} else if p.opts.FilterValueExtractor != nil {
		return ErrFilteringNotSupported
	}
	p.logger = p.logger.With("publisher_id", p.id)

	if err := p.client.DeclarePublisher(ctx, p.id, p.opts.Name, p.stream); err != nil {
		return err
	}
	if p.opts.Name != "" {
		seq, err := p.client.QueryPublisherSequence(ctx, p.opts.Name, p.stream)
		if err != nil {
			_ = p.client.DeletePublisher(ctx, p.id)
			return err
		}
		p.nextID = seq + 1
	}

	p.wg.Add(1)
	go p.sweep()

	p.logger.Debug("Producer declared", "name", p.opts.Name, "next_publishing_id", p.nextID)
	return nil
}

// Stream returns the stream the producer publishes to.
func (p *Producer) Stream() string {
	return p.stream
}

// Name returns the deduplication name, empty if none.
func (p *Producer) Name() string {
	return p.opts.Name
}

// ID returns the publisher id on the connection.
func (p *Producer) ID() uint8 {
	return p.id
}

// NextPublishingID returns the id the next message without an explicit id
// will get.
func (p *Producer) NextPublishingID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextID
}

// PendingConfirmations returns the number of unresolved messages.
func (p *Producer) PendingConfirmations() int {
	return p.confirms.len()
}

// Send publishes msg and waits for its outcome. A broker rejection is
// returned as *RequestError along with the confirmation.
func (p *Producer) Send(ctx context.Context, msg *Message) (Confirmation, error) {
	slot := make(chan Confirmation, 1)
	if err := p.enqueue([]*Message{msg}, func(c Confirmation) { slot <- c }, false); err != nil {
		return Confirmation{}, err
	}
	select {
	case c := <-slot:
		return c, c.Err
	case <-ctx.Done():
		return Confirmation{}, ctx.Err()
	}
}

// SendWithCallback publishes msg and calls cb once with its outcome. cb
// runs on an internal goroutine and must not block for long.
func (p *Producer) SendWithCallback(msg *Message, cb func(Confirmation)) error {
	if cb == nil {
		return fmt.Errorf("%w: nil callback", ErrInvalidOptions)
	}
	return p.enqueue([]*Message{msg}, cb, false)
}

// SendAsync publishes msg. The outcome goes to the confirmation queue when
// one is configured.
func (p *Producer) SendAsync(msg *Message) error {
	return p.enqueue([]*Message{msg}, p.enqueueConfirmation, false)
}

// BatchSend buffers msgs and flushes immediately. Outcomes go to the
// confirmation queue when one is configured.
func (p *Producer) BatchSend(ctx context.Context, msgs []*Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.enqueue(msgs, p.enqueueConfirmation, true)
}

// NotifyPublishConfirmation returns the confirmation queue, nil when
// ConfirmationQueueSize is 0. It is closed when the producer closes.
func (p *Producer) NotifyPublishConfirmation() <-chan Confirmation {
	return p.queue
}

// NextConfirmation reads the confirmation queue. It returns
// ErrConfirmationQueueClosed once the queue is closed and drained, or when
// there is no queue.
func (p *Producer) NextConfirmation(ctx context.Context) (Confirmation, error) {
	if p.queue == nil {
		return Confirmation{}, ErrConfirmationQueueClosed
	}
	select {
	case c, ok := <-p.queue:
		if !ok {
			return Confirmation{}, ErrConfirmationQueueClosed
		}
		return c, nil
	case <-ctx.Done():
		return Confirmation{}, ctx.Err()
	}
}

func (p *Producer) enqueueConfirmation(c Confirmation) {
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.queue == nil || p.queueClosed {
		return
	}
	select {
	case p.queue <- c:
		return
	default:
	}
	select {
	case p.queue <- c:
	case <-p.queueDone:
		p.logger.Debug("Dropped confirmation on closed queue", "publishing_id", c.PublishingID)
	}
}

// batchFailure is a batch whose write failed, resolved outside the mutex.
type batchFailure struct {
	entries []taken
	err     error
}

func (p *Producer) enqueue(msgs []*Message, res resolver, flushNow bool) error {
	for _, m := range msgs {
		if m == nil {
			return fmt.Errorf("%w: nil message", ErrInvalidOptions)
		}
	}

	p.mu.Lock()
	if p.closed {
		err := p.closedErrLocked()
		p.mu.Unlock()
		return err
	}

	// Assign ids up front so a rejected id leaves the producer untouched.
	next := p.nextID
	ids := make([]uint64, len(msgs))
	for i, m := range msgs {
		if id, ok := m.PublishingID(); ok {
			if id < next {
				p.mu.Unlock()
				return fmt.Errorf("%w: %d, next is %d", ErrPublishingIDReused, id, next)
			}
			next = id
		}
		if next == math.MaxUint64 {
			p.mu.Unlock()
			return fmt.Errorf("%w: %d leaves no id for the next message", ErrPublishingIDReused, next)
		}
		ids[i] = next
		next++
	}
	p.nextID = next

	now := p.clock.Now()
	var failures []batchFailure
	for i, m := range msgs {
		p.confirms.add(ids[i], &unconfirmed{message: m, resolve: res, enqueued: now})
		p.buffer = append(p.buffer, pendingMessage{
			id:      ids[i],
			message: m,
			encoded: m.encode(),
			filter:  p.filterValue(m),
		})
		if len(p.buffer) >= p.opts.BatchSize {
			if f := p.flushLocked(); f != nil {
				failures = append(failures, *f)
			}
		}
	}
	if flushNow {
		if f := p.flushLocked(); f != nil {
			failures = append(failures, *f)
		}
	} else if len(p.buffer) > 0 && p.timer == nil {
		gen := p.batchGen
		p.timer = p.clock.AfterFunc(p.opts.BatchPublishingDelay, func() { p.timerFlush(gen) })
	}
	p.mu.Unlock()

	for _, f := range failures {
		p.failBatch(f)
	}
	return nil
}

func (p *Producer) filterValue(m *Message) string {
	if p.opts.FilterValueExtractor != nil {
		return p.opts.FilterValueExtractor(m)
	}
	return m.FilterValue
}

func (p *Producer) closedErrLocked() error {
	if p.closeErr == nil || p.closeErr == ErrProducerClosed {
		return ErrProducerClosed
	}
	return fmt.Errorf("%w: %w", ErrProducerClosed, p.closeErr)
}

// timerFlush flushes the batch the timer was armed for. A size flush in
// between bumps the generation and turns this into a no-op.
func (p *Producer) timerFlush(gen uint64) {
	p.mu.Lock()
	if gen != p.batchGen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	f := p.flushLocked()
	p.mu.Unlock()
	if f != nil {
		p.failBatch(*f)
	}
}

// flushLocked writes the buffer. It returns the entries that could not be
// written.
func (p *Producer) flushLocked() *batchFailure {
	p.batchGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if len(p.buffer) == 0 {
		return nil
	}
	batch := p.buffer
	p.buffer = nil

	entries, groups, err := p.entries(batch)
	sent := 0
	if err == nil {
		sent, err = p.publish(entries, groups)
	}
	if err == nil {
		return nil
	}

	var ids []uint64
	for _, g := range groups[sent:] {
		ids = append(ids, g...)
	}
	p.logger.Warn("Batch write failed", "messages", len(ids), "error", err)
	return &batchFailure{
		entries: p.confirms.takeIDs(ids),
		err:     &BatchSendError{Stream: p.stream, PublishingIDs: ids, Err: err},
	}
}

// entries encodes a batch. groups[i] lists the publishing ids carried by
// entries[i].
func (p *Producer) entries(batch []pendingMessage) ([]protocol.PublishEntry, [][]uint64, error) {
	if p.opts.SubEntrySize <= 1 {
		entries := make([]protocol.PublishEntry, len(batch))
		groups := make([][]uint64, len(batch))
		for i, m := range batch {
			entries[i] = protocol.PublishEntry{
				PublishingID: m.id,
				FilterValue:  m.filter,
				Entry:        protocol.EncodeSimpleEntry(m.encoded),
			}
			groups[i] = []uint64{m.id}
		}
		return entries, groups, nil
	}

	var entries []protocol.PublishEntry
	var groups [][]uint64
	for start := 0; start < len(batch); start += p.opts.SubEntrySize {
		end := min(start+p.opts.SubEntrySize, len(batch))
		part := batch[start:end]
		messages := make([][]byte, len(part))
		ids := make([]uint64, len(part))
		for i, m := range part {
			messages[i] = m.encoded
			ids[i] = m.id
		}
		raw, err := compression.EncodeSubEntry(p.compressor, messages)
		if err != nil {
			var all []uint64
			for _, m := range batch {
				all = append(all, m.id)
			}
			return nil, [][]uint64{all}, err
		}
		last := ids[len(ids)-1]
		p.confirms.link(last, ids[:len(ids)-1])
		entries = append(entries, protocol.PublishEntry{PublishingID: last, Entry: raw})
		groups = append(groups, ids)
	}
	return entries, groups, nil
}

// publish writes entries in as few frames as the negotiated frame size
// allows. It returns how many entries were written.
func (p *Producer) publish(entries []protocol.PublishEntry, groups [][]uint64) (int, error) {
	frameMax := int(p.client.FrameMax())
	sent := 0
	for sent < len(entries) {
		size := publishOverhead
		end := sent
		messages, bytes := 0, 0
		for end < len(entries) {
			es := 8 + len(entries[end].Entry)
			if p.version >= protocol.Version2 {
				es += 2 + len(entries[end].FilterValue)
			}
			if end > sent && frameMax > 0 && size+es > frameMax {
				break
			}
			size += es
			bytes += len(entries[end].Entry)
			messages += len(groups[end])
			end++
		}
		frame := &protocol.Publish{PublisherID: p.id, Entries: entries[sent:end]}
		if err := p.client.Publish(frame, p.version); err != nil {
			return sent, err
		}
		p.stats.Published(p.stream, messages, bytes)
		sent = end
	}
	return sent, nil
}

func (p *Producer) failBatch(f batchFailure) {
	resolveAll(f.entries, func(id uint64, m *Message) Confirmation {
		return Confirmation{PublishingID: id, Stream: p.stream, Message: m, Err: f.err}
	})
}

func (p *Producer) fail(entries []taken, err error) {
	resolveAll(entries, func(id uint64, m *Message) Confirmation {
		return Confirmation{PublishingID: id, Stream: p.stream, Message: m, Err: err}
	})
}

// sweep times out confirmations older than ConfirmationTimeout.
func (p *Producer) sweep() {
	defer p.wg.Done()

	interval := min(p.opts.ConfirmationTimeout, time.Second)
	ticker := p.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			expired := p.confirms.expired(now.Add(-p.opts.ConfirmationTimeout))
			if len(expired) > 0 {
				p.logger.Warn("Confirmations timed out",
					"count", len(expired),
					"timeout", p.opts.ConfirmationTimeout)
				p.fail(expired, ErrTimeout)
			}
		}
	}
}

// HandlePush receives confirmations, publish errors and metadata updates.
func (p *Producer) HandlePush(f *protocol.Frame) {
	switch f.Command {
	case protocol.CommandPublishConfirm:
		pc, err := protocol.DecodePublishConfirm(f.Payload)
		if err != nil {
			p.logger.Warn("Invalid publish confirm", "error", err)
			return
		}
		n := 0
		for _, id := range pc.PublishingIDs {
			entries := p.confirms.take(id)
			if len(entries) == 0 {
				p.logger.Debug("Confirm for unknown publishing id", "publishing_id", id)
				continue
			}
			n += len(entries)
			resolveAll(entries, func(id uint64, m *Message) Confirmation {
				return Confirmation{PublishingID: id, Stream: p.stream, Message: m, Confirmed: true, Code: protocol.ResponseOK}
			})
		}
		p.stats.Confirmed(p.stream, n)

	case protocol.CommandPublishError:
		pe, err := protocol.DecodePublishError(f.Payload)
		if err != nil {
			p.logger.Warn("Invalid publish error", "error", err)
			return
		}
		n := 0
		for _, e := range pe.Errors {
			entries := p.confirms.take(e.PublishingID)
			if len(entries) == 0 {
				p.logger.Debug("Error for unknown publishing id", "publishing_id", e.PublishingID)
				continue
			}
			n += len(entries)
			cause := &RequestError{Command: protocol.CommandPublish, Target: p.stream, Code: e.Code}
			resolveAll(entries, func(id uint64, m *Message) Confirmation {
				return Confirmation{PublishingID: id, Stream: p.stream, Message: m, Code: e.Code, Err: cause}
			})
		}
		p.stats.PublishErrored(p.stream, n)

	case protocol.CommandMetadataUpdate:
		update, err := protocol.DecodeMetadataUpdate(f.Payload)
		if err != nil || update.Stream != p.stream {
			return
		}
		p.logger.Warn("Stream not available, closing producer", "code", update.Code.String())
		p.shutdown(ErrStreamNotAvailable)
	}
}

// ConnectionClosed fails everything pending with the connection error.
func (p *Producer) ConnectionClosed(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	p.logger.Warn("Connection lost, closing producer", "error", err)
	p.shutdown(err)
}

// shutdown closes the producer on behalf of the broker or the connection.
func (p *Producer) shutdown(cause error) {
	p.mu.Lock()
	if p.closed && p.closeErr != ErrProducerClosed {
		p.mu.Unlock()
		return
	}
	if p.closed {
		// Close is waiting for confirmations: fail them and let it finish.
		p.mu.Unlock()
		p.fail(p.confirms.takeAll(), cause)
		return
	}
	p.closed = true
	p.closeErr = cause
	p.buffer = nil
	p.batchGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.stop()
	p.fail(p.confirms.takeAll(), cause)
	p.client.UnregisterPublisher(p.id)
	p.closeQueue()
	p.env.releaseProducer(p)
}

// IsClosed reports whether the producer was closed by the caller, the
// broker or a connection loss.
func (p *Producer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close flushes buffered messages and waits up to CloseTimeout for their
// confirmations. Messages still unconfirmed then fail with ErrTimeout.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.userClosed {
		p.mu.Unlock()
		return ErrAlreadyClosed
	}
	p.userClosed = true
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeErr = ErrProducerClosed
	f := p.flushLocked()
	p.mu.Unlock()
	if f != nil {
		p.failBatch(*f)
	}

	timer := p.clock.Timer(p.opts.CloseTimeout)
	select {
	case <-p.confirms.drained():
	case <-timer.C:
	case <-ctx.Done():
	}
	timer.Stop()

	p.stop()
	if rest := p.confirms.takeAll(); len(rest) > 0 {
		p.logger.Warn("Confirmations outstanding at close", "count", len(rest))
		p.fail(rest, ErrTimeout)
	}
	p.wg.Wait()

	var err error
	if p.client.IsOpen() {
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.CloseTimeout)
		err = p.client.DeletePublisher(dctx, p.id)
		cancel()
	}
	p.client.UnregisterPublisher(p.id)
	p.closeQueue()
	p.env.releaseProducer(p)
	p.logger.Debug("Producer closed")
	return err
}

func (p *Producer) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		close(p.queueDone)
	})
}

func (p *Producer) closeQueue() {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.queue != nil && !p.queueClosed {
		p.queueClosed = true
		close(p.queue)
	}
}
