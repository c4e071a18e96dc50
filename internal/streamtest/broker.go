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
Package streamtest provides an in-process broker for tests.

The broker speaks the wire protocol over a real loopback listener and keeps
streams in memory. It implements the handshake, publishing with
confirmations and deduplication, subscriptions with credit flow control,
stored offsets, single active consumer promotion, super streams and
metadata updates. Tests inspect what the broker received through counters
and accessors.

	b := streamtest.New(t)
	b.CreateStream("orders")
	// connect to b.Addr() ...
	msgs := b.Messages("orders")
*/
package streamtest

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"flystream/internal/compression"
	"flystream/internal/logging"
	"flystream/internal/protocol"
)

// Option configures a Broker.
type Option func(*Broker)

// WithTLS serves TLS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(b *Broker) { b.tlsConfig = cfg }
}

// WithFiltering advertises Publish version 2.
func WithFiltering() Option {
	return func(b *Broker) { b.filtering = true }
}

// WithTune sets the frame max and heartbeat (seconds) the broker proposes.
func WithTune(frameMax, heartbeat uint32) Option {
	return func(b *Broker) {
		b.frameMax = frameMax
		b.heartbeat = heartbeat
	}
}

// WithCredentials sets the only accepted user.
func WithCredentials(username, password string) Option {
	return func(b *Broker) {
		b.username = username
		b.password = password
	}
}

// WithChunkEntries caps the number of entries per stored chunk. By default
// every Publish frame becomes one chunk.
func WithChunkEntries(n int) Option {
	return func(b *Broker) { b.chunkEntries = n }
}

// WithPublishReject makes the broker reject publishing ids for which fn
// returns a code other than OK.
func WithPublishReject(fn func(stream string, publishingID uint64) protocol.ResponseCode) Option {
	return func(b *Broker) { b.reject = fn }
}

// Broker is an in-memory broker listening on loopback.
type Broker struct {
	listener  net.Listener
	tlsConfig *tls.Config
	host      string
	port      int

	username  string
	password  string
	vhost     string
	frameMax  uint32
	heartbeat uint32
	filtering bool

	chunkEntries int
	reject       func(stream string, publishingID uint64) protocol.ResponseCode
	logger       *logging.Logger

	mu           sync.Mutex
	holdConfirms bool
	streams      map[string]*streamLog
	superStreams map[string]*superStream
	offsets      map[string]uint64
	sequences    map[string]uint64
	groups       map[string][]*subscription
	conns        map[*serverConn]struct{}
	frames       map[protocol.Command]int
	properties   []map[string]string
	maxCredit    int
	closed       bool

	wg sync.WaitGroup
}

type streamLog struct {
	name   string
	args   map[string]string
	chunks []*storedChunk
	next   uint64
}

type storedChunk struct {
	first     uint64
	timestamp int64
	entries   []protocol.Entry
	records   uint32
}

type superStream struct {
	partitions  []string
	bindingKeys []string
}

// New starts a broker and stops it when the test ends.
func New(tb testing.TB, opts ...Option) *Broker {
	tb.Helper()

	b := &Broker{
		username:     "guest",
		password:     "guest",
		vhost:        "/",
		frameMax:     protocol.DefaultFrameMax,
		logger:       logging.NewLogger("streamtest"),
		streams:      make(map[string]*streamLog),
		superStreams: make(map[string]*superStream),
		offsets:      make(map[string]uint64),
		sequences:    make(map[string]uint64),
		groups:       make(map[string][]*subscription),
		conns:        make(map[*serverConn]struct{}),
		frames:       make(map[protocol.Command]int),
	}
	for _, opt := range opts {
		opt(b)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("Failed to create listener: %v", err)
	}
	if b.tlsConfig != nil {
		listener = tls.NewListener(listener, b.tlsConfig)
	}
	b.listener = listener
	addr := listener.Addr().(*net.TCPAddr)
	b.host = addr.IP.String()
	b.port = addr.Port

	b.wg.Add(1)
	go b.acceptLoop()

	tb.Cleanup(b.Close)
	return b
}

func (b *Broker) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		sc := newServerConn(b, conn)
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conns[sc] = struct{}{}
		b.mu.Unlock()

		b.wg.Add(1)
		go sc.serve()
	}
}

// Addr returns host:port of the listener.
func (b *Broker) Addr() string {
	return net.JoinHostPort(b.host, strconv.Itoa(b.port))
}

// Host returns the listener host.
func (b *Broker) Host() string {
	return b.host
}

// Port returns the listener port.
func (b *Broker) Port() int {
	return b.port
}

// Close stops the broker and drops every connection.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	conns := b.connsLocked()
	b.mu.Unlock()

	b.listener.Close()
	for _, sc := range conns {
		sc.conn.Close()
	}
	b.wg.Wait()
}

// DropConnections closes every connection without a Close frame.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := b.connsLocked()
	b.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close()
	}
}

// CloseConnections asks every client to close with a broker Close request.
func (b *Broker) CloseConnections(reason string) {
	b.mu.Lock()
	conns := b.connsLocked()
	b.mu.Unlock()
	for _, sc := range conns {
		req := &protocol.CloseRequest{Code: protocol.ResponseOK, Reason: reason}
		sc.write(protocol.NewRequest(protocol.CommandClose, protocol.Version1, sc.correlation(), req.Encode()))
	}
}

func (b *Broker) connsLocked() []*serverConn {
	conns := make([]*serverConn, 0, len(b.conns))
	for sc := range b.conns {
		conns = append(conns, sc)
	}
	return conns
}

// Connections returns the number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// HoldConfirms stops (or resumes) sending publish confirmations.
func (b *Broker) HoldConfirms(hold bool) {
	b.mu.Lock()
	b.holdConfirms = hold
	b.mu.Unlock()
}

// Frames returns how many frames with cmd the broker received.
func (b *Broker) Frames(cmd protocol.Command) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frames[cmd]
}

// MaxCredit returns the highest credit balance any subscription reached.
func (b *Broker) MaxCredit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxCredit
}

// ClientProperties returns the peer properties of every connection so far.
func (b *Broker) ClientProperties() []map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]string(nil), b.properties...)
}

// CreateStream creates a stream, ignoring whether it already exists.
func (b *Broker) CreateStream(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[name]; !ok {
		b.streams[name] = &streamLog{name: name}
	}
}

// StreamExists reports whether a stream exists.
func (b *Broker) StreamExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.streams[name]
	return ok
}

// StreamArguments returns the arguments a stream was created with.
func (b *Broker) StreamArguments(name string) map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams[name]; ok {
		return s.args
	}
	return nil
}

// DeleteStream deletes a stream and notifies its publishers and consumers.
func (b *Broker) DeleteStream(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deleteStreamLocked(name)
}

// Append stores one chunk of simple entries, one per body.
func (b *Broker) Append(stream string, bodies ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.streams[stream]
	if !ok {
		log = &streamLog{name: stream}
		b.streams[stream] = log
	}
	entries := make([]protocol.Entry, 0, len(bodies))
	for _, body := range bodies {
		msg := protocol.EncodeMessage(&protocol.Message{Body: []byte(body)})
		entries = append(entries, protocol.Entry{Records: 1, Data: msg})
	}
	b.appendLocked(log, entries)
}

// Messages decodes every message stored in a stream, in offset order.
func (b *Broker) Messages(stream string) []*protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	log, ok := b.streams[stream]
	if !ok {
		return nil
	}
	var out []*protocol.Message
	for _, c := range log.chunks {
		for _, e := range c.entries {
			raws, err := compression.DecodeEntry(e)
			if err != nil {
				b.logger.Error("Failed to decode stored entry", "stream", stream, "error", err)
				continue
			}
			for _, raw := range raws {
				msg, err := protocol.DecodeMessage(raw)
				if err != nil {
					b.logger.Error("Failed to decode stored message", "stream", stream, "error", err)
					continue
				}
				out = append(out, msg)
			}
		}
	}
	return out
}

// Chunks returns the number of chunks stored in a stream.
func (b *Broker) Chunks(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if log, ok := b.streams[stream]; ok {
		return len(log.chunks)
	}
	return 0
}

// StoredOffset returns the offset stored for a consumer name.
func (b *Broker) StoredOffset(reference, stream string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.offsets[key(reference, stream)]
	return off, ok
}

// SetSequence sets the last publishing id stored for a named producer.
func (b *Broker) SetSequence(reference, stream string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sequences[key(reference, stream)] = seq
}

// CreateSuperStream creates a super stream whose partitions are
// name-<key>, bound to the given keys.
func (b *Broker) CreateSuperStream(name string, bindingKeys ...string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	partitions := make([]string, len(bindingKeys))
	for i, k := range bindingKeys {
		partitions[i] = name + "-" + k
		if _, ok := b.streams[partitions[i]]; !ok {
			b.streams[partitions[i]] = &streamLog{name: partitions[i]}
		}
	}
	b.superStreams[name] = &superStream{partitions: partitions, bindingKeys: bindingKeys}
	return partitions
}

func key(reference, stream string) string {
	return reference + "\x00" + stream
}

func (b *Broker) appendLocked(log *streamLog, entries []protocol.Entry) {
	step := len(entries)
	if b.chunkEntries > 0 {
		step = b.chunkEntries
	}
	for start := 0; start < len(entries); start += step {
		end := start + step
		if end > len(entries) {
			end = len(entries)
		}
		c := &storedChunk{
			first:     log.next,
			timestamp: time.Now().UnixMilli(),
			entries:   entries[start:end],
		}
		for _, e := range c.entries {
			if e.SubEntry {
				c.records += uint32(e.Records)
			} else {
				c.records++
			}
		}
		log.chunks = append(log.chunks, c)
		log.next += uint64(c.records)
	}

	for sc := range b.conns {
		for _, sub := range sc.subscriptions {
			if sub.stream == log.name {
				b.pumpLocked(sub)
			}
		}
	}
}

// position returns the index of the chunk a subscription starts at.
func (l *streamLog) position(spec protocol.OffsetSpec) int {
	switch spec.Type {
	case protocol.OffsetTypeFirst:
		return 0
	case protocol.OffsetTypeLast:
		if len(l.chunks) == 0 {
			return 0
		}
		return len(l.chunks) - 1
	case protocol.OffsetTypeOffset:
		off := uint64(0)
		if spec.Value > 0 {
			off = uint64(spec.Value)
		}
		for i, c := range l.chunks {
			if off < c.first+uint64(c.records) {
				return i
			}
		}
	case protocol.OffsetTypeTimestamp:
		for i, c := range l.chunks {
			if c.timestamp >= spec.Value {
				return i
			}
		}
	}
	return len(l.chunks)
}

func (b *Broker) deleteStreamLocked(name string) bool {
	if _, ok := b.streams[name]; !ok {
		return false
	}
	delete(b.streams, name)

	update := (&protocol.MetadataUpdate{Code: protocol.ResponseStreamNotAvailable, Stream: name}).Encode()
	for sc := range b.conns {
		notify := false
		for id, p := range sc.publishers {
			if p.stream == name {
				delete(sc.publishers, id)
				notify = true
			}
		}
		for id, sub := range sc.subscriptions {
			if sub.stream == name {
				delete(sc.subscriptions, id)
				b.leaveGroupLocked(sub)
				notify = true
			}
		}
		if notify {
			sc.write(protocol.NewPush(protocol.CommandMetadataUpdate, protocol.Version1, update))
		}
	}
	return true
}

// pumpLocked sends chunks while the subscription has credit.
func (b *Broker) pumpLocked(sub *subscription) {
	log, ok := b.streams[sub.stream]
	if !ok || !sub.active {
		return
	}
	for sub.credit > 0 && sub.chunk < len(log.chunks) {
		c := log.chunks[sub.chunk]
		sub.chunk++
		sub.credit--
		d := &protocol.Deliver{
			SubscriptionID: sub.id,
			Chunk: protocol.Chunk{
				FirstOffset: c.first,
				Timestamp:   c.timestamp,
				Entries:     c.entries,
			},
		}
		sub.conn.write(protocol.NewPush(protocol.CommandDeliver, protocol.Version1, d.Encode()))
	}
}

func (b *Broker) addCreditLocked(sub *subscription, credit int) {
	sub.credit += credit
	if sub.credit > b.maxCredit {
		b.maxCredit = sub.credit
	}
	b.pumpLocked(sub)
}

func groupKey(sub *subscription) string {
	return key(sub.name, sub.stream)
}

// joinGroupLocked adds a single active consumer to its group and activates
// it when it is the first member.
func (b *Broker) joinGroupLocked(sub *subscription) {
	k := groupKey(sub)
	b.groups[k] = append(b.groups[k], sub)
	if len(b.groups[k]) == 1 {
		b.activateLocked(sub)
	}
}

func (b *Broker) leaveGroupLocked(sub *subscription) {
	if !sub.singleActive {
		return
	}
	k := groupKey(sub)
	group := b.groups[k]
	for i, s := range group {
		if s == sub {
			group = append(group[:i], group[i+1:]...)
			break
		}
	}
	if len(group) == 0 {
		delete(b.groups, k)
		return
	}
	b.groups[k] = group
	if sub.active || sub.activating {
		b.activateLocked(group[0])
	}
}

func (b *Broker) activateLocked(sub *subscription) {
	sub.activating = true
	corr := sub.conn.correlation()
	sub.conn.updates[corr] = sub
	req := &protocol.ConsumerUpdateRequest{SubscriptionID: sub.id, Active: true}
	sub.conn.write(protocol.NewRequest(protocol.CommandConsumerUpdate, protocol.Version1, corr, req.Encode()))
}
