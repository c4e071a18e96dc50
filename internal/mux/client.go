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
Package mux implements the client side of a broker connection.

One Client owns one TCP (or TLS) connection and multiplexes every producer
and consumer placed on it:

	           +-------------------+
	Request -->| pending[corrID]   |<-- responses --+
	           +-------------------+                |
	Send ----->| write mutex       |--> socket --> read loop
	           +-------------------+                |
	           | publishers[0..255]|<-- confirms ---+
	           | subscriptions[..] |<-- deliveries -+
	           +-------------------+

A single goroutine reads frames. Responses resolve the pending request with
the same correlation id. Push frames are queued on the mailbox of the
publisher or subscription whose id is the first payload byte, and each
mailbox is drained by its own goroutine. When the connection fails every
pending request and every registered handler is told exactly once.
*/
package mux

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"flystream/internal/logging"
	"flystream/internal/metrics"
	"flystream/internal/protocol"

	"github.com/benbjohnson/clock"
)

// ProductName is announced in the client properties.
const ProductName = "flystream"

const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
)

type result struct {
	frame *protocol.Frame
	err   error
}

// Client is a multiplexed broker connection.
type Client struct {
	opts    Options
	conn    net.Conn
	reader  *bufio.Reader
	clock   clock.Clock
	stats   metrics.Collector
	logger  *logging.Logger
	connLog *logging.ConnectionLogger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[uint32]chan result
	nextCorr uint32
	state    int32
	err      error // cause of the failure, set once

	publishers    *handlerTable
	subscriptions *handlerTable

	tuneCh    chan *protocol.Frame
	frameMax  atomic.Uint32
	heartbeat time.Duration
	lastRead  atomic.Int64

	serverProperties     map[string]string
	connectionProperties map[string]string
	commandVersions      map[protocol.Command]protocol.CommandVersion

	failOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Connect dials the broker and performs the handshake.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if opts.TLS != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: opts.TLS}
		conn, err = td.DialContext(ctx, "tcp", opts.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", opts.Addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Addr, err)
	}

	c := newClient(conn, opts)
	c.connLog.LogConnected(conn)
	c.stats.ConnectionOpened()

	c.wg.Add(1)
	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.fail(err)
		c.wg.Wait()
		return nil, fmt.Errorf("handshake with %s failed: %w", opts.Addr, err)
	}
	return c, nil
}

func newClient(conn net.Conn, opts Options) *Client {
	logger := logging.NewLogger("mux")
	connLog := logging.NewConnectionLogger(logger, opts.ConnectionName)
	c := &Client{
		opts:          opts,
		conn:          conn,
		reader:        bufio.NewReaderSize(conn, 64*1024),
		clock:         opts.Clock,
		stats:         opts.Metrics,
		logger:        connLog.Logger(),
		connLog:       connLog,
		pending:       make(map[uint32]chan result),
		nextCorr:      1,
		publishers:    newHandlerTable(opts.MaxPublishers),
		subscriptions: newHandlerTable(opts.MaxSubscriptions),
		tuneCh:        make(chan *protocol.Frame, 1),
		done:          make(chan struct{}),
	}
	c.frameMax.Store(protocol.MaxFrameSize)
	c.lastRead.Store(c.clock.Now().UnixNano())
	return c
}

func (c *Client) handshake(ctx context.Context) error {
	props := map[string]string{
		"product":         ProductName,
		"version":         moduleVersion(),
		"platform":        "Go",
		"connection_name": c.opts.ConnectionName,
	}
	resp, err := c.call(ctx, protocol.CommandPeerProperties, "", (&protocol.PeerPropertiesRequest{Properties: props}).Encode())
	if err != nil {
		return err
	}
	peer, err := protocol.DecodePeerPropertiesResponse(resp.Payload)
	if err != nil {
		return err
	}
	c.serverProperties = peer.Properties

	resp, err = c.call(ctx, protocol.CommandSaslHandshake, "", nil)
	if err != nil {
		return err
	}
	mechs, err := protocol.DecodeSaslHandshakeResponse(resp.Payload)
	if err != nil {
		return err
	}
	if !contains(mechs.Mechanisms, "PLAIN") {
		return &RequestError{Command: protocol.CommandSaslHandshake, Target: "PLAIN", Code: protocol.ResponseSaslMechanismNotSupported}
	}

	auth := &protocol.SaslAuthenticateRequest{
		Mechanism: "PLAIN",
		Data:      protocol.PlainSaslData(c.opts.Username, c.opts.Password),
	}
	if _, err := c.call(ctx, protocol.CommandSaslAuthenticate, c.opts.Username, auth.Encode()); err != nil {
		return err
	}

	if err := c.tune(ctx); err != nil {
		return err
	}

	resp, err = c.call(ctx, protocol.CommandOpen, c.opts.VirtualHost, (&protocol.OpenRequest{VirtualHost: c.opts.VirtualHost}).Encode())
	if err != nil {
		return err
	}
	open, err := protocol.DecodeOpenResponse(resp.Payload)
	if err != nil {
		return err
	}
	c.connectionProperties = open.Properties

	if err := c.exchangeCommandVersions(ctx); err != nil {
		return err
	}

	c.connLog.LogHandshake(c.frameMax.Load(), c.heartbeat, c.SupportsFiltering())

	if c.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
	return nil
}

// tune waits for the broker's Tune and answers with the negotiated values.
func (c *Client) tune(ctx context.Context) error {
	timer := c.clock.Timer(c.opts.RequestTimeout)
	defer timer.Stop()

	var f *protocol.Frame
	select {
	case f = <-c.tuneCh:
	case <-timer.C:
		return fmt.Errorf("waiting for tune: %w", ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.Err()
	}

	server, err := protocol.DecodeTune(f.Payload)
	if err != nil {
		return err
	}
	requested := uint32(c.opts.RequestedHeartbeat / time.Second)
	agreed := &protocol.Tune{
		FrameMax:  negotiate(c.opts.RequestedFrameMax, server.FrameMax),
		Heartbeat: negotiate(requested, server.Heartbeat),
	}
	if agreed.FrameMax != 0 && agreed.FrameMax < protocol.MaxFrameSize {
		c.frameMax.Store(agreed.FrameMax)
	}
	c.heartbeat = time.Duration(agreed.Heartbeat) * time.Second
	return c.Send(protocol.CommandTune, protocol.Version1, agreed.Encode())
}

// negotiate picks the lower of two limits where 0 means unlimited.
func negotiate(client, server uint32) uint32 {
	switch {
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	default:
		return server
	}
}

func (c *Client) exchangeCommandVersions(ctx context.Context) error {
	local := &protocol.CommandVersions{Versions: []protocol.CommandVersion{
		{Command: protocol.CommandDeclarePublisher, Min: 1, Max: 1},
		{Command: protocol.CommandPublish, Min: 1, Max: 2},
		{Command: protocol.CommandSubscribe, Min: 1, Max: 1},
		{Command: protocol.CommandStreamStats, Min: 1, Max: 1},
		{Command: protocol.CommandCreateSuperStream, Min: 1, Max: 1},
		{Command: protocol.CommandDeleteSuperStream, Min: 1, Max: 1},
	}}
	resp, err := c.call(ctx, protocol.CommandExchangeCommandVersions, "", local.Encode())
	if err != nil {
		var re *RequestError
		if errors.As(err, &re) {
			c.logger.Debug("Broker does not exchange command versions", "code", re.Code)
			return nil
		}
		return err
	}
	remote, err := protocol.DecodeCommandVersions(resp.Payload)
	if err != nil {
		return err
	}
	versions := make(map[protocol.Command]protocol.CommandVersion, len(remote.Versions))
	for _, v := range remote.Versions {
		versions[v.Command] = v
	}
	c.mu.Lock()
	c.commandVersions = versions
	c.mu.Unlock()
	return nil
}

// SupportsFiltering reports whether the broker accepts Publish version 2.
func (c *Client) SupportsFiltering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.commandVersions[protocol.CommandPublish]
	return ok && v.Max >= protocol.Version2
}

// ServerProperties returns the properties the broker announced.
func (c *Client) ServerProperties() map[string]string {
	return c.serverProperties
}

// ConnectionProperties returns the properties from the Open response, such
// as advertised_host and advertised_port.
func (c *Client) ConnectionProperties() map[string]string {
	return c.connectionProperties
}

// Name returns the client provided connection name.
func (c *Client) Name() string {
	return c.opts.ConnectionName
}

// Addr returns the dialed address.
func (c *Client) Addr() string {
	return c.opts.Addr
}

// FrameMax returns the negotiated frame size limit.
func (c *Client) FrameMax() uint32 {
	return c.frameMax.Load()
}

// Heartbeat returns the negotiated heartbeat interval, 0 if disabled.
func (c *Client) Heartbeat() time.Duration {
	return c.heartbeat
}

// Metrics returns the collector the connection reports to.
func (c *Client) Metrics() metrics.Collector {
	return c.stats
}

// Clock returns the clock used for timeouts.
func (c *Client) Clock() clock.Clock {
	return c.clock
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection is gone, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// IsOpen reports whether the connection accepts new requests.
func (c *Client) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateOpen
}

// ============================================================================
// Requests
// ============================================================================

// Request sends a request and waits for the matching response. The response
// is returned whatever its code.
func (c *Client) Request(ctx context.Context, cmd protocol.Command, version uint16, payload []byte) (*protocol.Frame, error) {
	c.mu.Lock()
	switch c.state {
	case stateClosing:
		c.mu.Unlock()
		return nil, ErrAlreadyClosed
	case stateClosed:
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	return c.roundTrip(ctx, cmd, version, payload, c.opts.RequestTimeout)
}

// call is Request at version 1 that turns non-OK codes into *RequestError.
func (c *Client) call(ctx context.Context, cmd protocol.Command, target string, payload []byte) (*protocol.Frame, error) {
	resp, err := c.Request(ctx, cmd, protocol.Version1, payload)
	if err != nil {
		return nil, err
	}
	if resp.Code != protocol.ResponseOK {
		return resp, &RequestError{Command: cmd, Target: target, Code: resp.Code}
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, cmd protocol.Command, version uint16, payload []byte, timeout time.Duration) (*protocol.Frame, error) {
	id, slot, err := c.register()
	if err != nil {
		return nil, err
	}
	start := c.clock.Now()

	if err := c.write(protocol.NewRequest(cmd, version, id, payload)); err != nil {
		c.release(id)
		return nil, err
	}

	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	select {
	case r := <-slot:
		if r.err == nil {
			c.stats.RequestCompleted(cmd.String(), c.clock.Since(start))
		}
		return r.frame, r.err
	case <-timer.C:
		c.release(id)
		return nil, fmt.Errorf("%s: %w", cmd, ErrTimeout)
	case <-ctx.Done():
		c.release(id)
		return nil, ctx.Err()
	}
}

// register allocates a correlation id that is not in flight.
func (c *Client) register() (uint32, chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return 0, nil, c.err
	}
	for {
		id := c.nextCorr
		c.nextCorr++
		if c.nextCorr == 0 {
			c.nextCorr = 1
		}
		if _, busy := c.pending[id]; !busy {
			slot := make(chan result, 1)
			c.pending[id] = slot
			return id, slot, nil
		}
	}
}

func (c *Client) release(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) resolve(f *protocol.Frame) {
	c.mu.Lock()
	slot, ok := c.pending[f.CorrelationID]
	delete(c.pending, f.CorrelationID)
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Response for unknown correlation id",
			"command", f.Command.String(),
			"correlation_id", f.CorrelationID)
		return
	}
	slot <- result{frame: f}
}

// Send writes a frame that has no response.
func (c *Client) Send(cmd protocol.Command, version uint16, payload []byte) error {
	c.mu.Lock()
	if c.state == stateClosed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()
	return c.write(protocol.NewPush(cmd, version, payload))
}

// Respond answers a request initiated by the broker.
func (c *Client) Respond(cmd protocol.Command, correlationID uint32, code protocol.ResponseCode, payload []byte) error {
	return c.write(protocol.NewResponse(cmd, protocol.Version1, correlationID, code, payload))
}

func (c *Client) write(f *protocol.Frame) error {
	data := protocol.Encode(f)
	if limit := c.frameMax.Load(); uint32(len(data)-4) > limit {
		return fmt.Errorf("%s: %w: %d bytes, limit %d", f.Command, protocol.ErrFrameTooLarge, len(data)-4, limit)
	}

	c.writeMu.Lock()
	_, err := c.conn.Write(data)
	c.writeMu.Unlock()

	if err != nil {
		err = fmt.Errorf("write %s: %w", f.Command, err)
		c.fail(err)
		if cause := c.Err(); cause != nil {
			return cause
		}
		return err
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

// RegisterPublisher allocates the lowest free publisher id for h.
func (c *Client) RegisterPublisher(h Handler) (uint8, error) {
	if !c.IsOpen() {
		return 0, c.closedErr()
	}
	return c.publishers.register(h)
}

// UnregisterPublisher frees a publisher id. Queued frames are dropped.
func (c *Client) UnregisterPublisher(id uint8) {
	c.publishers.unregister(id)
}

// RegisterSubscription allocates the lowest free subscription id for h.
func (c *Client) RegisterSubscription(h Handler) (uint8, error) {
	if !c.IsOpen() {
		return 0, c.closedErr()
	}
	return c.subscriptions.register(h)
}

// UnregisterSubscription frees a subscription id. Queued frames are dropped.
func (c *Client) UnregisterSubscription(id uint8) {
	c.subscriptions.unregister(id)
}

// Publishers returns the number of registered publishers.
func (c *Client) Publishers() int {
	return c.publishers.len()
}

// Subscriptions returns the number of registered subscriptions.
func (c *Client) Subscriptions() int {
	return c.subscriptions.len()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosing {
		return ErrAlreadyClosed
	}
	if c.err != nil {
		return c.err
	}
	return ErrConnectionClosed
}

// ============================================================================
// Read loop
// ============================================================================

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		f, err := protocol.ReadFrame(c.reader, c.frameMax.Load())
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.fail(nil)
			} else {
				c.fail(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		c.lastRead.Store(c.clock.Now().UnixNano())

		if !c.dispatch(f) {
			return
		}
	}
}

// dispatch routes one frame. It returns false when the loop must stop.
func (c *Client) dispatch(f *protocol.Frame) bool {
	switch f.Kind {
	case protocol.KindResponse:
		c.resolve(f)

	case protocol.KindPush:
		switch f.Command {
		case protocol.CommandTune:
			select {
			case c.tuneCh <- f:
			default:
				c.logger.Warn("Unexpected tune frame")
			}
		case protocol.CommandHeartbeat:
		case protocol.CommandMetadataUpdate:
			for _, m := range c.publishers.all() {
				m.post(f)
			}
			for _, m := range c.subscriptions.all() {
				m.post(f)
			}
		case protocol.CommandPublishConfirm, protocol.CommandPublishError:
			c.route(c.publishers, f)
		case protocol.CommandDeliver, protocol.CommandCredit:
			c.route(c.subscriptions, f)
		default:
			c.logger.Warn("Unexpected push frame", "command", f.Command.String())
		}

	case protocol.KindRequest:
		switch f.Command {
		case protocol.CommandClose:
			req, _ := protocol.DecodeCloseRequest(f.Payload)
			if err := c.Respond(protocol.CommandClose, f.CorrelationID, protocol.ResponseOK, nil); err != nil {
				c.logger.Debug("Failed to acknowledge close", "error", err)
			}
			reason := "closed by broker"
			if req != nil {
				reason = fmt.Sprintf("closed by broker: %s (%s)", req.Reason, req.Code)
			}
			c.fail(fmt.Errorf("%w: %s", ErrConnectionClosed, reason))
			return false
		case protocol.CommandConsumerUpdate:
			if len(f.Payload) == 0 {
				c.logger.Warn("Empty consumer update")
				return true
			}
			m := c.subscriptions.get(f.Payload[0])
			if m == nil {
				c.logger.Warn("Consumer update for unknown subscription", "subscription_id", f.Payload[0])
				_ = c.Respond(protocol.CommandConsumerUpdate, f.CorrelationID, protocol.ResponseSubscriptionIDDoesNotExist, nil)
				return true
			}
			m.post(f)
		default:
			c.logger.Warn("Unexpected request from broker", "command", f.Command.String())
		}
	}
	return true
}

func (c *Client) route(table *handlerTable, f *protocol.Frame) {
	if !f.HasTarget {
		c.logger.Warn("Push frame without target", "command", f.Command.String())
		return
	}
	m := table.get(f.TargetID)
	if m == nil {
		c.logger.Debug("Push frame for unknown target",
			"command", f.Command.String(),
			"target", f.TargetID)
		return
	}
	m.post(f)
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()

	ticker := c.clock.Ticker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			silent := now.Sub(time.Unix(0, c.lastRead.Load()))
			if silent > 2*c.heartbeat {
				c.fail(fmt.Errorf("%w: no frame received for %s", ErrTimeout, silent.Round(time.Second)))
				return
			}
			if err := c.Send(protocol.CommandHeartbeat, protocol.Version1, nil); err != nil {
				return
			}
		}
	}
}

// ============================================================================
// Teardown
// ============================================================================

// fail tears the connection down once. A nil cause means a clean close.
func (c *Client) fail(cause error) {
	c.failOnce.Do(func() {
		err := ErrConnectionClosed
		if cause != nil && !errors.Is(cause, ErrConnectionClosed) {
			err = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		} else if cause != nil {
			err = cause
		}

		c.mu.Lock()
		c.state = stateClosed
		c.err = err
		pending := c.pending
		c.pending = make(map[uint32]chan result)
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()

		for _, slot := range pending {
			slot <- result{err: err}
		}
		for _, m := range c.publishers.all() {
			m.closeWith(err)
		}
		for _, m := range c.subscriptions.all() {
			m.closeWith(err)
		}

		c.stats.ConnectionClosed()
		c.connLog.LogClosed(cause)
	})
}

// Close sends a Close request, waits a bounded time for the broker to
// acknowledge it and releases the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateClosing {
		c.mu.Unlock()
		return ErrAlreadyClosed
	}
	wasOpen := c.state == stateOpen
	if wasOpen {
		c.state = stateClosing
	}
	c.mu.Unlock()

	var closeErr error
	if wasOpen {
		req := &protocol.CloseRequest{Code: protocol.ResponseOK, Reason: "OK"}
		resp, err := c.roundTrip(ctx, protocol.CommandClose, protocol.Version1, req.Encode(), c.opts.CloseTimeout)
		switch {
		case err != nil:
			c.logger.Debug("Close not acknowledged", "error", err)
		case resp.Code != protocol.ResponseOK:
			closeErr = &RequestError{Command: protocol.CommandClose, Code: resp.Code}
		}
	}

	c.fail(nil)
	c.wg.Wait()

	// A connection that failed before Close is still closed exactly once.
	c.mu.Lock()
	c.state = stateClosing
	c.mu.Unlock()
	return closeErr
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func moduleVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}
