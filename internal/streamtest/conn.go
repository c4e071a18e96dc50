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

package streamtest

import (
	"net"
	"strconv"
	"sync"

	"flystream/internal/protocol"
)

type publisher struct {
	id        uint8
	stream    string
	reference string
}

type subscription struct {
	conn         *serverConn
	id           uint8
	stream       string
	name         string
	singleActive bool
	active       bool
	activating   bool
	credit       int
	chunk        int // index of the next chunk to deliver
}

// serverConn is one client connection. Its maps are guarded by Broker.mu.
type serverConn struct {
	b    *Broker
	conn net.Conn

	writeMu sync.Mutex
	corr    uint32

	publishers    map[uint8]*publisher
	subscriptions map[uint8]*subscription
	updates       map[uint32]*subscription
}

func newServerConn(b *Broker, conn net.Conn) *serverConn {
	return &serverConn{
		b:             b,
		conn:          conn,
		publishers:    make(map[uint8]*publisher),
		subscriptions: make(map[uint8]*subscription),
		updates:       make(map[uint32]*subscription),
	}
}

func (sc *serverConn) correlation() uint32 {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	sc.corr++
	return sc.corr
}

func (sc *serverConn) write(f *protocol.Frame) {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := protocol.WriteFrame(sc.conn, f); err != nil {
		sc.b.logger.Debug("Write to client failed", "command", f.Command.String(), "error", err)
	}
}

func (sc *serverConn) respond(f *protocol.Frame, code protocol.ResponseCode, payload []byte) {
	sc.write(protocol.NewResponse(f.Command, protocol.Version1, f.CorrelationID, code, payload))
}

func (sc *serverConn) serve() {
	defer sc.b.wg.Done()
	defer sc.close()

	for {
		f, err := protocol.ReadFrame(sc.conn, 0)
		if err != nil {
			return
		}
		sc.b.mu.Lock()
		sc.b.frames[f.Command]++
		sc.b.mu.Unlock()

		if !sc.handle(f) {
			return
		}
	}
}

func (sc *serverConn) close() {
	sc.conn.Close()

	b := sc.b
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, sc)
	for id, sub := range sc.subscriptions {
		delete(sc.subscriptions, id)
		b.leaveGroupLocked(sub)
	}
	sc.publishers = make(map[uint8]*publisher)
}

func (sc *serverConn) handle(f *protocol.Frame) bool {
	b := sc.b

	if f.Kind == protocol.KindResponse {
		if f.Command == protocol.CommandConsumerUpdate {
			sc.handleConsumerUpdate(f)
		}
		return true
	}

	switch f.Command {
	case protocol.CommandPeerProperties:
		req, err := protocol.DecodePeerPropertiesRequest(f.Payload)
		if err == nil {
			b.mu.Lock()
			b.properties = append(b.properties, req.Properties)
			b.mu.Unlock()
		}
		resp := &protocol.PeerPropertiesResponse{Properties: map[string]string{"product": "streamtest"}}
		sc.respond(f, protocol.ResponseOK, resp.Encode())

	case protocol.CommandSaslHandshake:
		resp := &protocol.SaslHandshakeResponse{Mechanisms: []string{"PLAIN"}}
		sc.respond(f, protocol.ResponseOK, resp.Encode())

	case protocol.CommandSaslAuthenticate:
		req, err := protocol.DecodeSaslAuthenticateRequest(f.Payload)
		if err != nil || req.Mechanism != "PLAIN" {
			sc.respond(f, protocol.ResponseSaslMechanismNotSupported, nil)
			return true
		}
		if string(req.Data) != string(protocol.PlainSaslData(b.username, b.password)) {
			sc.respond(f, protocol.ResponseAuthenticationFailure, nil)
			return true
		}
		sc.respond(f, protocol.ResponseOK, nil)
		tune := &protocol.Tune{FrameMax: b.frameMax, Heartbeat: b.heartbeat}
		sc.write(protocol.NewPush(protocol.CommandTune, protocol.Version1, tune.Encode()))

	case protocol.CommandTune, protocol.CommandHeartbeat:

	case protocol.CommandOpen:
		req, err := protocol.DecodeOpenRequest(f.Payload)
		if err != nil || req.VirtualHost != b.vhost {
			sc.respond(f, protocol.ResponseVirtualHostAccessFailure, nil)
			return true
		}
		resp := &protocol.OpenResponse{Properties: map[string]string{
			"advertised_host": b.host,
			"advertised_port": strconv.Itoa(b.port),
		}}
		sc.respond(f, protocol.ResponseOK, resp.Encode())

	case protocol.CommandExchangeCommandVersions:
		publishMax := protocol.Version1
		if b.filtering {
			publishMax = protocol.Version2
		}
		resp := &protocol.CommandVersions{Versions: []protocol.CommandVersion{
			{Command: protocol.CommandDeclarePublisher, Min: 1, Max: 1},
			{Command: protocol.CommandPublish, Min: 1, Max: publishMax},
			{Command: protocol.CommandSubscribe, Min: 1, Max: 1},
		}}
		sc.respond(f, protocol.ResponseOK, resp.Encode())

	case protocol.CommandClose:
		sc.respond(f, protocol.ResponseOK, nil)
		return false

	case protocol.CommandDeclarePublisher:
		sc.declarePublisher(f)
	case protocol.CommandDeletePublisher:
		sc.deletePublisher(f)
	case protocol.CommandQueryPublisherSequence:
		sc.queryPublisherSequence(f)
	case protocol.CommandPublish:
		sc.publish(f)

	case protocol.CommandSubscribe:
		sc.subscribe(f)
	case protocol.CommandUnsubscribe:
		sc.unsubscribe(f)
	case protocol.CommandCredit:
		sc.credit(f)
	case protocol.CommandStoreOffset:
		if req, err := protocol.DecodeStoreOffsetRequest(f.Payload); err == nil {
			b.mu.Lock()
			b.offsets[key(req.Reference, req.Stream)] = req.Offset
			b.mu.Unlock()
		}
	case protocol.CommandQueryOffset:
		sc.queryOffset(f)

	case protocol.CommandCreate:
		sc.createStream(f)
	case protocol.CommandDelete:
		req, err := protocol.DecodeNameRequest(f.Payload)
		if err != nil {
			sc.respond(f, protocol.ResponsePreconditionFailed, nil)
			return true
		}
		code := protocol.ResponseOK
		if !b.DeleteStream(req.Name) {
			code = protocol.ResponseStreamDoesNotExist
		}
		sc.respond(f, code, nil)
	case protocol.CommandCreateSuperStream:
		sc.createSuperStream(f)
	case protocol.CommandDeleteSuperStream:
		sc.deleteSuperStream(f)
	case protocol.CommandMetadata:
		sc.metadata(f)
	case protocol.CommandPartitions:
		sc.partitions(f)
	case protocol.CommandRoute:
		sc.route(f)
	case protocol.CommandStreamStats:
		sc.streamStats(f)

	default:
		b.logger.Warn("Unhandled command", "command", f.Command.String())
		if f.Kind == protocol.KindRequest {
			sc.respond(f, protocol.ResponseUnknownFrame, nil)
		}
	}
	return true
}

func (sc *serverConn) declarePublisher(f *protocol.Frame) {
	req, err := protocol.DecodeDeclarePublisherRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	code := protocol.ResponseOK
	switch {
	case b.streams[req.Stream] == nil:
		code = protocol.ResponseStreamDoesNotExist
	case sc.publishers[req.PublisherID] != nil:
		code = protocol.ResponsePreconditionFailed
	default:
		sc.publishers[req.PublisherID] = &publisher{id: req.PublisherID, stream: req.Stream, reference: req.Reference}
	}
	b.mu.Unlock()
	sc.respond(f, code, nil)
}

func (sc *serverConn) deletePublisher(f *protocol.Frame) {
	req, err := protocol.DecodeDeletePublisherRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	code := protocol.ResponseOK
	if sc.publishers[req.PublisherID] == nil {
		code = protocol.ResponsePublisherDoesNotExist
	}
	delete(sc.publishers, req.PublisherID)
	b.mu.Unlock()
	sc.respond(f, code, nil)
}

func (sc *serverConn) queryPublisherSequence(f *protocol.Frame) {
	req, err := protocol.DecodeQueryPublisherSequenceRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	seq := b.sequences[key(req.Reference, req.Stream)]
	b.mu.Unlock()
	sc.respond(f, protocol.ResponseOK, (&protocol.SequenceResponse{Value: seq}).Encode())
}

func (sc *serverConn) publish(f *protocol.Frame) {
	p, err := protocol.DecodePublish(f.Payload, f.Version)
	if err != nil {
		sc.b.logger.Warn("Malformed publish", "error", err)
		return
	}
	b := sc.b
	b.mu.Lock()
	pub := sc.publishers[p.PublisherID]
	if pub == nil {
		b.mu.Unlock()
		pe := &protocol.PublishError{PublisherID: p.PublisherID}
		for _, e := range p.Entries {
			pe.Errors = append(pe.Errors, protocol.PublishingError{PublishingID: e.PublishingID, Code: protocol.ResponsePublisherDoesNotExist})
		}
		sc.write(protocol.NewPush(protocol.CommandPublishError, protocol.Version1, pe.Encode()))
		return
	}

	log := b.streams[pub.stream]
	confirm := &protocol.PublishConfirm{PublisherID: p.PublisherID}
	reject := &protocol.PublishError{PublisherID: p.PublisherID}
	var entries []protocol.Entry
	for _, e := range p.Entries {
		if log == nil {
			reject.Errors = append(reject.Errors, protocol.PublishingError{PublishingID: e.PublishingID, Code: protocol.ResponseStreamDoesNotExist})
			continue
		}
		if b.reject != nil {
			if code := b.reject(pub.stream, e.PublishingID); code != protocol.ResponseOK {
				reject.Errors = append(reject.Errors, protocol.PublishingError{PublishingID: e.PublishingID, Code: code})
				continue
			}
		}
		if pub.reference != "" {
			k := key(pub.reference, pub.stream)
			if last, ok := b.sequences[k]; ok && e.PublishingID <= last {
				// duplicate: confirmed, not stored
				confirm.PublishingIDs = append(confirm.PublishingIDs, e.PublishingID)
				continue
			}
			b.sequences[k] = e.PublishingID
		}
		entry, err := protocol.ParseEntry(e.Entry)
		if err != nil {
			reject.Errors = append(reject.Errors, protocol.PublishingError{PublishingID: e.PublishingID, Code: protocol.ResponseInternalError})
			continue
		}
		entries = append(entries, entry)
		confirm.PublishingIDs = append(confirm.PublishingIDs, e.PublishingID)
	}
	if len(entries) > 0 {
		b.appendLocked(log, entries)
	}
	hold := b.holdConfirms
	b.mu.Unlock()

	if len(confirm.PublishingIDs) > 0 && !hold {
		sc.write(protocol.NewPush(protocol.CommandPublishConfirm, protocol.Version1, confirm.Encode()))
	}
	if len(reject.Errors) > 0 {
		sc.write(protocol.NewPush(protocol.CommandPublishError, protocol.Version1, reject.Encode()))
	}
}

func (sc *serverConn) subscribe(f *protocol.Frame) {
	req, err := protocol.DecodeSubscribeRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	log := b.streams[req.Stream]
	switch {
	case log == nil:
		b.mu.Unlock()
		sc.respond(f, protocol.ResponseStreamDoesNotExist, nil)
		return
	case sc.subscriptions[req.SubscriptionID] != nil:
		b.mu.Unlock()
		sc.respond(f, protocol.ResponseSubscriptionIDAlreadyExists, nil)
		return
	}
	sub := &subscription{
		conn:         sc,
		id:           req.SubscriptionID,
		stream:       req.Stream,
		name:         req.Properties["name"],
		singleActive: req.Properties["single-active-consumer"] == "true",
		chunk:        log.position(req.Offset),
	}
	if sub.singleActive && sub.name == "" {
		b.mu.Unlock()
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	sub.active = !sub.singleActive
	sc.subscriptions[req.SubscriptionID] = sub
	b.mu.Unlock()

	sc.respond(f, protocol.ResponseOK, nil)

	b.mu.Lock()
	defer b.mu.Unlock()
	if sc.subscriptions[req.SubscriptionID] != sub {
		return
	}
	if sub.singleActive {
		sub.credit = int(req.Credit)
		if sub.credit > b.maxCredit {
			b.maxCredit = sub.credit
		}
		b.joinGroupLocked(sub)
		return
	}
	b.addCreditLocked(sub, int(req.Credit))
}

func (sc *serverConn) handleConsumerUpdate(f *protocol.Frame) {
	b := sc.b
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := sc.updates[f.CorrelationID]
	delete(sc.updates, f.CorrelationID)
	if !ok || sc.subscriptions[sub.id] != sub {
		return
	}
	sub.activating = false
	if f.Code != protocol.ResponseOK {
		return
	}
	resp, err := protocol.DecodeConsumerUpdateResponse(f.Payload)
	if err != nil {
		return
	}
	if log := b.streams[sub.stream]; log != nil {
		sub.chunk = log.position(resp.Offset)
	}
	sub.active = true
	b.pumpLocked(sub)
}

func (sc *serverConn) unsubscribe(f *protocol.Frame) {
	req, err := protocol.DecodeUnsubscribeRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	sub := sc.subscriptions[req.SubscriptionID]
	code := protocol.ResponseOK
	if sub == nil {
		code = protocol.ResponseSubscriptionIDDoesNotExist
	} else {
		delete(sc.subscriptions, req.SubscriptionID)
	}
	b.mu.Unlock()

	sc.respond(f, code, nil)

	if sub != nil {
		b.mu.Lock()
		b.leaveGroupLocked(sub)
		b.mu.Unlock()
	}
}

func (sc *serverConn) credit(f *protocol.Frame) {
	req, err := protocol.DecodeCreditRequest(f.Payload)
	if err != nil {
		return
	}
	b := sc.b
	b.mu.Lock()
	sub := sc.subscriptions[req.SubscriptionID]
	if sub == nil {
		b.mu.Unlock()
		resp := &protocol.CreditResponse{SubscriptionID: req.SubscriptionID, Code: protocol.ResponseSubscriptionIDDoesNotExist}
		push := protocol.NewPush(protocol.CommandCredit, protocol.Version1, resp.Encode())
		push.Response = true
		sc.write(push)
		return
	}
	b.addCreditLocked(sub, int(req.Credit))
	b.mu.Unlock()
}

func (sc *serverConn) queryOffset(f *protocol.Frame) {
	req, err := protocol.DecodeQueryOffsetRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	off, ok := b.offsets[key(req.Reference, req.Stream)]
	_, exists := b.streams[req.Stream]
	b.mu.Unlock()
	switch {
	case !exists:
		sc.respond(f, protocol.ResponseStreamDoesNotExist, nil)
	case !ok:
		sc.respond(f, protocol.ResponseNoOffset, nil)
	default:
		sc.respond(f, protocol.ResponseOK, (&protocol.SequenceResponse{Value: off}).Encode())
	}
}

func (sc *serverConn) createStream(f *protocol.Frame) {
	req, err := protocol.DecodeCreateRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	code := protocol.ResponseOK
	if _, ok := b.streams[req.Stream]; ok {
		code = protocol.ResponseStreamAlreadyExists
	} else {
		b.streams[req.Stream] = &streamLog{name: req.Stream, args: req.Arguments}
	}
	b.mu.Unlock()
	sc.respond(f, code, nil)
}

func (sc *serverConn) createSuperStream(f *protocol.Frame) {
	req, err := protocol.DecodeCreateSuperStreamRequest(f.Payload)
	if err != nil || len(req.Partitions) == 0 || len(req.Partitions) != len(req.BindingKeys) {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	code := protocol.ResponseOK
	if _, ok := b.superStreams[req.Name]; ok {
		code = protocol.ResponseStreamAlreadyExists
	}
	for _, p := range req.Partitions {
		if _, ok := b.streams[p]; ok {
			code = protocol.ResponseStreamAlreadyExists
		}
	}
	if code == protocol.ResponseOK {
		for _, p := range req.Partitions {
			b.streams[p] = &streamLog{name: p, args: req.Arguments}
		}
		b.superStreams[req.Name] = &superStream{partitions: req.Partitions, bindingKeys: req.BindingKeys}
	}
	b.mu.Unlock()
	sc.respond(f, code, nil)
}

func (sc *serverConn) deleteSuperStream(f *protocol.Frame) {
	req, err := protocol.DecodeNameRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	ss, ok := b.superStreams[req.Name]
	if ok {
		delete(b.superStreams, req.Name)
		for _, p := range ss.partitions {
			b.deleteStreamLocked(p)
		}
	}
	b.mu.Unlock()
	if !ok {
		sc.respond(f, protocol.ResponseStreamDoesNotExist, nil)
		return
	}
	sc.respond(f, protocol.ResponseOK, nil)
}

func (sc *serverConn) metadata(f *protocol.Frame) {
	req, err := protocol.DecodeMetadataRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	resp := &protocol.MetadataResponse{
		Brokers: []protocol.Broker{{Reference: 0, Host: b.host, Port: uint32(b.port)}},
	}
	b.mu.Lock()
	for _, name := range req.Streams {
		md := protocol.StreamMetadata{Stream: name, Code: protocol.ResponseStreamDoesNotExist}
		if _, ok := b.streams[name]; ok {
			md.Code = protocol.ResponseOK
		}
		resp.Streams = append(resp.Streams, md)
	}
	b.mu.Unlock()
	sc.respond(f, protocol.ResponseOK, resp.Encode())
}

func (sc *serverConn) partitions(f *protocol.Frame) {
	req, err := protocol.DecodeNameRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	ss, ok := b.superStreams[req.Name]
	b.mu.Unlock()
	if !ok {
		sc.respond(f, protocol.ResponseStreamDoesNotExist, nil)
		return
	}
	sc.respond(f, protocol.ResponseOK, (&protocol.StreamsResponse{Streams: ss.partitions}).Encode())
}

func (sc *serverConn) route(f *protocol.Frame) {
	req, err := protocol.DecodeRouteRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	ss, ok := b.superStreams[req.SuperStream]
	b.mu.Unlock()
	if !ok {
		sc.respond(f, protocol.ResponseStreamDoesNotExist, nil)
		return
	}
	var routes []string
	for i, k := range ss.bindingKeys {
		if k == req.RoutingKey {
			routes = append(routes, ss.partitions[i])
		}
	}
	sc.respond(f, protocol.ResponseOK, (&protocol.StreamsResponse{Streams: routes}).Encode())
}

func (sc *serverConn) streamStats(f *protocol.Frame) {
	req, err := protocol.DecodeNameRequest(f.Payload)
	if err != nil {
		sc.respond(f, protocol.ResponsePreconditionFailed, nil)
		return
	}
	b := sc.b
	b.mu.Lock()
	log, ok := b.streams[req.Name]
	stats := map[string]int64{"first_chunk_id": -1, "committed_chunk_id": -1}
	if ok && len(log.chunks) > 0 {
		stats["first_chunk_id"] = int64(log.chunks[0].first)
		stats["committed_chunk_id"] = int64(log.chunks[len(log.chunks)-1].first)
	}
	b.mu.Unlock()
	if !ok {
		sc.respond(f, protocol.ResponseStreamDoesNotExist, nil)
		return
	}
	sc.respond(f, protocol.ResponseOK, (&protocol.StreamStatsResponse{Stats: stats}).Encode())
}
