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

package mux

import (
	"context"

	"flystream/internal/protocol"
)

// DeclarePublisher binds a registered publisher id to a stream. reference
// names the producer for deduplication and may be empty.
func (c *Client) DeclarePublisher(ctx context.Context, id uint8, reference, stream string) error {
	req := &protocol.DeclarePublisherRequest{PublisherID: id, Reference: reference, Stream: stream}
	_, err := c.call(ctx, protocol.CommandDeclarePublisher, stream, req.Encode())
	return err
}

// DeletePublisher releases a publisher id on the broker.
func (c *Client) DeletePublisher(ctx context.Context, id uint8) error {
	req := &protocol.DeletePublisherRequest{PublisherID: id}
	_, err := c.call(ctx, protocol.CommandDeletePublisher, "", req.Encode())
	return err
}

// QueryPublisherSequence returns the last publishing id stored for a named
// producer, 0 if none.
func (c *Client) QueryPublisherSequence(ctx context.Context, reference, stream string) (uint64, error) {
	req := &protocol.QueryPublisherSequenceRequest{Reference: reference, Stream: stream}
	resp, err := c.call(ctx, protocol.CommandQueryPublisherSequence, stream, req.Encode())
	if err != nil {
		return 0, err
	}
	seq, err := protocol.DecodeSequenceResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	return seq.Value, nil
}

// Publish writes a batch for a declared publisher. Version 2 carries filter
// values.
func (c *Client) Publish(p *protocol.Publish, version uint16) error {
	return c.Send(protocol.CommandPublish, version, p.Encode(version))
}

// Subscribe opens a subscription for a registered subscription id.
func (c *Client) Subscribe(ctx context.Context, req *protocol.SubscribeRequest) error {
	_, err := c.call(ctx, protocol.CommandSubscribe, req.Stream, req.Encode())
	return err
}

// Unsubscribe closes a subscription on the broker.
func (c *Client) Unsubscribe(ctx context.Context, id uint8) error {
	req := &protocol.UnsubscribeRequest{SubscriptionID: id}
	_, err := c.call(ctx, protocol.CommandUnsubscribe, "", req.Encode())
	return err
}

// Credit grants chunks to a subscription. Failures come back as a Credit
// push on the subscription.
func (c *Client) Credit(id uint8, credit uint16) error {
	req := &protocol.CreditRequest{SubscriptionID: id, Credit: credit}
	return c.Send(protocol.CommandCredit, protocol.Version1, req.Encode())
}

// StoreOffset persists an offset for a named consumer.
func (c *Client) StoreOffset(reference, stream string, offset uint64) error {
	req := &protocol.StoreOffsetRequest{Reference: reference, Stream: stream, Offset: offset}
	return c.Send(protocol.CommandStoreOffset, protocol.Version1, req.Encode())
}

// QueryOffset reads the offset stored for a named consumer.
func (c *Client) QueryOffset(ctx context.Context, reference, stream string) (uint64, error) {
	req := &protocol.QueryOffsetRequest{Reference: reference, Stream: stream}
	resp, err := c.call(ctx, protocol.CommandQueryOffset, stream, req.Encode())
	if err != nil {
		return 0, err
	}
	off, err := protocol.DecodeSequenceResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	return off.Value, nil
}

// CreateStream creates a stream with broker arguments such as
// max-length-bytes.
func (c *Client) CreateStream(ctx context.Context, stream string, args map[string]string) error {
	req := &protocol.CreateRequest{Stream: stream, Arguments: args}
	_, err := c.call(ctx, protocol.CommandCreate, stream, req.Encode())
	return err
}

// DeleteStream deletes a stream.
func (c *Client) DeleteStream(ctx context.Context, stream string) error {
	_, err := c.call(ctx, protocol.CommandDelete, stream, (&protocol.NameRequest{Name: stream}).Encode())
	return err
}

// CreateSuperStream creates a super stream with one binding key per
// partition.
func (c *Client) CreateSuperStream(ctx context.Context, name string, partitions, bindingKeys []string, args map[string]string) error {
	req := &protocol.CreateSuperStreamRequest{
		Name:        name,
		Partitions:  partitions,
		BindingKeys: bindingKeys,
		Arguments:   args,
	}
	_, err := c.call(ctx, protocol.CommandCreateSuperStream, name, req.Encode())
	return err
}

// DeleteSuperStream deletes a super stream and its partitions.
func (c *Client) DeleteSuperStream(ctx context.Context, name string) error {
	_, err := c.call(ctx, protocol.CommandDeleteSuperStream, name, (&protocol.NameRequest{Name: name}).Encode())
	return err
}

// Metadata queries the leader and replicas of streams. Per-stream codes are
// in the response; the call itself only fails on connection errors.
func (c *Client) Metadata(ctx context.Context, streams ...string) (*protocol.MetadataResponse, error) {
	payload := (&protocol.MetadataRequest{Streams: streams}).Encode()
	resp, err := c.Request(ctx, protocol.CommandMetadata, protocol.Version1, payload)
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMetadataResponse(resp.Payload)
}

// StreamExists reports whether the broker knows stream.
func (c *Client) StreamExists(ctx context.Context, stream string) (bool, error) {
	md, err := c.Metadata(ctx, stream)
	if err != nil {
		return false, err
	}
	for _, s := range md.Streams {
		if s.Stream == stream {
			return s.Code == protocol.ResponseOK, nil
		}
	}
	return false, nil
}

// Partitions lists the partitions of a super stream in order.
func (c *Client) Partitions(ctx context.Context, superStream string) ([]string, error) {
	resp, err := c.call(ctx, protocol.CommandPartitions, superStream, (&protocol.NameRequest{Name: superStream}).Encode())
	if err != nil {
		return nil, err
	}
	ps, err := protocol.DecodeStreamsResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return ps.Streams, nil
}

// Route resolves a routing key to partitions using the super stream
// bindings.
func (c *Client) Route(ctx context.Context, routingKey, superStream string) ([]string, error) {
	req := &protocol.RouteRequest{RoutingKey: routingKey, SuperStream: superStream}
	resp, err := c.call(ctx, protocol.CommandRoute, superStream, req.Encode())
	if err != nil {
		return nil, err
	}
	rs, err := protocol.DecodeStreamsResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return rs.Streams, nil
}

// StreamStats returns broker statistics for a stream, such as
// first_chunk_id and committed_chunk_id.
func (c *Client) StreamStats(ctx context.Context, stream string) (map[string]int64, error) {
	resp, err := c.call(ctx, protocol.CommandStreamStats, stream, (&protocol.NameRequest{Name: stream}).Encode())
	if err != nil {
		return nil, err
	}
	stats, err := protocol.DecodeStreamStatsResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return stats.Stats, nil
}
