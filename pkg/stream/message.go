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
	"time"

	"flystream/internal/protocol"
)

// Message is an application message. The body is opaque to the client.
type Message struct {
	Body       []byte
	Properties map[string]string

	// FilterValue is published with the message when the producer has no
	// filter value extractor. It needs broker filtering support.
	FilterValue string

	publishingID    uint64
	hasPublishingID bool
}

// NewMessage creates a message with body.
func NewMessage(body []byte) *Message {
	return &Message{Body: body}
}

// WithProperty sets an application property and returns m.
func (m *Message) WithProperty(key, value string) *Message {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
	return m
}

// WithPublishingID sets the publishing id instead of letting the producer
// assign the next one. Ids below the producer's next id are rejected.
func (m *Message) WithPublishingID(id uint64) *Message {
	m.publishingID = id
	m.hasPublishingID = true
	return m
}

// PublishingID returns the caller supplied publishing id, if any.
func (m *Message) PublishingID() (uint64, bool) {
	return m.publishingID, m.hasPublishingID
}

func (m *Message) encode() []byte {
	return protocol.EncodeMessage(&protocol.Message{Properties: m.Properties, Body: m.Body})
}

func decodeMessage(data []byte) (*Message, error) {
	pm, err := protocol.DecodeMessage(data)
	if err != nil {
		return nil, err
	}
	return &Message{Body: pm.Body, Properties: pm.Properties}, nil
}

// Confirmation is the outcome of one published message.
type Confirmation struct {
	PublishingID uint64
	Stream       string
	Message      *Message
	Confirmed    bool
	Code         ResponseCode
	Err          error
}

// Delivery is one message received by a consumer.
type Delivery struct {
	SubscriptionID uint8
	Stream         string
	Offset         uint64
	ChunkTimestamp time.Time
	Message        *Message
}
