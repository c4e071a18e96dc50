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
Messages, entries and delivery chunks.

MESSAGE FORMAT:
===============

	+-------+---------------------------+-------------------------+
	| Flags | Properties (if flag 0x01) | Body [int32 len][bytes] |
	+-------+---------------------------+-------------------------+

ENTRY FORMAT:
=============
A simple entry holds one message, a sub-entry holds several messages,
optionally compressed:

	simple:    [uint32 len (high bit clear)][message]
	sub-entry: [uint8 0x80|codec<<4][uint16 records][uint32 uncompressed]
	           [uint32 len][data]

Sub-entry data is a sequence of [uint32 len][message] records before
compression. Publish frames carry entries and the broker stores them
verbatim, so deliveries return the same bytes.

CHUNK FORMAT:
=============

	[uint64 first offset][int64 timestamp ms][uint16 entries]
	[uint32 records][uint32 data length][entries]
*/
package protocol

import (
	"encoding/binary"
	"fmt"
)

// MessageFlagProperties marks a message that carries application properties.
const MessageFlagProperties uint8 = 0x01

// subEntryFlag is the high bit of the first entry byte.
const subEntryFlag uint8 = 0x80

// subEntryHeaderSize is flag + records + uncompressed size + data length.
const subEntryHeaderSize = 1 + 2 + 4 + 4

// Message is the wire form of an application message.
type Message struct {
	Properties map[string]string
	Body       []byte
}

// EncodeMessage serializes a message.
func EncodeMessage(m *Message) []byte {
	w := NewWriter(5 + len(m.Body))
	if len(m.Properties) > 0 {
		w.WriteUint8(MessageFlagProperties)
		w.WriteStringMap(m.Properties)
	} else {
		w.WriteUint8(0)
	}
	w.WriteBytes(m.Body)
	return w.Bytes()
}

// DecodeMessage parses a message.
func DecodeMessage(data []byte) (*Message, error) {
	r := NewReader(data)
	m := &Message{}
	if r.Uint8()&MessageFlagProperties != 0 {
		m.Properties = r.StringMap()
	}
	m.Body = r.Bytes()
	if err := r.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeSimpleEntry wraps one encoded message as an entry.
func EncodeSimpleEntry(message []byte) []byte {
	buf := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(buf, uint32(len(message)))
	copy(buf[4:], message)
	return buf
}

// AppendRecord appends one length-prefixed message to sub-entry data.
func AppendRecord(buf, message []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(message)))
	return append(buf, message...)
}

// EncodeSubEntry wraps (possibly compressed) record data as a sub-entry.
func EncodeSubEntry(codec uint8, records uint16, uncompressed uint32, data []byte) []byte {
	w := NewWriter(subEntryHeaderSize + len(data))
	w.WriteUint8(subEntryFlag | (codec&0x07)<<4)
	w.WriteUint16(records)
	w.WriteUint32(uncompressed)
	w.WriteBytes(data)
	return w.Bytes()
}

// SplitRecords splits uncompressed sub-entry data into its messages.
func SplitRecords(data []byte, records int) ([][]byte, error) {
	r := NewReader(data)
	out := make([][]byte, 0, records)
	for i := 0; i < records; i++ {
		n := int(r.Uint32())
		msg := r.Raw(n)
		if r.Err() != nil {
			return nil, fmt.Errorf("record %d: %w", i, r.Err())
		}
		out = append(out, msg)
	}
	return out, nil
}

// Entry is a parsed entry. For simple entries Data is the message and
// Records is 1.
type Entry struct {
	SubEntry         bool
	Codec            uint8
	Records          uint16
	UncompressedSize uint32
	Data             []byte
}

func (r *Reader) peek() (uint8, bool) {
	if r.err != nil || r.off >= len(r.data) {
		r.err = ErrInvalidFormat
		return 0, false
	}
	return r.data[r.off], true
}

// readEntryBytes returns the raw bytes of the next entry, header included.
func readEntryBytes(r *Reader) []byte {
	first, ok := r.peek()
	if !ok {
		return nil
	}
	start := r.off
	if first&subEntryFlag != 0 {
		r.Raw(1 + 2 + 4)
		n := int(r.Uint32())
		r.Raw(n)
	} else {
		n := int(r.Uint32())
		r.Raw(n)
	}
	if r.err != nil {
		return nil
	}
	return r.data[start:r.off]
}

func readEntry(r *Reader) Entry {
	first, ok := r.peek()
	if !ok {
		return Entry{}
	}
	if first&subEntryFlag != 0 {
		flag := r.Uint8()
		e := Entry{SubEntry: true, Codec: (flag >> 4) & 0x07}
		e.Records = r.Uint16()
		e.UncompressedSize = r.Uint32()
		e.Data = r.Raw(int(r.Uint32()))
		return e
	}
	return Entry{Records: 1, Data: r.Raw(int(r.Uint32()))}
}

// ParseEntry parses a single raw entry.
func ParseEntry(raw []byte) (Entry, error) {
	r := NewReader(raw)
	e := readEntry(r)
	if r.Err() == nil && r.Remaining() != 0 {
		return Entry{}, ErrInvalidFormat
	}
	return e, r.Err()
}

// Chunk is a group of entries delivered together. Offsets are assigned to
// records in order starting at FirstOffset.
type Chunk struct {
	FirstOffset uint64
	Timestamp   int64 // unix milliseconds
	Entries     []Entry
}

// NumRecords counts records across all entries.
func (c *Chunk) NumRecords() uint32 {
	var n uint32
	for _, e := range c.Entries {
		n += uint32(e.Records)
	}
	return n
}

func (c *Chunk) write(w *Writer) {
	data := NewWriter(256)
	for _, e := range c.Entries {
		if e.SubEntry {
			data.WriteRaw(EncodeSubEntry(e.Codec, e.Records, e.UncompressedSize, e.Data))
		} else {
			data.WriteBytes(e.Data)
		}
	}
	w.WriteUint64(c.FirstOffset)
	w.WriteInt64(c.Timestamp)
	w.WriteUint16(uint16(len(c.Entries)))
	w.WriteUint32(c.NumRecords())
	w.WriteBytes(data.Bytes())
}

func readChunk(r *Reader) Chunk {
	c := Chunk{FirstOffset: r.Uint64(), Timestamp: r.Int64()}
	entries := int(r.Uint16())
	records := r.Uint32()
	body := NewReader(r.Raw(int(r.Uint32())))
	if r.Err() != nil {
		return c
	}
	c.Entries = make([]Entry, 0, entries)
	for i := 0; i < entries && body.Err() == nil; i++ {
		c.Entries = append(c.Entries, readEntry(body))
	}
	if body.Err() != nil || c.NumRecords() != records {
		r.err = ErrInvalidFormat
	}
	return c
}

// Deliver is a chunk pushed to a subscription.
type Deliver struct {
	SubscriptionID uint8
	Chunk          Chunk
}

func (d *Deliver) Encode() []byte {
	w := NewWriter(32)
	w.WriteUint8(d.SubscriptionID)
	d.Chunk.write(w)
	return w.Bytes()
}

func DecodeDeliver(data []byte) (*Deliver, error) {
	r := NewReader(data)
	d := &Deliver{SubscriptionID: r.Uint8()}
	d.Chunk = readChunk(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	return d, nil
}
