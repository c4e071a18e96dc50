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
Binary payload encoding for every command.

Each command has a XxxRequest/XxxResponse struct with an Encode method and a
DecodeXxx function. Encoders build on Writer, decoders on Reader. Reader
errors are sticky: after the first short read every accessor returns a zero
value and Err reports ErrInvalidFormat, so decoders check once at the end.
*/
package protocol

import (
	"encoding/binary"
	"sort"
)

// Writer appends big-endian primitives to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Reset resets the writer for reuse.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

// Bytes returns the encoded bytes.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

// WriteString writes an int16 length-prefixed string.
func (w *Writer) WriteString(s string) {
	w.WriteUint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes an int32 length-prefixed byte slice.
func (w *Writer) WriteBytes(data []byte) {
	w.WriteUint32(uint32(len(data)))
	w.buf = append(w.buf, data...)
}

// WriteRaw appends bytes without a length prefix.
func (w *Writer) WriteRaw(data []byte) {
	w.buf = append(w.buf, data...)
}

// WriteStrings writes a counted array of strings.
func (w *Writer) WriteStrings(values []string) {
	w.WriteUint32(uint32(len(values)))
	for _, v := range values {
		w.WriteString(v)
	}
}

// WriteStringMap writes a counted map, keys sorted for stable output.
func (w *Writer) WriteStringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.WriteUint32(uint32(len(keys)))
	for _, k := range keys {
		w.WriteString(k)
		w.WriteString(m[k])
	}
}

// Reader consumes big-endian primitives from a byte slice.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader creates a reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns ErrInvalidFormat if any read ran past the end.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = ErrInvalidFormat
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool {
	return r.Uint8() != 0
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Int64() int64 {
	return int64(r.Uint64())
}

func (r *Reader) String() string {
	n := int(r.Uint16())
	return string(r.take(n))
}

// Bytes returns a copy of an int32 length-prefixed slice.
func (r *Reader) Bytes() []byte {
	n := int(r.Uint32())
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Raw returns the next n bytes without copying.
func (r *Reader) Raw(n int) []byte {
	return r.take(n)
}

func (r *Reader) count() int {
	n := int(r.Uint32())
	// each element needs at least one byte
	if r.err == nil && n > r.Remaining() {
		r.err = ErrInvalidFormat
		return 0
	}
	return n
}

func (r *Reader) Strings() []string {
	n := r.count()
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.String())
	}
	return out
}

func (r *Reader) StringMap() map[string]string {
	n := r.count()
	out := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.String()
		out[k] = r.String()
	}
	return out
}

// ============================================================================
// Connection handshake
// ============================================================================

// PeerPropertiesRequest announces client properties.
type PeerPropertiesRequest struct {
	Properties map[string]string
}

func (req *PeerPropertiesRequest) Encode() []byte {
	w := NewWriter(64)
	w.WriteStringMap(req.Properties)
	return w.Bytes()
}

func DecodePeerPropertiesRequest(data []byte) (*PeerPropertiesRequest, error) {
	r := NewReader(data)
	req := &PeerPropertiesRequest{Properties: r.StringMap()}
	return req, r.Err()
}

// PeerPropertiesResponse carries the broker properties.
type PeerPropertiesResponse struct {
	Properties map[string]string
}

func (resp *PeerPropertiesResponse) Encode() []byte {
	w := NewWriter(64)
	w.WriteStringMap(resp.Properties)
	return w.Bytes()
}

func DecodePeerPropertiesResponse(data []byte) (*PeerPropertiesResponse, error) {
	r := NewReader(data)
	resp := &PeerPropertiesResponse{Properties: r.StringMap()}
	return resp, r.Err()
}

// SaslHandshakeResponse lists the mechanisms the broker accepts.
type SaslHandshakeResponse struct {
	Mechanisms []string
}

func (resp *SaslHandshakeResponse) Encode() []byte {
	w := NewWriter(32)
	w.WriteStrings(resp.Mechanisms)
	return w.Bytes()
}

func DecodeSaslHandshakeResponse(data []byte) (*SaslHandshakeResponse, error) {
	r := NewReader(data)
	resp := &SaslHandshakeResponse{Mechanisms: r.Strings()}
	return resp, r.Err()
}

// SaslAuthenticateRequest carries the selected mechanism and its data.
type SaslAuthenticateRequest struct {
	Mechanism string
	Data      []byte
}

func (req *SaslAuthenticateRequest) Encode() []byte {
	w := NewWriter(32 + len(req.Data))
	w.WriteString(req.Mechanism)
	w.WriteBytes(req.Data)
	return w.Bytes()
}

func DecodeSaslAuthenticateRequest(data []byte) (*SaslAuthenticateRequest, error) {
	r := NewReader(data)
	req := &SaslAuthenticateRequest{Mechanism: r.String(), Data: r.Bytes()}
	return req, r.Err()
}

// PlainSaslData builds the PLAIN mechanism payload.
func PlainSaslData(username, password string) []byte {
	data := make([]byte, 0, len(username)+len(password)+2)
	data = append(data, 0)
	data = append(data, username...)
	data = append(data, 0)
	data = append(data, password...)
	return data
}

// Tune negotiates frame size and heartbeat. The broker sends it unsolicited
// after authentication and the client echoes its choice.
type Tune struct {
	FrameMax  uint32
	Heartbeat uint32 // seconds
}

func (t *Tune) Encode() []byte {
	w := NewWriter(8)
	w.WriteUint32(t.FrameMax)
	w.WriteUint32(t.Heartbeat)
	return w.Bytes()
}

func DecodeTune(data []byte) (*Tune, error) {
	r := NewReader(data)
	t := &Tune{FrameMax: r.Uint32(), Heartbeat: r.Uint32()}
	return t, r.Err()
}

// OpenRequest selects the virtual host.
type OpenRequest struct {
	VirtualHost string
}

func (req *OpenRequest) Encode() []byte {
	w := NewWriter(2 + len(req.VirtualHost))
	w.WriteString(req.VirtualHost)
	return w.Bytes()
}

func DecodeOpenRequest(data []byte) (*OpenRequest, error) {
	r := NewReader(data)
	req := &OpenRequest{VirtualHost: r.String()}
	return req, r.Err()
}

// OpenResponse carries connection properties such as the advertised host.
type OpenResponse struct {
	Properties map[string]string
}

func (resp *OpenResponse) Encode() []byte {
	w := NewWriter(64)
	w.WriteStringMap(resp.Properties)
	return w.Bytes()
}

func DecodeOpenResponse(data []byte) (*OpenResponse, error) {
	r := NewReader(data)
	resp := &OpenResponse{Properties: r.StringMap()}
	return resp, r.Err()
}

// CloseRequest is sent by either side to close the connection.
type CloseRequest struct {
	Code   ResponseCode
	Reason string
}

func (req *CloseRequest) Encode() []byte {
	w := NewWriter(4 + len(req.Reason))
	w.WriteUint16(uint16(req.Code))
	w.WriteString(req.Reason)
	return w.Bytes()
}

func DecodeCloseRequest(data []byte) (*CloseRequest, error) {
	r := NewReader(data)
	req := &CloseRequest{Code: ResponseCode(r.Uint16()), Reason: r.String()}
	return req, r.Err()
}

// CommandVersion advertises the version range a peer supports for a command.
type CommandVersion struct {
	Command Command
	Min     uint16
	Max     uint16
}

// CommandVersions is the payload of ExchangeCommandVersions in both
// directions.
type CommandVersions struct {
	Versions []CommandVersion
}

func (cv *CommandVersions) Encode() []byte {
	w := NewWriter(4 + 6*len(cv.Versions))
	w.WriteUint32(uint32(len(cv.Versions)))
	for _, v := range cv.Versions {
		w.WriteUint16(uint16(v.Command))
		w.WriteUint16(v.Min)
		w.WriteUint16(v.Max)
	}
	return w.Bytes()
}

func DecodeCommandVersions(data []byte) (*CommandVersions, error) {
	r := NewReader(data)
	n := r.count()
	cv := &CommandVersions{Versions: make([]CommandVersion, 0, n)}
	for i := 0; i < n && r.Err() == nil; i++ {
		cv.Versions = append(cv.Versions, CommandVersion{
			Command: Command(r.Uint16()),
			Min:     r.Uint16(),
			Max:     r.Uint16(),
		})
	}
	return cv, r.Err()
}

// ============================================================================
// Publishing
// ============================================================================

// DeclarePublisherRequest binds a publisher id to a stream.
type DeclarePublisherRequest struct {
	PublisherID uint8
	Reference   string
	Stream      string
}

func (req *DeclarePublisherRequest) Encode() []byte {
	w := NewWriter(5 + len(req.Reference) + len(req.Stream))
	w.WriteUint8(req.PublisherID)
	w.WriteString(req.Reference)
	w.WriteString(req.Stream)
	return w.Bytes()
}

func DecodeDeclarePublisherRequest(data []byte) (*DeclarePublisherRequest, error) {
	r := NewReader(data)
	req := &DeclarePublisherRequest{PublisherID: r.Uint8(), Reference: r.String(), Stream: r.String()}
	return req, r.Err()
}

// DeletePublisherRequest releases a publisher id.
type DeletePublisherRequest struct {
	PublisherID uint8
}

func (req *DeletePublisherRequest) Encode() []byte {
	return []byte{req.PublisherID}
}

func DecodeDeletePublisherRequest(data []byte) (*DeletePublisherRequest, error) {
	r := NewReader(data)
	req := &DeletePublisherRequest{PublisherID: r.Uint8()}
	return req, r.Err()
}

// QueryPublisherSequenceRequest asks for the last publishing id stored for a
// named producer.
type QueryPublisherSequenceRequest struct {
	Reference string
	Stream    string
}

func (req *QueryPublisherSequenceRequest) Encode() []byte {
	w := NewWriter(4 + len(req.Reference) + len(req.Stream))
	w.WriteString(req.Reference)
	w.WriteString(req.Stream)
	return w.Bytes()
}

func DecodeQueryPublisherSequenceRequest(data []byte) (*QueryPublisherSequenceRequest, error) {
	r := NewReader(data)
	req := &QueryPublisherSequenceRequest{Reference: r.String(), Stream: r.String()}
	return req, r.Err()
}

// SequenceResponse carries a single uint64 (publisher sequence or offset).
type SequenceResponse struct {
	Value uint64
}

func (resp *SequenceResponse) Encode() []byte {
	w := NewWriter(8)
	w.WriteUint64(resp.Value)
	return w.Bytes()
}

func DecodeSequenceResponse(data []byte) (*SequenceResponse, error) {
	r := NewReader(data)
	resp := &SequenceResponse{Value: r.Uint64()}
	return resp, r.Err()
}

// PublishEntry is one publishing id with its encoded entry (simple or
// sub-entry batch, see chunk.go).
type PublishEntry struct {
	PublishingID uint64
	FilterValue  string // version 2 only
	Entry        []byte
}

// Publish carries a batch of entries for one publisher.
type Publish struct {
	PublisherID uint8
	Entries     []PublishEntry
}

// Encode serializes the batch. Version 2 adds a filter value per entry.
func (p *Publish) Encode(version uint16) []byte {
	size := 5
	for _, e := range p.Entries {
		size += 8 + len(e.Entry)
		if version >= Version2 {
			size += 2 + len(e.FilterValue)
		}
	}
	w := NewWriter(size)
	w.WriteUint8(p.PublisherID)
	w.WriteUint32(uint32(len(p.Entries)))
	for _, e := range p.Entries {
		w.WriteUint64(e.PublishingID)
		if version >= Version2 {
			w.WriteString(e.FilterValue)
		}
		w.WriteRaw(e.Entry)
	}
	return w.Bytes()
}

func DecodePublish(data []byte, version uint16) (*Publish, error) {
	r := NewReader(data)
	p := &Publish{PublisherID: r.Uint8()}
	n := r.count()
	p.Entries = make([]PublishEntry, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		e := PublishEntry{PublishingID: r.Uint64()}
		if version >= Version2 {
			e.FilterValue = r.String()
		}
		e.Entry = readEntryBytes(r)
		p.Entries = append(p.Entries, e)
	}
	return p, r.Err()
}

// PublishConfirm acknowledges publishing ids.
type PublishConfirm struct {
	PublisherID   uint8
	PublishingIDs []uint64
}

func (pc *PublishConfirm) Encode() []byte {
	w := NewWriter(5 + 8*len(pc.PublishingIDs))
	w.WriteUint8(pc.PublisherID)
	w.WriteUint32(uint32(len(pc.PublishingIDs)))
	for _, id := range pc.PublishingIDs {
		w.WriteUint64(id)
	}
	return w.Bytes()
}

func DecodePublishConfirm(data []byte) (*PublishConfirm, error) {
	r := NewReader(data)
	pc := &PublishConfirm{PublisherID: r.Uint8()}
	n := r.count()
	pc.PublishingIDs = make([]uint64, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		pc.PublishingIDs = append(pc.PublishingIDs, r.Uint64())
	}
	return pc, r.Err()
}

// PublishingError is a rejected publishing id with its status.
type PublishingError struct {
	PublishingID uint64
	Code         ResponseCode
}

// PublishError reports rejected publishing ids.
type PublishError struct {
	PublisherID uint8
	Errors      []PublishingError
}

func (pe *PublishError) Encode() []byte {
	w := NewWriter(5 + 10*len(pe.Errors))
	w.WriteUint8(pe.PublisherID)
	w.WriteUint32(uint32(len(pe.Errors)))
	for _, e := range pe.Errors {
		w.WriteUint64(e.PublishingID)
		w.WriteUint16(uint16(e.Code))
	}
	return w.Bytes()
}

func DecodePublishError(data []byte) (*PublishError, error) {
	r := NewReader(data)
	pe := &PublishError{PublisherID: r.Uint8()}
	n := r.count()
	pe.Errors = make([]PublishingError, 0, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		pe.Errors = append(pe.Errors, PublishingError{
			PublishingID: r.Uint64(),
			Code:         ResponseCode(r.Uint16()),
		})
	}
	return pe, r.Err()
}

// ============================================================================
// Consuming
// ============================================================================

// OffsetType selects where a subscription starts.
type OffsetType uint16

const (
	OffsetTypeFirst     OffsetType = 1
	OffsetTypeLast      OffsetType = 2
	OffsetTypeNext      OffsetType = 3
	OffsetTypeOffset    OffsetType = 4
	OffsetTypeTimestamp OffsetType = 5
)

// OffsetSpec is the wire form of an offset specification.
type OffsetSpec struct {
	Type  OffsetType
	Value int64 // offset or unix milliseconds, depending on Type
}

func (o OffsetSpec) hasValue() bool {
	return o.Type == OffsetTypeOffset || o.Type == OffsetTypeTimestamp
}

func (o OffsetSpec) write(w *Writer) {
	w.WriteUint16(uint16(o.Type))
	if o.hasValue() {
		w.WriteInt64(o.Value)
	}
}

func readOffsetSpec(r *Reader) OffsetSpec {
	o := OffsetSpec{Type: OffsetType(r.Uint16())}
	if o.hasValue() {
		o.Value = r.Int64()
	}
	return o
}

// SubscribeRequest opens a subscription.
type SubscribeRequest struct {
	SubscriptionID uint8
	Stream         string
	Offset         OffsetSpec
	Credit         uint16
	Properties     map[string]string
}

func (req *SubscribeRequest) Encode() []byte {
	w := NewWriter(32 + len(req.Stream))
	w.WriteUint8(req.SubscriptionID)
	w.WriteString(req.Stream)
	req.Offset.write(w)
	w.WriteUint16(req.Credit)
	w.WriteStringMap(req.Properties)
	return w.Bytes()
}

func DecodeSubscribeRequest(data []byte) (*SubscribeRequest, error) {
	r := NewReader(data)
	req := &SubscribeRequest{SubscriptionID: r.Uint8(), Stream: r.String()}
	req.Offset = readOffsetSpec(r)
	req.Credit = r.Uint16()
	req.Properties = r.StringMap()
	return req, r.Err()
}

// UnsubscribeRequest closes a subscription.
type UnsubscribeRequest struct {
	SubscriptionID uint8
}

func (req *UnsubscribeRequest) Encode() []byte {
	return []byte{req.SubscriptionID}
}

func DecodeUnsubscribeRequest(data []byte) (*UnsubscribeRequest, error) {
	r := NewReader(data)
	req := &UnsubscribeRequest{SubscriptionID: r.Uint8()}
	return req, r.Err()
}

// CreditRequest grants chunks to a subscription.
type CreditRequest struct {
	SubscriptionID uint8
	Credit         uint16
}

func (req *CreditRequest) Encode() []byte {
	w := NewWriter(3)
	w.WriteUint8(req.SubscriptionID)
	w.WriteUint16(req.Credit)
	return w.Bytes()
}

func DecodeCreditRequest(data []byte) (*CreditRequest, error) {
	r := NewReader(data)
	req := &CreditRequest{SubscriptionID: r.Uint8(), Credit: r.Uint16()}
	return req, r.Err()
}

// CreditResponse is pushed by the broker only when a credit grant fails.
type CreditResponse struct {
	SubscriptionID uint8
	Code           ResponseCode
}

func (resp *CreditResponse) Encode() []byte {
	w := NewWriter(3)
	w.WriteUint8(resp.SubscriptionID)
	w.WriteUint16(uint16(resp.Code))
	return w.Bytes()
}

func DecodeCreditResponse(data []byte) (*CreditResponse, error) {
	r := NewReader(data)
	resp := &CreditResponse{SubscriptionID: r.Uint8(), Code: ResponseCode(r.Uint16())}
	return resp, r.Err()
}

// StoreOffsetRequest persists an offset for a named consumer. It has no
// response.
type StoreOffsetRequest struct {
	Reference string
	Stream    string
	Offset    uint64
}

func (req *StoreOffsetRequest) Encode() []byte {
	w := NewWriter(12 + len(req.Reference) + len(req.Stream))
	w.WriteString(req.Reference)
	w.WriteString(req.Stream)
	w.WriteUint64(req.Offset)
	return w.Bytes()
}

func DecodeStoreOffsetRequest(data []byte) (*StoreOffsetRequest, error) {
	r := NewReader(data)
	req := &StoreOffsetRequest{Reference: r.String(), Stream: r.String(), Offset: r.Uint64()}
	return req, r.Err()
}

// QueryOffsetRequest reads a stored offset. The response is a
// SequenceResponse.
type QueryOffsetRequest struct {
	Reference string
	Stream    string
}

func (req *QueryOffsetRequest) Encode() []byte {
	w := NewWriter(4 + len(req.Reference) + len(req.Stream))
	w.WriteString(req.Reference)
	w.WriteString(req.Stream)
	return w.Bytes()
}

func DecodeQueryOffsetRequest(data []byte) (*QueryOffsetRequest, error) {
	r := NewReader(data)
	req := &QueryOffsetRequest{Reference: r.String(), Stream: r.String()}
	return req, r.Err()
}

// ConsumerUpdateRequest is sent by the broker to promote or demote a single
// active consumer.
type ConsumerUpdateRequest struct {
	SubscriptionID uint8
	Active         bool
}

func (req *ConsumerUpdateRequest) Encode() []byte {
	w := NewWriter(2)
	w.WriteUint8(req.SubscriptionID)
	w.WriteBool(req.Active)
	return w.Bytes()
}

func DecodeConsumerUpdateRequest(data []byte) (*ConsumerUpdateRequest, error) {
	r := NewReader(data)
	req := &ConsumerUpdateRequest{SubscriptionID: r.Uint8(), Active: r.Bool()}
	return req, r.Err()
}

// ConsumerUpdateResponse tells the broker where an activated consumer resumes.
type ConsumerUpdateResponse struct {
	Offset OffsetSpec
}

func (resp *ConsumerUpdateResponse) Encode() []byte {
	w := NewWriter(10)
	resp.Offset.write(w)
	return w.Bytes()
}

func DecodeConsumerUpdateResponse(data []byte) (*ConsumerUpdateResponse, error) {
	r := NewReader(data)
	resp := &ConsumerUpdateResponse{Offset: readOffsetSpec(r)}
	return resp, r.Err()
}

// ============================================================================
// Stream administration
// ============================================================================

// CreateRequest creates a stream with optional arguments.
type CreateRequest struct {
	Stream    string
	Arguments map[string]string
}

func (req *CreateRequest) Encode() []byte {
	w := NewWriter(32 + len(req.Stream))
	w.WriteString(req.Stream)
	w.WriteStringMap(req.Arguments)
	return w.Bytes()
}

func DecodeCreateRequest(data []byte) (*CreateRequest, error) {
	r := NewReader(data)
	req := &CreateRequest{Stream: r.String(), Arguments: r.StringMap()}
	return req, r.Err()
}

// NameRequest carries a single stream or super stream name (delete,
// partitions, stream stats).
type NameRequest struct {
	Name string
}

func (req *NameRequest) Encode() []byte {
	w := NewWriter(2 + len(req.Name))
	w.WriteString(req.Name)
	return w.Bytes()
}

func DecodeNameRequest(data []byte) (*NameRequest, error) {
	r := NewReader(data)
	req := &NameRequest{Name: r.String()}
	return req, r.Err()
}

// CreateSuperStreamRequest creates a super stream and its partitions.
type CreateSuperStreamRequest struct {
	Name        string
	Partitions  []string
	BindingKeys []string
	Arguments   map[string]string
}

func (req *CreateSuperStreamRequest) Encode() []byte {
	w := NewWriter(64)
	w.WriteString(req.Name)
	w.WriteStrings(req.Partitions)
	w.WriteStrings(req.BindingKeys)
	w.WriteStringMap(req.Arguments)
	return w.Bytes()
}

func DecodeCreateSuperStreamRequest(data []byte) (*CreateSuperStreamRequest, error) {
	r := NewReader(data)
	req := &CreateSuperStreamRequest{
		Name:        r.String(),
		Partitions:  r.Strings(),
		BindingKeys: r.Strings(),
		Arguments:   r.StringMap(),
	}
	return req, r.Err()
}

// MetadataRequest asks for the metadata of a set of streams.
type MetadataRequest struct {
	Streams []string
}

func (req *MetadataRequest) Encode() []byte {
	w := NewWriter(32)
	w.WriteStrings(req.Streams)
	return w.Bytes()
}

func DecodeMetadataRequest(data []byte) (*MetadataRequest, error) {
	r := NewReader(data)
	req := &MetadataRequest{Streams: r.Strings()}
	return req, r.Err()
}

// Broker is a node referenced by stream metadata.
type Broker struct {
	Reference uint16
	Host      string
	Port      uint32
}

// StreamMetadata describes the leader and replicas of a stream.
type StreamMetadata struct {
	Stream   string
	Code     ResponseCode
	Leader   uint16
	Replicas []uint16
}

// MetadataResponse answers a MetadataRequest.
type MetadataResponse struct {
	Brokers []Broker
	Streams []StreamMetadata
}

func (resp *MetadataResponse) Encode() []byte {
	w := NewWriter(64)
	w.WriteUint32(uint32(len(resp.Brokers)))
	for _, b := range resp.Brokers {
		w.WriteUint16(b.Reference)
		w.WriteString(b.Host)
		w.WriteUint32(b.Port)
	}
	w.WriteUint32(uint32(len(resp.Streams)))
	for _, s := range resp.Streams {
		w.WriteString(s.Stream)
		w.WriteUint16(uint16(s.Code))
		w.WriteUint16(s.Leader)
		w.WriteUint32(uint32(len(s.Replicas)))
		for _, rep := range s.Replicas {
			w.WriteUint16(rep)
		}
	}
	return w.Bytes()
}

func DecodeMetadataResponse(data []byte) (*MetadataResponse, error) {
	r := NewReader(data)
	resp := &MetadataResponse{}
	nb := r.count()
	for i := 0; i < nb && r.Err() == nil; i++ {
		resp.Brokers = append(resp.Brokers, Broker{Reference: r.Uint16(), Host: r.String(), Port: r.Uint32()})
	}
	ns := r.count()
	for i := 0; i < ns && r.Err() == nil; i++ {
		s := StreamMetadata{Stream: r.String(), Code: ResponseCode(r.Uint16()), Leader: r.Uint16()}
		nr := r.count()
		for j := 0; j < nr && r.Err() == nil; j++ {
			s.Replicas = append(s.Replicas, r.Uint16())
		}
		resp.Streams = append(resp.Streams, s)
	}
	return resp, r.Err()
}

// MetadataUpdate is pushed when a stream becomes unavailable.
type MetadataUpdate struct {
	Code   ResponseCode
	Stream string
}

func (mu *MetadataUpdate) Encode() []byte {
	w := NewWriter(4 + len(mu.Stream))
	w.WriteUint16(uint16(mu.Code))
	w.WriteString(mu.Stream)
	return w.Bytes()
}

func DecodeMetadataUpdate(data []byte) (*MetadataUpdate, error) {
	r := NewReader(data)
	mu := &MetadataUpdate{Code: ResponseCode(r.Uint16()), Stream: r.String()}
	return mu, r.Err()
}

// RouteRequest resolves a routing key against a super stream.
type RouteRequest struct {
	RoutingKey  string
	SuperStream string
}

func (req *RouteRequest) Encode() []byte {
	w := NewWriter(4 + len(req.RoutingKey) + len(req.SuperStream))
	w.WriteString(req.RoutingKey)
	w.WriteString(req.SuperStream)
	return w.Bytes()
}

func DecodeRouteRequest(data []byte) (*RouteRequest, error) {
	r := NewReader(data)
	req := &RouteRequest{RoutingKey: r.String(), SuperStream: r.String()}
	return req, r.Err()
}

// StreamsResponse lists stream names (partitions and route responses).
type StreamsResponse struct {
	Streams []string
}

func (resp *StreamsResponse) Encode() []byte {
	w := NewWriter(32)
	w.WriteStrings(resp.Streams)
	return w.Bytes()
}

func DecodeStreamsResponse(data []byte) (*StreamsResponse, error) {
	r := NewReader(data)
	resp := &StreamsResponse{Streams: r.Strings()}
	return resp, r.Err()
}

// StreamStatsResponse carries named int64 statistics.
type StreamStatsResponse struct {
	Stats map[string]int64
}

func (resp *StreamStatsResponse) Encode() []byte {
	keys := make([]string, 0, len(resp.Stats))
	for k := range resp.Stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w := NewWriter(64)
	w.WriteUint32(uint32(len(keys)))
	for _, k := range keys {
		w.WriteString(k)
		w.WriteInt64(resp.Stats[k])
	}
	return w.Bytes()
}

func DecodeStreamStatsResponse(data []byte) (*StreamStatsResponse, error) {
	r := NewReader(data)
	n := r.count()
	resp := &StreamStatsResponse{Stats: make(map[string]int64, n)}
	for i := 0; i < n && r.Err() == nil; i++ {
		k := r.String()
		resp.Stats[k] = r.Int64()
	}
	return resp, r.Err()
}
