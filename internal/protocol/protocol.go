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
Package protocol defines the stream wire protocol.

FRAME FORMAT:
=============
Every frame is a 4-byte size followed by a command key, a version and the
command payload:

	+-------+-------+-------+-------+-------+-------+-------+-------+
	| Size (4 bytes, big-endian)    | Key (2 bytes) | Version (2)   |
	+-------+-------+-------+-------+-------+-------+-------+-------+
	|                  Payload (Size - 4 bytes)                     |
	+---------------------------------------------------------------+

Size counts every byte after the size field itself.

FRAME KINDS:
============
- Request:  payload starts with a uint32 correlation id
- Response: key has the 0x8000 bit set, payload starts with the correlation id
  followed by a uint16 response code
- Push:     no correlation id. Publish, confirms, errors, deliveries and
  credit frames carry the publisher or subscription id as their first
  payload byte.

PAYLOAD ENCODING:
=================

	Strings:     [int16 length][UTF-8 bytes]
	Byte slices: [int32 length][raw bytes]
	Integers:    big-endian
	Arrays/maps: [int32 count][elements...]

See binary.go for the command payloads and chunk.go for delivery chunks.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Protocol constants define the wire format parameters.
const (
	// Version1 is the base version of every command.
	Version1 uint16 = 1

	// Version2 of Publish carries a filter value per entry.
	Version2 uint16 = 2

	// DefaultFrameMax is the frame size the client asks for during tuning.
	DefaultFrameMax uint32 = 1024 * 1024

	// MaxFrameSize is the hard upper bound regardless of tuning.
	MaxFrameSize = 32 * 1024 * 1024

	// HeaderSize is key + version, excluding the size field.
	HeaderSize = 4

	// ResponseFlag marks a frame as a response to a request.
	ResponseFlag uint16 = 0x8000
)

// Command identifies the operation carried by a frame.
type Command uint16

// Command keys.
const (
	CommandDeclarePublisher        Command = 0x0001
	CommandPublish                 Command = 0x0002
	CommandPublishConfirm          Command = 0x0003
	CommandPublishError            Command = 0x0004
	CommandQueryPublisherSequence  Command = 0x0005
	CommandDeletePublisher         Command = 0x0006
	CommandSubscribe               Command = 0x0007
	CommandDeliver                 Command = 0x0008
	CommandCredit                  Command = 0x0009
	CommandStoreOffset             Command = 0x000a
	CommandQueryOffset             Command = 0x000b
	CommandUnsubscribe             Command = 0x000c
	CommandCreate                  Command = 0x000d
	CommandDelete                  Command = 0x000e
	CommandMetadata                Command = 0x000f
	CommandMetadataUpdate          Command = 0x0010
	CommandPeerProperties          Command = 0x0011
	CommandSaslHandshake           Command = 0x0012
	CommandSaslAuthenticate        Command = 0x0013
	CommandTune                    Command = 0x0014
	CommandOpen                    Command = 0x0015
	CommandClose                   Command = 0x0016
	CommandHeartbeat               Command = 0x0017
	CommandRoute                   Command = 0x0018
	CommandPartitions              Command = 0x0019
	CommandConsumerUpdate          Command = 0x001a
	CommandExchangeCommandVersions Command = 0x001b
	CommandStreamStats             Command = 0x001c
	CommandCreateSuperStream       Command = 0x001d
	CommandDeleteSuperStream       Command = 0x001e
)

var commandNames = map[Command]string{
	CommandDeclarePublisher:        "declare-publisher",
	CommandPublish:                 "publish",
	CommandPublishConfirm:          "publish-confirm",
	CommandPublishError:            "publish-error",
	CommandQueryPublisherSequence:  "query-publisher-sequence",
	CommandDeletePublisher:         "delete-publisher",
	CommandSubscribe:               "subscribe",
	CommandDeliver:                 "deliver",
	CommandCredit:                  "credit",
	CommandStoreOffset:             "store-offset",
	CommandQueryOffset:             "query-offset",
	CommandUnsubscribe:             "unsubscribe",
	CommandCreate:                  "create-stream",
	CommandDelete:                  "delete-stream",
	CommandMetadata:                "metadata",
	CommandMetadataUpdate:          "metadata-update",
	CommandPeerProperties:          "peer-properties",
	CommandSaslHandshake:           "sasl-handshake",
	CommandSaslAuthenticate:        "sasl-authenticate",
	CommandTune:                    "tune",
	CommandOpen:                    "open",
	CommandClose:                   "close",
	CommandHeartbeat:               "heartbeat",
	CommandRoute:                   "route",
	CommandPartitions:              "partitions",
	CommandConsumerUpdate:          "consumer-update",
	CommandExchangeCommandVersions: "exchange-command-versions",
	CommandStreamStats:             "stream-stats",
	CommandCreateSuperStream:       "create-super-stream",
	CommandDeleteSuperStream:       "delete-super-stream",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(0x%04x)", uint16(c))
}

// ResponseCode is the status the broker attaches to every response.
type ResponseCode uint16

// Response codes.
const (
	ResponseOK                                ResponseCode = 1
	ResponseStreamDoesNotExist                ResponseCode = 2
	ResponseSubscriptionIDAlreadyExists       ResponseCode = 3
	ResponseSubscriptionIDDoesNotExist        ResponseCode = 4
	ResponseStreamAlreadyExists               ResponseCode = 5
	ResponseStreamNotAvailable                ResponseCode = 6
	ResponseSaslMechanismNotSupported         ResponseCode = 7
	ResponseAuthenticationFailure             ResponseCode = 8
	ResponseSaslError                         ResponseCode = 9
	ResponseSaslChallenge                     ResponseCode = 10
	ResponseSaslAuthenticationFailureLoopback ResponseCode = 11
	ResponseVirtualHostAccessFailure          ResponseCode = 12
	ResponseUnknownFrame                      ResponseCode = 13
	ResponseFrameTooLarge                     ResponseCode = 14
	ResponseInternalError                     ResponseCode = 15
	ResponseAccessRefused                     ResponseCode = 16
	ResponsePreconditionFailed                ResponseCode = 17
	ResponsePublisherDoesNotExist             ResponseCode = 18
	ResponseNoOffset                          ResponseCode = 19
)

var responseNames = map[ResponseCode]string{
	ResponseOK:                                "ok",
	ResponseStreamDoesNotExist:                "stream does not exist",
	ResponseSubscriptionIDAlreadyExists:       "subscription id already exists",
	ResponseSubscriptionIDDoesNotExist:        "subscription id does not exist",
	ResponseStreamAlreadyExists:               "stream already exists",
	ResponseStreamNotAvailable:                "stream not available",
	ResponseSaslMechanismNotSupported:         "sasl mechanism not supported",
	ResponseAuthenticationFailure:             "authentication failure",
	ResponseSaslError:                         "sasl error",
	ResponseSaslChallenge:                     "sasl challenge",
	ResponseSaslAuthenticationFailureLoopback: "sasl authentication failure loopback",
	ResponseVirtualHostAccessFailure:          "virtual host access failure",
	ResponseUnknownFrame:                      "unknown frame",
	ResponseFrameTooLarge:                     "frame too large",
	ResponseInternalError:                     "internal error",
	ResponseAccessRefused:                     "access refused",
	ResponsePreconditionFailed:                "precondition failed",
	ResponsePublisherDoesNotExist:             "publisher does not exist",
	ResponseNoOffset:                          "no offset",
}

func (c ResponseCode) String() string {
	if name, ok := responseNames[c]; ok {
		return name
	}
	return fmt.Sprintf("response(%d)", uint16(c))
}

// FrameKind is the tag of the Frame variant.
type FrameKind int

const (
	KindRequest FrameKind = iota
	KindResponse
	KindPush
)

func (k FrameKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// Frame is a decoded protocol frame.
//
// For requests Payload holds the bytes after the correlation id, for
// responses the bytes after the response code. Push frames keep their whole
// payload, including the target id byte that TargetID mirrors.
type Frame struct {
	Kind          FrameKind
	Command       Command
	Version       uint16
	Response      bool // key carried ResponseFlag
	CorrelationID uint32
	Code          ResponseCode
	TargetID      uint8
	HasTarget     bool
	Payload       []byte
}

// Protocol errors returned while reading or decoding frames.
var (
	// ErrFrameTooLarge indicates the frame exceeds the allowed size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrInvalidFormat indicates a truncated or malformed payload.
	ErrInvalidFormat = errors.New("invalid frame format")
)

// uncorrelated lists commands that never carry a correlation id.
func uncorrelated(c Command) bool {
	switch c {
	case CommandPublish, CommandPublishConfirm, CommandPublishError,
		CommandDeliver, CommandCredit, CommandStoreOffset,
		CommandMetadataUpdate, CommandHeartbeat, CommandTune:
		return true
	}
	return false
}

// targeted lists push commands whose first payload byte is a publisher or
// subscription id.
func targeted(c Command) bool {
	switch c {
	case CommandPublish, CommandPublishConfirm, CommandPublishError,
		CommandDeliver, CommandCredit:
		return true
	}
	return false
}

// NewRequest builds a request frame.
func NewRequest(cmd Command, version uint16, correlationID uint32, payload []byte) *Frame {
	return &Frame{Kind: KindRequest, Command: cmd, Version: version, CorrelationID: correlationID, Payload: payload}
}

// NewResponse builds a response frame.
func NewResponse(cmd Command, version uint16, correlationID uint32, code ResponseCode, payload []byte) *Frame {
	return &Frame{Kind: KindResponse, Command: cmd, Version: version, Response: true, CorrelationID: correlationID, Code: code, Payload: payload}
}

// NewPush builds a frame without correlation id. The payload must already
// contain the target id byte for targeted commands.
func NewPush(cmd Command, version uint16, payload []byte) *Frame {
	f := &Frame{Kind: KindPush, Command: cmd, Version: version, Payload: payload}
	if targeted(cmd) && len(payload) > 0 {
		f.TargetID = payload[0]
		f.HasTarget = true
	}
	return f
}

// Encode serializes a frame including its size prefix.
func Encode(f *Frame) []byte {
	size := HeaderSize + len(f.Payload)
	switch f.Kind {
	case KindRequest:
		size += 4
	case KindResponse:
		size += 6
	}

	buf := make([]byte, 4+size)
	binary.BigEndian.PutUint32(buf[0:], uint32(size))
	key := uint16(f.Command)
	if f.Kind == KindResponse || f.Response {
		key |= ResponseFlag
	}
	binary.BigEndian.PutUint16(buf[4:], key)
	binary.BigEndian.PutUint16(buf[6:], f.Version)

	offset := 8
	switch f.Kind {
	case KindRequest:
		binary.BigEndian.PutUint32(buf[offset:], f.CorrelationID)
		offset += 4
	case KindResponse:
		binary.BigEndian.PutUint32(buf[offset:], f.CorrelationID)
		binary.BigEndian.PutUint16(buf[offset+4:], uint16(f.Code))
		offset += 6
	}
	copy(buf[offset:], f.Payload)
	return buf
}

// Decode parses a frame body (everything after the size field).
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidFormat
	}
	key := binary.BigEndian.Uint16(data[0:])
	f := &Frame{
		Command:  Command(key &^ ResponseFlag),
		Version:  binary.BigEndian.Uint16(data[2:]),
		Response: key&ResponseFlag != 0,
	}
	rest := data[HeaderSize:]

	switch {
	case uncorrelated(f.Command):
		f.Kind = KindPush
		if targeted(f.Command) {
			if len(rest) < 1 {
				return nil, ErrInvalidFormat
			}
			f.TargetID = rest[0]
			f.HasTarget = true
		}
	case f.Response:
		if len(rest) < 6 {
			return nil, ErrInvalidFormat
		}
		f.Kind = KindResponse
		f.CorrelationID = binary.BigEndian.Uint32(rest[0:])
		f.Code = ResponseCode(binary.BigEndian.Uint16(rest[4:]))
		rest = rest[6:]
	default:
		if len(rest) < 4 {
			return nil, ErrInvalidFormat
		}
		f.Kind = KindRequest
		f.CorrelationID = binary.BigEndian.Uint32(rest[0:])
		rest = rest[4:]
	}
	f.Payload = rest
	return f, nil
}

// ReadFrame reads one frame, rejecting frames larger than maxSize (0 means
// MaxFrameSize).
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	limit := maxSize
	if limit == 0 || limit > MaxFrameSize {
		limit = MaxFrameSize
	}
	if size > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if size < HeaderSize {
		return nil, ErrInvalidFormat
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return Decode(body)
}

// WriteFrame writes one encoded frame.
func WriteFrame(w io.Writer, f *Frame) error {
	_, err := w.Write(Encode(f))
	return err
}
