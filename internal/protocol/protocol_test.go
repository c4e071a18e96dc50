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

package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameKinds(t *testing.T) {
	tests := []struct {
		name       string
		frame      *Frame
		wantKind   FrameKind
		wantTarget bool
	}{
		{
			name:     "request",
			frame:    NewRequest(CommandDeclarePublisher, Version1, 7, []byte{1, 2}),
			wantKind: KindRequest,
		},
		{
			name:     "response",
			frame:    NewResponse(CommandDeclarePublisher, Version1, 7, ResponseOK, nil),
			wantKind: KindResponse,
		},
		{
			name:       "deliver push",
			frame:      NewPush(CommandDeliver, Version1, []byte{3, 0, 0}),
			wantKind:   KindPush,
			wantTarget: true,
		},
		{
			name:     "heartbeat push",
			frame:    NewPush(CommandHeartbeat, Version1, nil),
			wantKind: KindPush,
		},
		{
			name:     "tune push",
			frame:    NewPush(CommandTune, Version1, (&Tune{FrameMax: 1, Heartbeat: 2}).Encode()),
			wantKind: KindPush,
		},
		{
			name:     "server initiated request",
			frame:    NewRequest(CommandConsumerUpdate, Version1, 99, []byte{4, 1}),
			wantKind: KindRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.frame)
			size := binary.BigEndian.Uint32(encoded)
			if int(size) != len(encoded)-4 {
				t.Fatalf("size field = %d, want %d", size, len(encoded)-4)
			}

			got, err := Decode(encoded[4:])
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Command != tt.frame.Command {
				t.Errorf("Command = %v, want %v", got.Command, tt.frame.Command)
			}
			if got.CorrelationID != tt.frame.CorrelationID {
				t.Errorf("CorrelationID = %d, want %d", got.CorrelationID, tt.frame.CorrelationID)
			}
			if got.Code != tt.frame.Code {
				t.Errorf("Code = %v, want %v", got.Code, tt.frame.Code)
			}
			if got.HasTarget != tt.wantTarget {
				t.Errorf("HasTarget = %v, want %v", got.HasTarget, tt.wantTarget)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("Payload = %v, want %v", got.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestCreditErrorPushKeepsResponseFlag(t *testing.T) {
	f := NewPush(CommandCredit, Version1, (&CreditResponse{SubscriptionID: 5, Code: ResponseSubscriptionIDDoesNotExist}).Encode())
	f.Response = true

	got, err := Decode(Encode(f)[4:])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Kind != KindPush || !got.Response {
		t.Fatalf("got kind %v response %v, want push response", got.Kind, got.Response)
	}
	if got.TargetID != 5 {
		t.Errorf("TargetID = %d, want 5", got.TargetID)
	}
	resp, err := DecodeCreditResponse(got.Payload)
	if err != nil {
		t.Fatalf("DecodeCreditResponse() error = %v", err)
	}
	if resp.Code != ResponseSubscriptionIDDoesNotExist {
		t.Errorf("Code = %v", resp.Code)
	}
}

func TestReadFrame(t *testing.T) {
	valid := Encode(NewRequest(CommandMetadata, Version1, 1, (&MetadataRequest{Streams: []string{"s"}}).Encode()))

	oversized := make([]byte, 4)
	binary.BigEndian.PutUint32(oversized, 2048)

	tests := []struct {
		name    string
		input   []byte
		max     uint32
		wantErr error
	}{
		{name: "valid", input: valid},
		{name: "too large for negotiated max", input: oversized, max: 1024, wantErr: ErrFrameTooLarge},
		{name: "short size", input: []byte{0, 0}, wantErr: io.ErrUnexpectedEOF},
		{name: "truncated body", input: valid[:len(valid)-2], wantErr: io.ErrUnexpectedEOF},
		{name: "body shorter than header", input: []byte{0, 0, 0, 2, 0, 1}, wantErr: ErrInvalidFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input), tt.max)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ReadFrame() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ReadFrame() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	req := &SubscribeRequest{
		SubscriptionID: 2,
		Stream:         "orders",
		Offset:         OffsetSpec{Type: OffsetTypeOffset, Value: 42},
		Credit:         10,
		Properties:     map[string]string{"name": "c1", "single-active-consumer": "true"},
	}
	if err := WriteFrame(&buf, NewRequest(CommandSubscribe, Version1, 3, req.Encode())); err != nil {
		t.Fatalf("WriteFrame() error = %v", err)
	}

	f, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	got, err := DecodeSubscribeRequest(f.Payload)
	if err != nil {
		t.Fatalf("DecodeSubscribeRequest() error = %v", err)
	}
	if got.SubscriptionID != 2 || got.Stream != "orders" || got.Credit != 10 {
		t.Errorf("got %+v", got)
	}
	if got.Offset != req.Offset {
		t.Errorf("Offset = %+v, want %+v", got.Offset, req.Offset)
	}
	if got.Properties["name"] != "c1" {
		t.Errorf("Properties = %v", got.Properties)
	}
}

func TestPublishVersions(t *testing.T) {
	p := &Publish{
		PublisherID: 4,
		Entries: []PublishEntry{
			{PublishingID: 0, FilterValue: "eu", Entry: EncodeSimpleEntry(EncodeMessage(&Message{Body: []byte("a")}))},
			{PublishingID: 5, FilterValue: "us", Entry: EncodeSimpleEntry(EncodeMessage(&Message{Body: []byte("b")}))},
		},
	}

	for _, version := range []uint16{Version1, Version2} {
		got, err := DecodePublish(p.Encode(version), version)
		if err != nil {
			t.Fatalf("v%d: DecodePublish() error = %v", version, err)
		}
		if got.PublisherID != 4 || len(got.Entries) != 2 {
			t.Fatalf("v%d: got %+v", version, got)
		}
		if got.Entries[1].PublishingID != 5 {
			t.Errorf("v%d: PublishingID = %d", version, got.Entries[1].PublishingID)
		}
		wantFilter := ""
		if version == Version2 {
			wantFilter = "us"
		}
		if got.Entries[1].FilterValue != wantFilter {
			t.Errorf("v%d: FilterValue = %q, want %q", version, got.Entries[1].FilterValue, wantFilter)
		}
		if !bytes.Equal(got.Entries[0].Entry, p.Entries[0].Entry) {
			t.Errorf("v%d: entry bytes changed", version)
		}
	}
}

func TestDeliverChunk(t *testing.T) {
	var records []byte
	records = AppendRecord(records, EncodeMessage(&Message{Body: []byte("x")}))
	records = AppendRecord(records, EncodeMessage(&Message{Body: []byte("y"), Properties: map[string]string{"k": "v"}}))

	d := &Deliver{
		SubscriptionID: 9,
		Chunk: Chunk{
			FirstOffset: 100,
			Timestamp:   1700000000000,
			Entries: []Entry{
				{Records: 1, Data: EncodeMessage(&Message{Body: []byte("w")})},
				{SubEntry: true, Codec: 0, Records: 2, UncompressedSize: uint32(len(records)), Data: records},
			},
		},
	}

	got, err := DecodeDeliver(d.Encode())
	if err != nil {
		t.Fatalf("DecodeDeliver() error = %v", err)
	}
	if got.SubscriptionID != 9 || got.Chunk.FirstOffset != 100 || got.Chunk.Timestamp != 1700000000000 {
		t.Fatalf("got %+v", got)
	}
	if got.Chunk.NumRecords() != 3 {
		t.Errorf("NumRecords() = %d, want 3", got.Chunk.NumRecords())
	}

	sub := got.Chunk.Entries[1]
	if !sub.SubEntry || sub.Records != 2 {
		t.Fatalf("sub-entry = %+v", sub)
	}
	msgs, err := SplitRecords(sub.Data, int(sub.Records))
	if err != nil {
		t.Fatalf("SplitRecords() error = %v", err)
	}
	m, err := DecodeMessage(msgs[1])
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if string(m.Body) != "y" || m.Properties["k"] != "v" {
		t.Errorf("message = %+v", m)
	}
}

func TestParseEntry(t *testing.T) {
	simple := EncodeSimpleEntry(EncodeMessage(&Message{Body: []byte("hello")}))
	e, err := ParseEntry(simple)
	if err != nil {
		t.Fatalf("ParseEntry(simple) error = %v", err)
	}
	if e.SubEntry || e.Records != 1 {
		t.Errorf("simple entry = %+v", e)
	}

	sub := EncodeSubEntry(3, 7, 512, []byte{1, 2, 3})
	e, err = ParseEntry(sub)
	if err != nil {
		t.Fatalf("ParseEntry(sub) error = %v", err)
	}
	if !e.SubEntry || e.Codec != 3 || e.Records != 7 || e.UncompressedSize != 512 {
		t.Errorf("sub entry = %+v", e)
	}

	if _, err := ParseEntry(simple[:len(simple)-1]); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("truncated entry error = %v", err)
	}
}

func TestDecodeTruncatedPayloads(t *testing.T) {
	full := (&MetadataResponse{
		Brokers: []Broker{{Reference: 0, Host: "localhost", Port: 5552}},
		Streams: []StreamMetadata{{Stream: "s", Code: ResponseOK, Leader: 0, Replicas: []uint16{0}}},
	}).Encode()

	if _, err := DecodeMetadataResponse(full); err != nil {
		t.Fatalf("DecodeMetadataResponse() error = %v", err)
	}
	for i := 0; i < len(full); i++ {
		if _, err := DecodeMetadataResponse(full[:i]); !errors.Is(err, ErrInvalidFormat) {
			t.Fatalf("prefix %d: error = %v, want ErrInvalidFormat", i, err)
		}
	}
}

func TestPlainSaslData(t *testing.T) {
	got := PlainSaslData("guest", "secret")
	want := []byte("\x00guest\x00secret")
	if !bytes.Equal(got, want) {
		t.Errorf("PlainSaslData() = %q, want %q", got, want)
	}
}

func TestCommandStrings(t *testing.T) {
	if CommandDeliver.String() != "deliver" {
		t.Errorf("String() = %q", CommandDeliver.String())
	}
	if Command(0x7fff).String() != "command(0x7fff)" {
		t.Errorf("unknown String() = %q", Command(0x7fff).String())
	}
	if ResponseNoOffset.String() != "no offset" {
		t.Errorf("String() = %q", ResponseNoOffset.String())
	}
}
