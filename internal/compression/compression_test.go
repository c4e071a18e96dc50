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

package compression

import (
	"bytes"
	"fmt"
	"testing"

	"flystream/internal/protocol"
)

func TestCompressionTypeString(t *testing.T) {
	tests := []struct {
		ct       CompressionType
		expected string
	}{
		{CompressionNone, "none"},
		{CompressionGzip, "gzip"},
		{CompressionSnappy, "snappy"},
		{CompressionLZ4, "lz4"},
		{CompressionZstd, "zstd"},
		{CompressionType(7), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.ct.String(); got != tt.expected {
			t.Errorf("CompressionType(%d).String() = %s, want %s", tt.ct, got, tt.expected)
		}
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		input    string
		expected CompressionType
		wantErr  bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"gzip", CompressionGzip, false},
		{"snappy", CompressionSnappy, false},
		{"lz4", CompressionLZ4, false},
		{"zstd", CompressionZstd, false},
		{"brotli", CompressionNone, true},
	}

	for _, tt := range tests {
		got, err := ParseCompressionType(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseCompressionType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
		if got != tt.expected {
			t.Errorf("ParseCompressionType(%q) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}

func TestCompressors(t *testing.T) {
	original := bytes.Repeat([]byte("stream compression test payload "), 64)

	for _, typ := range []CompressionType{CompressionNone, CompressionGzip, CompressionSnappy, CompressionLZ4, CompressionZstd} {
		t.Run(typ.String(), func(t *testing.T) {
			c, err := NewCompressor(typ)
			if err != nil {
				t.Fatalf("NewCompressor failed: %v", err)
			}
			if c.Type() != typ {
				t.Errorf("Type() = %s, want %s", c.Type(), typ)
			}

			compressed, err := c.Compress(original)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			if typ != CompressionNone && len(compressed) >= len(original) {
				t.Errorf("compressed size %d not smaller than %d", len(compressed), len(original))
			}

			decompressed, err := c.Decompress(compressed, len(original))
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if !bytes.Equal(original, decompressed) {
				t.Error("Decompressed data does not match original")
			}
		})
	}
}

func TestNewCompressorUnknown(t *testing.T) {
	if _, err := NewCompressor(CompressionType(6)); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestSubEntryRoundTrip(t *testing.T) {
	messages := make([][]byte, 0, 10)
	for i := 0; i < 10; i++ {
		messages = append(messages, protocol.EncodeMessage(&protocol.Message{Body: []byte(fmt.Sprintf("message %d", i))}))
	}

	for _, typ := range []CompressionType{CompressionNone, CompressionGzip, CompressionZstd} {
		c, _ := NewCompressor(typ)
		raw, err := EncodeSubEntry(c, messages)
		if err != nil {
			t.Fatalf("%s: EncodeSubEntry failed: %v", typ, err)
		}

		entry, err := protocol.ParseEntry(raw)
		if err != nil {
			t.Fatalf("%s: ParseEntry failed: %v", typ, err)
		}
		if !entry.SubEntry || entry.Codec != uint8(typ) || entry.Records != 10 {
			t.Fatalf("%s: entry header = %+v", typ, entry)
		}

		decoded, err := DecodeEntry(entry)
		if err != nil {
			t.Fatalf("%s: DecodeEntry failed: %v", typ, err)
		}
		if len(decoded) != len(messages) {
			t.Fatalf("%s: got %d messages, want %d", typ, len(decoded), len(messages))
		}
		for i := range messages {
			if !bytes.Equal(decoded[i], messages[i]) {
				t.Errorf("%s: message %d mismatch", typ, i)
			}
		}
	}
}

func TestDecodeSimpleEntry(t *testing.T) {
	msg := protocol.EncodeMessage(&protocol.Message{Body: []byte("one")})
	entry, err := protocol.ParseEntry(protocol.EncodeSimpleEntry(msg))
	if err != nil {
		t.Fatalf("ParseEntry failed: %v", err)
	}
	decoded, err := DecodeEntry(entry)
	if err != nil {
		t.Fatalf("DecodeEntry failed: %v", err)
	}
	if len(decoded) != 1 || !bytes.Equal(decoded[0], msg) {
		t.Errorf("decoded = %v", decoded)
	}
}
