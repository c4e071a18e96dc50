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
Package compression implements the sub-entry batch codecs.

SUPPORTED ALGORITHMS:
=====================
The codec id is carried in bits 4-6 of the sub-entry flag byte:

	Id | Algorithm | Format
	---|-----------|------------------------
	0  | None      | raw records
	1  | Gzip      | gzip stream
	2  | Snappy    | snappy block
	3  | LZ4       | lz4 frame
	4  | Zstd      | zstd frame

BATCH COMPRESSION:
==================
Messages are concatenated as [uint32 len][message] records and the whole
record block is compressed as a unit. The uncompressed size travels in the
sub-entry header so readers can size their buffers.
*/
package compression

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"flystream/internal/protocol"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionType identifies a sub-entry codec.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionGzip
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompressionType parses a compression type from string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "gzip":
		return CompressionGzip, nil
	case "snappy":
		return CompressionSnappy, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", s)
	}
}

// Compressor provides compression and decompression functionality.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, uncompressedSize int) ([]byte, error)
	Type() CompressionType
}

// NewCompressor returns the compressor for typ.
func NewCompressor(typ CompressionType) (Compressor, error) {
	switch typ {
	case CompressionNone:
		return noopCompressor{}, nil
	case CompressionGzip:
		return gzipCompressor{}, nil
	case CompressionSnappy:
		return snappyCompressor{}, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	case CompressionZstd:
		return zstdCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression codec %d", typ)
	}
}

type noopCompressor struct{}

func (noopCompressor) Compress(data []byte) ([]byte, error)        { return data, nil }
func (noopCompressor) Decompress(data []byte, _ int) ([]byte, error) { return data, nil }
func (noopCompressor) Type() CompressionType                        { return CompressionNone }

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte, size int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readAllSized(r, size)
}

func (gzipCompressor) Type() CompressionType { return CompressionGzip }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte, _ int) ([]byte, error) {
	return snappy.Decode(nil, data)
}

func (snappyCompressor) Type() CompressionType { return CompressionSnappy }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte, size int) ([]byte, error) {
	return readAllSized(lz4.NewReader(bytes.NewReader(data)), size)
}

func (lz4Compressor) Type() CompressionType { return CompressionLZ4 }

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(data, nil), nil
}

func (zstdCompressor) Decompress(data []byte, size int) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(data, make([]byte, 0, size))
}

func (zstdCompressor) Type() CompressionType { return CompressionZstd }

func readAllSized(r io.Reader, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeSubEntry packs messages into one sub-entry compressed with c.
func EncodeSubEntry(c Compressor, messages [][]byte) ([]byte, error) {
	if len(messages) > 0xffff {
		return nil, fmt.Errorf("sub-entry holds at most %d messages, got %d", 0xffff, len(messages))
	}
	size := 0
	for _, m := range messages {
		size += 4 + len(m)
	}
	records := make([]byte, 0, size)
	for _, m := range messages {
		records = protocol.AppendRecord(records, m)
	}

	data, err := c.Compress(records)
	if err != nil {
		return nil, fmt.Errorf("%s compress: %w", c.Type(), err)
	}
	return protocol.EncodeSubEntry(uint8(c.Type()), uint16(len(messages)), uint32(len(records)), data), nil
}

// DecodeEntry returns the encoded messages held by an entry, decompressing
// sub-entries.
func DecodeEntry(e protocol.Entry) ([][]byte, error) {
	if !e.SubEntry {
		return [][]byte{e.Data}, nil
	}
	c, err := NewCompressor(CompressionType(e.Codec))
	if err != nil {
		return nil, err
	}
	records, err := c.Decompress(e.Data, int(e.UncompressedSize))
	if err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c.Type(), err)
	}
	if len(records) != int(e.UncompressedSize) {
		return nil, fmt.Errorf("%s decompress: size %d, expected %d", c.Type(), len(records), e.UncompressedSize)
	}
	return protocol.SplitRecords(records, int(e.Records))
}
