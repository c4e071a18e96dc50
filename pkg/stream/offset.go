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
	"fmt"
	"strconv"
	"time"

	"flystream/internal/protocol"
)

// OffsetSpecification selects where a consumer starts reading.
type OffsetSpecification struct {
	typ   protocol.OffsetType
	value int64
}

// OffsetFirst starts at the first offset still in the stream.
func OffsetFirst() OffsetSpecification {
	return OffsetSpecification{typ: protocol.OffsetTypeFirst}
}

// OffsetLast starts at the last chunk of the stream.
func OffsetLast() OffsetSpecification {
	return OffsetSpecification{typ: protocol.OffsetTypeLast}
}

// OffsetNext starts after the last message, receiving only new ones.
func OffsetNext() OffsetSpecification {
	return OffsetSpecification{typ: protocol.OffsetTypeNext}
}

// OffsetAt starts at an absolute offset.
func OffsetAt(offset uint64) OffsetSpecification {
	return OffsetSpecification{typ: protocol.OffsetTypeOffset, value: int64(offset)}
}

// OffsetTimestamp starts at the first chunk written at or after t.
func OffsetTimestamp(t time.Time) OffsetSpecification {
	return OffsetSpecification{typ: protocol.OffsetTypeTimestamp, value: t.UnixMilli()}
}

// IsZero reports whether no specification was chosen.
func (o OffsetSpecification) IsZero() bool {
	return o.typ == 0
}

// Offset returns the absolute offset of an OffsetAt specification.
func (o OffsetSpecification) Offset() (uint64, bool) {
	if o.typ != protocol.OffsetTypeOffset {
		return 0, false
	}
	return uint64(o.value), true
}

func (o OffsetSpecification) String() string {
	switch o.typ {
	case protocol.OffsetTypeFirst:
		return "first"
	case protocol.OffsetTypeLast:
		return "last"
	case protocol.OffsetTypeNext:
		return "next"
	case protocol.OffsetTypeOffset:
		return fmt.Sprintf("offset:%d", o.value)
	case protocol.OffsetTypeTimestamp:
		return "timestamp:" + time.UnixMilli(o.value).UTC().Format(time.RFC3339)
	default:
		return "unset"
	}
}

// ParseOffsetSpecification parses first, last, next, a number, or an
// RFC 3339 timestamp.
func ParseOffsetSpecification(s string) (OffsetSpecification, error) {
	switch s {
	case "first":
		return OffsetFirst(), nil
	case "last":
		return OffsetLast(), nil
	case "", "next":
		return OffsetNext(), nil
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return OffsetAt(n), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return OffsetTimestamp(t), nil
	}
	return OffsetSpecification{}, fmt.Errorf("%w: offset %q", ErrInvalidOptions, s)
}

func (o OffsetSpecification) wire() protocol.OffsetSpec {
	if o.IsZero() {
		return protocol.OffsetSpec{Type: protocol.OffsetTypeNext}
	}
	return protocol.OffsetSpec{Type: o.typ, Value: o.value}
}
