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
	"errors"
	"fmt"

	"flystream/internal/mux"
	"flystream/internal/protocol"
)

// Connection errors, shared with the multiplexer.
var (
	ErrAlreadyClosed    = mux.ErrAlreadyClosed
	ErrConnectionClosed = mux.ErrConnectionClosed
	ErrTimeout          = mux.ErrTimeout
	ErrNoFreeID         = mux.ErrNoFreeID
)

// Resource errors.
var (
	// ErrFilteringNotSupported is returned when filtering is configured and
	// the broker does not accept Publish version 2.
	ErrFilteringNotSupported = errors.New("filtering is not supported by the broker")

	// ErrStreamNotAvailable closes producers and consumers whose stream was
	// deleted or lost its leader.
	ErrStreamNotAvailable = errors.New("stream not available")

	// ErrInvalidOptions wraps option validation failures.
	ErrInvalidOptions = errors.New("invalid options")
)

// Producer errors.
var (
	ErrProducerClosed          = errors.New("producer closed")
	ErrConfirmationQueueClosed = errors.New("confirmation queue closed")
	ErrPublishingIDReused      = errors.New("publishing id already used")
)

// Consumer errors.
var (
	ErrConsumerClosed                  = errors.New("consumer closed")
	ErrNameMissing                     = errors.New("consumer name is required")
	ErrSingleActiveConsumerNameMissing = errors.New("single active consumer requires a consumer name")
	ErrCreditCeiling                   = errors.New("credit above ceiling")
	ErrNothingConsumed                 = errors.New("no message consumed yet")
	ErrNoOffset                        = errors.New("no offset")
)

// Super stream error kinds, matched with errors.Is on a *SuperStreamError.
var (
	ErrSuperStreamCreate  = errors.New("super stream partition create failed")
	ErrSuperStreamPublish = errors.New("super stream partition publish failed")
)

// RequestError is a non-OK broker response. Use errors.As to read the
// command, target and response code.
type RequestError = mux.RequestError

// ResponseCode is a broker response status.
type ResponseCode = protocol.ResponseCode

// Response codes callers commonly check.
const (
	ResponseOK                    = protocol.ResponseOK
	ResponseStreamDoesNotExist    = protocol.ResponseStreamDoesNotExist
	ResponseStreamAlreadyExists   = protocol.ResponseStreamAlreadyExists
	ResponseStreamNotAvailable    = protocol.ResponseStreamNotAvailable
	ResponseAuthenticationFailure = protocol.ResponseAuthenticationFailure
	ResponsePublisherDoesNotExist = protocol.ResponsePublisherDoesNotExist
	ResponseNoOffset              = protocol.ResponseNoOffset
	ResponsePreconditionFailed    = protocol.ResponsePreconditionFailed
)

// StreamDoesNotExistError is returned when a producer or consumer is
// declared on a stream the broker does not know.
type StreamDoesNotExistError struct {
	Stream string
}

func (e *StreamDoesNotExistError) Error() string {
	return fmt.Sprintf("stream %q does not exist", e.Stream)
}

// BatchSendError fails every entry of a batch whose write failed.
type BatchSendError struct {
	Stream        string
	PublishingIDs []uint64
	Err           error
}

func (e *BatchSendError) Error() string {
	return fmt.Sprintf("send batch of %d to %s: %v", len(e.PublishingIDs), e.Stream, e.Err)
}

func (e *BatchSendError) Unwrap() error {
	return e.Err
}

// SuperStreamError reports a partition failure. Kind is one of
// ErrSuperStreamCreate or ErrSuperStreamPublish.
type SuperStreamError struct {
	Kind        error
	SuperStream string
	Partition   string
	Err         error
}

func (e *SuperStreamError) Error() string {
	return fmt.Sprintf("%v: %s partition %s: %v", e.Kind, e.SuperStream, e.Partition, e.Err)
}

func (e *SuperStreamError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// IsStreamDoesNotExist reports whether err means the stream is unknown,
// either from a metadata check or a broker response.
func IsStreamDoesNotExist(err error) bool {
	var sde *StreamDoesNotExistError
	if errors.As(err, &sde) {
		return true
	}
	code, ok := mux.CodeOf(err)
	return ok && code == protocol.ResponseStreamDoesNotExist
}
