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
	"errors"
	"fmt"

	"flystream/internal/protocol"
)

// Connection errors.
var (
	// ErrAlreadyClosed is returned by operations on a client the caller
	// already closed, and by a second Close.
	ErrAlreadyClosed = errors.New("already closed")

	// ErrConnectionClosed is returned to pending and future operations when
	// the connection is lost.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrTimeout is returned when the broker does not answer in time.
	ErrTimeout = errors.New("timeout")

	// ErrNoFreeID is returned when all publisher or subscription ids of a
	// connection are in use.
	ErrNoFreeID = errors.New("no free id on connection")
)

// RequestError is a non-OK response from the broker.
type RequestError struct {
	Command protocol.Command
	Target  string
	Code    protocol.ResponseCode
}

func (e *RequestError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Code)
	}
	return fmt.Sprintf("%s %s: %s", e.Command, e.Target, e.Code)
}

// CodeOf returns the broker response code carried by err, if any.
func CodeOf(err error) (protocol.ResponseCode, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return 0, false
}
