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
Connection lifecycle logging.

Each connection is tagged with the client provided connection name so that
entries from the mux, producers and consumers sharing a connection can be
correlated. Credentials and message payloads are never logged.
*/
package logging

import (
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// ConnectionLogger logs the lifecycle of one broker connection.
type ConnectionLogger struct {
	logger *Logger
	opened time.Time
}

// NewConnectionLogger creates a connection logger tagged with name.
func NewConnectionLogger(logger *Logger, name string) *ConnectionLogger {
	return &ConnectionLogger{logger: logger.With("connection", name)}
}

// Logger returns the tagged logger.
func (cl *ConnectionLogger) Logger() *Logger {
	return cl.logger
}

// LogConnected logs an established connection.
func (cl *ConnectionLogger) LogConnected(conn net.Conn) {
	cl.opened = time.Now()
	fields := []interface{}{
		"remote_addr", conn.RemoteAddr().String(),
		"local_addr", conn.LocalAddr().String(),
	}
	if tc, ok := conn.(*tls.Conn); ok {
		state := tc.ConnectionState()
		fields = append(fields,
			"tls_version", fmt.Sprintf("0x%04x", state.Version),
			"cipher_suite", tls.CipherSuiteName(state.CipherSuite),
		)
	}
	cl.logger.Info("Connected to broker", fields...)
}

// LogHandshake logs the negotiated connection parameters.
func (cl *ConnectionLogger) LogHandshake(frameMax uint32, heartbeat time.Duration, filtering bool) {
	cl.logger.Debug("Handshake complete",
		"frame_max", frameMax,
		"heartbeat", heartbeat,
		"filtering", filtering,
	)
}

// LogClosed logs a closed connection and why it closed.
func (cl *ConnectionLogger) LogClosed(reason error) {
	fields := []interface{}{}
	if !cl.opened.IsZero() {
		fields = append(fields, "duration_seconds", time.Since(cl.opened).Seconds())
	}
	if reason != nil {
		cl.logger.Warn("Connection closed", append(fields, "error", reason)...)
		return
	}
	cl.logger.Info("Connection closed", fields...)
}

// SanitizePayload describes a payload without exposing its content.
func SanitizePayload(data []byte) string {
	if len(data) == 0 {
		return "[empty]"
	}
	return fmt.Sprintf("[%d bytes]", len(data))
}
