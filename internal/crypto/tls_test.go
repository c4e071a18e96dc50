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

package crypto

import (
	"crypto/tls"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestValidateTLSFilesNotFound(t *testing.T) {
	err := ValidateTLSFiles("/nonexistent/cert.pem", "/nonexistent/key.pem")
	if !errors.Is(err, ErrCertNotFound) {
		t.Errorf("Expected ErrCertNotFound, got %v", err)
	}
}

func TestValidateTLSFilesKeyNotFound(t *testing.T) {
	certFile, _, err := GenerateSelfSigned(t.TempDir(), "localhost")
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}
	err = ValidateTLSFiles(certFile, "/nonexistent/key.pem")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

func TestNewServerTLSConfigCertNotFound(t *testing.T) {
	cfg := TLSConfig{
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	}

	if _, err := NewServerTLSConfig(cfg); err == nil {
		t.Error("Expected error for non-existent certificate")
	}
}

func TestNewClientTLSConfigBasic(t *testing.T) {
	tlsConfig, err := NewClientTLSConfig(TLSConfig{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("NewClientTLSConfig failed: %v", err)
	}
	if !tlsConfig.InsecureSkipVerify {
		t.Error("Expected InsecureSkipVerify to be true")
	}
	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("Expected TLS 1.2 minimum, got 0x%04x", tlsConfig.MinVersion)
	}
}

func TestNewClientTLSConfigCANotFound(t *testing.T) {
	_, err := NewClientTLSConfig(TLSConfig{CAFile: "/nonexistent/ca.pem"})
	if !errors.Is(err, ErrCANotFound) {
		t.Errorf("Expected ErrCANotFound, got %v", err)
	}
}

func TestNewClientTLSConfigInvalidCA(t *testing.T) {
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewClientTLSConfig(TLSConfig{CAFile: caFile})
	if !errors.Is(err, ErrInvalidCertificate) {
		t.Errorf("Expected ErrInvalidCertificate, got %v", err)
	}
}

func TestTLSHandshakeWithSelfSigned(t *testing.T) {
	certFile, keyFile, err := GenerateSelfSigned(t.TempDir(), "127.0.0.1", "localhost")
	if err != nil {
		t.Fatalf("GenerateSelfSigned failed: %v", err)
	}

	serverCfg, err := NewServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("NewServerTLSConfig failed: %v", err)
	}
	clientCfg, err := NewClientTLSConfig(TLSConfig{CAFile: certFile, CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("NewClientTLSConfig failed: %v", err)
	}
	if len(clientCfg.Certificates) != 1 || clientCfg.RootCAs == nil {
		t.Fatal("Expected client certificate and root CAs")
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Close()

	if err := <-done; err != nil {
		t.Errorf("server handshake failed: %v", err)
	}
}
