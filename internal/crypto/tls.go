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
Package crypto builds TLS configurations for broker connections.

SECURITY DEFAULTS:
==================
- Minimum TLS version: 1.2
- Broker certificate verified against the system pool or a configured root CA
- Optional client certificate (mutual TLS)
- Trust-all mode for development brokers with self-signed certificates

CERTIFICATE SETUP:
==================
Generate a CA and a client certificate for mutual TLS:

	openssl genrsa -out ca.key 4096
	openssl req -new -x509 -days 365 -key ca.key -out ca.crt
	openssl genrsa -out client.key 2048
	openssl req -new -key client.key -out client.csr
	openssl x509 -req -days 365 -in client.csr -CA ca.crt -CAkey ca.key -out client.crt
*/
package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrCertNotFound is returned when the certificate file cannot be read.
	ErrCertNotFound = errors.New("tls: certificate file not found")

	// ErrKeyNotFound is returned when the key file cannot be read.
	ErrKeyNotFound = errors.New("tls: key file not found")

	// ErrInvalidCertificate is returned when the certificate is invalid.
	ErrInvalidCertificate = errors.New("tls: invalid certificate")

	// ErrCANotFound is returned when the CA certificate file cannot be read.
	ErrCANotFound = errors.New("tls: CA certificate file not found")
)

// TLSConfig holds TLS configuration options.
type TLSConfig struct {
	// CertFile is the client (or server) certificate file in PEM format.
	CertFile string

	// KeyFile is the matching private key file in PEM format.
	KeyFile string

	// CAFile is the root CA used to verify the peer.
	CAFile string

	// ServerName overrides the name checked against the broker certificate.
	ServerName string

	// ClientAuth is the server side client certificate policy.
	ClientAuth tls.ClientAuthType

	// MinVersion is the minimum TLS version (default: TLS 1.2).
	MinVersion uint16

	// InsecureSkipVerify trusts any broker certificate.
	InsecureSkipVerify bool
}

func loadPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCANotFound, caFile)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, ErrInvalidCertificate
	}
	return pool, nil
}

// NewClientTLSConfig creates a TLS configuration for broker connections.
func NewClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ServerName:         cfg.ServerName,
	}
	if cfg.MinVersion != 0 {
		tlsConfig.MinVersion = cfg.MinVersion
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if err := ValidateTLSFiles(cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, err
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// NewServerTLSConfig creates a TLS configuration for a listening endpoint.
// The client only listens in tests, through the in-process broker.
func NewServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCertNotFound, cfg.CertFile)
		}
		return nil, fmt.Errorf("tls: failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.MinVersion != 0 {
		tlsConfig.MinVersion = cfg.MinVersion
	}

	if cfg.CAFile != "" {
		pool, err := loadPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = cfg.ClientAuth
	}

	return tlsConfig, nil
}

// ValidateTLSFiles checks if the TLS certificate and key files exist and are valid.
func ValidateTLSFiles(certFile, keyFile string) error {
	if _, err := os.Stat(certFile); err != nil {
		return fmt.Errorf("%w: %s", ErrCertNotFound, certFile)
	}
	if _, err := os.Stat(keyFile); err != nil {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyFile)
	}

	if _, err := tls.LoadX509KeyPair(certFile, keyFile); err != nil {
		return fmt.Errorf("tls: invalid certificate or key: %w", err)
	}
	return nil
}
