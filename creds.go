// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package quic

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Credentials carries the TLS identity of one side of an endpoint plus the
// peers it trusts. Credentials are immutable once created and may be shared
// freely across endpoints and connections.
type Credentials struct {
	cert tls.Certificate
	pool *x509.CertPool
}

// LoadCredentials reads a PEM key/certificate pair and, if caFile is
// non-empty, a PEM bundle of trusted peer certificates.
func LoadCredentials(keyFile, certFile, caFile string) (*Credentials, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading key pair: %w", err)
	}
	creds := &Credentials{cert: cert}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("reading trust bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		creds.pool = pool
	}
	return creds, nil
}

// NewCredentials wraps an already-loaded certificate and optional trust
// pool.
func NewCredentials(cert tls.Certificate, pool *x509.CertPool) *Credentials {
	return &Credentials{cert: cert, pool: pool}
}

// Certificate returns the local certificate.
func (c *Credentials) Certificate() tls.Certificate { return c.cert }
