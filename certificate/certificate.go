// Package certificate wraps a parsed TLS certificate chain into the
// immutable, cheaply-shareable value the rest of the gateway serves.
package certificate

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCertificate is returned when a PEM chain cannot be parsed, the
// chain is empty, or the private key does not match the leaf.
var ErrInvalidCertificate = errors.New("certificate: invalid certificate")

// DefaultRenewalWindow is the threshold before NotAfter at which
// RenewNeeded reports true, used whenever a caller leaves the
// construction parameter unset.
const DefaultRenewalWindow = 30 * 24 * time.Hour

// Certificate is an opaque, immutable value: a parsed leaf certificate
// plus a ready-to-serve TLS server configuration. Once built it is never
// mutated; replacement means building a new one and swapping it into the
// store.
type Certificate struct {
	leaf          *x509.Certificate
	domains       []string
	tlsConfig     *tls.Config
	renewalWindow time.Duration
}

// New parses a private key and PEM certificate chain into a Certificate.
// It fails with ErrInvalidCertificate if the chain cannot be parsed or the
// private key does not match the leaf.
func New(keyPEM, chainPEM []byte, renewalWindow time.Duration) (*Certificate, error) {
	if renewalWindow <= 0 {
		renewalWindow = DefaultRenewalWindow
	}

	tlsCert, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if len(tlsCert.Certificate) == 0 {
		return nil, fmt.Errorf("%w: empty certificate chain", ErrInvalidCertificate)
	}

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	tlsCert.Leaf = leaf

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{tlsCert},
	}

	domains := make([]string, 0, len(leaf.DNSNames))
	domains = append(domains, leaf.DNSNames...)

	return &Certificate{
		leaf:          leaf,
		domains:       domains,
		tlsConfig:     cfg,
		renewalWindow: renewalWindow,
	}, nil
}

// RenewNeeded reports whether wall time is within the renewal window
// before the certificate's NotAfter.
func (c *Certificate) RenewNeeded() bool {
	return time.Until(c.leaf.NotAfter) <= c.renewalWindow
}

// Domains returns the SAN list extracted at construction. An empty
// (non-nil) slice means the chain carried no DNS SANs; callers treat that as
// "unservable", not as an error here.
func (c *Certificate) Domains() []string {
	return c.domains
}

// Config returns the cached, cheaply shareable TLS server configuration.
func (c *Certificate) Config() *tls.Config {
	return c.tlsConfig
}

// NotAfter exposes the leaf's expiry, mainly for audit logging.
func (c *Certificate) NotAfter() time.Time {
	return c.leaf.NotAfter
}
