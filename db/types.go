package db

import "time"

// TenancyKey identifies a certificate owner inside the gateway: a uid and
// an agent name, both non-empty opaque strings compared structurally.
type TenancyKey struct {
	UID       string
	AgentName string
}

// CertificateRecord is what the persistence backend stores and returns
// for a tenancy: the PEM certificate chain and matching private key, plus
// issuance and expiry bookkeeping timestamps.
type CertificateRecord struct {
	ChainPEM  []byte
	KeyPEM    []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IssuanceLogEntry is one structured log record destined for the
// issuance audit log. UID and AgentName are empty for log lines not tied
// to a specific tenancy.
type IssuanceLogEntry struct {
	UID       string
	AgentName string
	Domains   string
	Level     string
	Message   string
	AttrsJSON string
	LoggedAt  time.Time
}
