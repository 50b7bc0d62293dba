package db

import (
	"context"

	"github.com/narrowlink/gateway/acme"
)

// Storage is the persistence backend contract: storing and retrieving
// per-tenant certificates and ACME accounts. It is
// implementable over any encoding (filesystem, database, remote KV) as
// long as every operation below can fail with a wrapped error (callers
// check with errors.Is against the db package's own sentinels, never the
// backend's raw driver errors).
type Storage interface {
	// Get returns the current certificate for the tenancy and, if one was
	// recorded, the tenancy's ACME account override. Absence of the
	// certificate is an error (wrapping ErrNotFound).
	Get(ctx context.Context, key TenancyKey) (CertificateRecord, *acme.Account, error)

	// Put atomically replaces the certificate for the tenancy and,
	// if account is non-nil, records it as that tenancy's ACME account
	// override.
	Put(ctx context.Context, key TenancyKey, account *acme.Account, rec CertificateRecord) error

	// GetAcmeAccount returns the tenancy's ACME account override. A
	// missing override is not an error: it returns (nil, nil).
	GetAcmeAccount(ctx context.Context, key TenancyKey) (*acme.Account, error)

	// GetDefaultAccount returns the gateway-wide default ACME account.
	// Absence is an error (wrapping ErrNotFound).
	GetDefaultAccount(ctx context.Context) (*acme.Account, error)

	// SetDefaultAccount creates or overwrites the gateway-wide default
	// ACME account.
	SetDefaultAccount(ctx context.Context, account *acme.Account) error
}
