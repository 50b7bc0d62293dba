// Package mock provides a function-field mock of db.Storage for tests
// that exercise the certificate manager and control loop without
// touching SQLite.
package mock

import (
	"context"

	"github.com/narrowlink/gateway/acme"
	"github.com/narrowlink/gateway/db"
)

// Storage implements db.Storage for testing purposes. Tests set the
// *Func fields they care about; any left nil falls back to a default
// that mirrors the real backend's documented absence behavior.
type Storage struct {
	GetFunc               func(ctx context.Context, key db.TenancyKey) (db.CertificateRecord, *acme.Account, error)
	PutFunc               func(ctx context.Context, key db.TenancyKey, account *acme.Account, rec db.CertificateRecord) error
	GetAcmeAccountFunc    func(ctx context.Context, key db.TenancyKey) (*acme.Account, error)
	GetDefaultAccountFunc func(ctx context.Context) (*acme.Account, error)
	SetDefaultAccountFunc func(ctx context.Context, account *acme.Account) error
}

var _ db.Storage = (*Storage)(nil)

func (m *Storage) Get(ctx context.Context, key db.TenancyKey) (db.CertificateRecord, *acme.Account, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return db.CertificateRecord{}, nil, db.ErrNotFound
}

func (m *Storage) Put(ctx context.Context, key db.TenancyKey, account *acme.Account, rec db.CertificateRecord) error {
	if m.PutFunc != nil {
		return m.PutFunc(ctx, key, account, rec)
	}
	return nil
}

func (m *Storage) GetAcmeAccount(ctx context.Context, key db.TenancyKey) (*acme.Account, error) {
	if m.GetAcmeAccountFunc != nil {
		return m.GetAcmeAccountFunc(ctx, key)
	}
	return nil, nil
}

func (m *Storage) GetDefaultAccount(ctx context.Context) (*acme.Account, error) {
	if m.GetDefaultAccountFunc != nil {
		return m.GetDefaultAccountFunc(ctx)
	}
	return nil, db.ErrNotFound
}

func (m *Storage) SetDefaultAccount(ctx context.Context, account *acme.Account) error {
	if m.SetDefaultAccountFunc != nil {
		return m.SetDefaultAccountFunc(ctx, account)
	}
	return nil
}
