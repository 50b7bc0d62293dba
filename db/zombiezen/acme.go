package zombiezen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/narrowlink/gateway/acme"
	"github.com/narrowlink/gateway/db"
)

const defaultAccountScope = "default"

func tenancyScope(key db.TenancyKey) string {
	return key.UID + "\x1f" + key.AgentName
}

var _ db.Storage = (*Db)(nil)

// Get implements db.Storage.
func (d *Db) Get(ctx context.Context, key db.TenancyKey) (db.CertificateRecord, *acme.Account, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return db.CertificateRecord{}, nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	var rec db.CertificateRecord
	var encryptedKey []byte
	var found bool

	err = sqlitex.Execute(conn,
		`SELECT chain_pem, key_pem, issued_at, expires_at FROM certificates WHERE uid = ? AND agent_name = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{key.UID, key.AgentName},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				rec.ChainPEM = []byte(stmt.ColumnText(0))
				encryptedKey = []byte(stmt.ColumnText(1))

				issuedAt, err := time.Parse(time.RFC3339, stmt.ColumnText(2))
				if err != nil {
					return fmt.Errorf("db: failed to parse issued_at: %w", err)
				}
				expiresAt, err := time.Parse(time.RFC3339, stmt.ColumnText(3))
				if err != nil {
					return fmt.Errorf("db: failed to parse expires_at: %w", err)
				}
				rec.IssuedAt = issuedAt
				rec.ExpiresAt = expiresAt
				return nil
			},
		})
	if err != nil {
		return db.CertificateRecord{}, nil, fmt.Errorf("db: failed to get certificate for %s/%s: %w", key.UID, key.AgentName, err)
	}
	if !found {
		return db.CertificateRecord{}, nil, fmt.Errorf("db: no certificate for %s/%s: %w", key.UID, key.AgentName, db.ErrNotFound)
	}

	keyPEM, err := d.cipher.decrypt(encryptedKey)
	if err != nil {
		return db.CertificateRecord{}, nil, fmt.Errorf("db: failed to decrypt private key for %s/%s: %w", key.UID, key.AgentName, err)
	}
	rec.KeyPEM = keyPEM

	account, err := d.GetAcmeAccount(ctx, key)
	if err != nil {
		return db.CertificateRecord{}, nil, err
	}

	return rec, account, nil
}

// Put implements db.Storage.
func (d *Db) Put(ctx context.Context, key db.TenancyKey, account *acme.Account, rec db.CertificateRecord) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	encryptedKey, err := d.cipher.encrypt(rec.KeyPEM)
	if err != nil {
		return fmt.Errorf("db: failed to encrypt private key for %s/%s: %w", key.UID, key.AgentName, err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO certificates (uid, agent_name, chain_pem, key_pem, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid, agent_name) DO UPDATE SET
			chain_pem = excluded.chain_pem,
			key_pem = excluded.key_pem,
			issued_at = excluded.issued_at,
			expires_at = excluded.expires_at,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`,
		&sqlitex.ExecOptions{
			Args: []any{
				key.UID,
				key.AgentName,
				rec.ChainPEM,
				encryptedKey,
				rec.IssuedAt.UTC().Format(time.RFC3339),
				rec.ExpiresAt.UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("db: failed to put certificate for %s/%s: %w", key.UID, key.AgentName, err)
	}

	if account != nil {
		if err := d.putAccount(conn, tenancyScope(key), account); err != nil {
			return err
		}
	}

	return nil
}

// GetAcmeAccount implements db.Storage. A missing override is not an
// error: it returns (nil, nil).
func (d *Db) GetAcmeAccount(ctx context.Context, key db.TenancyKey) (*acme.Account, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	account, err := d.getAccount(conn, tenancyScope(key))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return account, nil
}

// GetDefaultAccount implements db.Storage.
func (d *Db) GetDefaultAccount(ctx context.Context) (*acme.Account, error) {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	return d.getAccount(conn, defaultAccountScope)
}

// SetDefaultAccount implements db.Storage.
func (d *Db) SetDefaultAccount(ctx context.Context, account *acme.Account) error {
	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	return d.putAccount(conn, defaultAccountScope, account)
}

func (d *Db) getAccount(conn *sqlite.Conn, scope string) (*acme.Account, error) {
	var encrypted []byte
	var found bool

	err := sqlitex.Execute(conn,
		`SELECT account_blob FROM acme_accounts WHERE scope = ? LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{scope},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				encrypted = []byte(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("db: failed to get account for scope %q: %w", scope, err)
	}
	if !found {
		return nil, fmt.Errorf("db: no account for scope %q: %w", scope, db.ErrNotFound)
	}

	blob, err := d.cipher.decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("db: failed to decrypt account for scope %q: %w", scope, err)
	}

	account, err := acme.UnmarshalAccount(blob)
	if err != nil {
		return nil, fmt.Errorf("db: failed to unmarshal account for scope %q: %w", scope, err)
	}
	return account, nil
}

func (d *Db) putAccount(conn *sqlite.Conn, scope string, account *acme.Account) error {
	blob, err := account.Marshal()
	if err != nil {
		return err
	}

	encrypted, err := d.cipher.encrypt(blob)
	if err != nil {
		return fmt.Errorf("db: failed to encrypt account for scope %q: %w", scope, err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO acme_accounts (scope, account_blob) VALUES (?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			account_blob = excluded.account_blob,
			updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`,
		&sqlitex.ExecOptions{Args: []any{scope, encrypted}})
	if err != nil {
		return fmt.Errorf("db: failed to save account for scope %q: %w", scope, err)
	}
	return nil
}
