// Package zombiezen implements db.Storage over SQLite using
// zombiezen.com/go/sqlite.
package zombiezen

import (
	"context"
	"fmt"
	"runtime"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/narrowlink/gateway/migrations"
)

// Db is the SQLite-backed persistence backend. It implements db.Storage.
type Db struct {
	pool   *sqlitex.Pool
	cipher *ageCipher
}

// New opens (creating if necessary) the SQLite database at path, runs the
// embedded schema migrations, and returns a Db whose secret columns are
// encrypted under the age identity found at ageKeyPath.
func New(path, ageKeyPath string) (*Db, error) {
	initString := fmt.Sprintf("file:%s", path)
	pool, err := sqlitex.NewPool(initString, sqlitex.PoolOptions{
		Flags:    0,
		PoolSize: runtime.NumCPU(),
	})
	if err != nil {
		return nil, fmt.Errorf("db: failed to open pool: %w", err)
	}

	cipher, err := newAgeCipher(ageKeyPath)
	if err != nil {
		pool.Close()
		return nil, err
	}

	d := &Db{pool: pool, cipher: cipher}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: failed to get connection for migrations: %w", err)
	}
	defer pool.Put(conn)

	if err := ApplyMigrations(conn, migrations.Schema()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: failed to apply migrations: %w", err)
	}

	return d, nil
}

// Close releases the connection pool.
func (d *Db) Close() error {
	return d.pool.Close()
}
