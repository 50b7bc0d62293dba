package zombiezen

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/narrowlink/gateway/db"
)

// WriteIssuanceLogBatch inserts a batch of issuance audit log entries in
// a single transaction.
func (d *Db) WriteIssuanceLogBatch(ctx context.Context, batch []db.IssuanceLogEntry) error {
	if len(batch) == 0 {
		return nil
	}

	conn, err := d.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("db: failed to get connection: %w", err)
	}
	defer d.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("db: failed to start issuance log transaction: %w", err)
	}
	defer endFn(&err)

	for _, entry := range batch {
		execErr := sqlitex.Execute(conn,
			`INSERT INTO issuance_log (uid, agent_name, domains, level, message, attrs_json, logged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{
				Args: []any{
					entry.UID,
					entry.AgentName,
					entry.Domains,
					entry.Level,
					entry.Message,
					entry.AttrsJSON,
					entry.LoggedAt.UTC().Format(time.RFC3339Nano),
				},
			})
		if execErr != nil {
			err = fmt.Errorf("db: failed to insert issuance log entry: %w", execErr)
			return err
		}
	}

	return nil
}
