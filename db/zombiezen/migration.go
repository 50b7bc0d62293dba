package zombiezen

import (
	"fmt"
	"io/fs"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ApplyMigrations executes every .sql file in fsys against conn, in
// lexical order: schema files are named with a numeric prefix so order
// and filename sort agree. Each script runs inside its own savepoint
// (sqlitex.ExecuteScript), so a failing file leaves earlier files
// applied and the failing one rolled back.
func ApplyMigrations(conn *sqlite.Conn, fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return fmt.Errorf("zombiezen: listing migrations: %w", err)
	}

	for _, name := range names {
		script, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("zombiezen: reading migration %s: %w", name, err)
		}
		if err := sqlitex.ExecuteScript(conn, string(script), nil); err != nil {
			return fmt.Errorf("zombiezen: applying migration %s: %w", name, err)
		}
	}
	return nil
}
