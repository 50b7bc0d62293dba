// Package migrations embeds the gateway's SQLite schema: the
// certificate, ACME account, and issuance log tables.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed schema/*.sql
var embedded embed.FS

// Schema returns the schema files rooted at their directory, so callers
// glob *.sql without caring about the embed layout.
func Schema() fs.FS {
	sub, err := fs.Sub(embedded, "schema")
	if err != nil {
		panic(err) // the embed path is fixed at compile time
	}
	return sub
}
