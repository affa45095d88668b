// Package migrations embeds the PostgreSQL schema migrations applied by
// db.Migrate at startup and by integration tests.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
