// Package migrations holds the Postgres schema of the workflow store.
package migrations

import "embed"

//go:embed *.sql
var migrationFiles embed.FS
