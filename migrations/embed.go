// Package migrations embeds the goose migrations for the durable tables.
// Reference cache tables are not migrated here; they are rebuilt from the
// schema definition whenever its version changes.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
