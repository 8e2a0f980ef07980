// Package migrations embeds the tern SQL migrations.
package migrations

import "embed"

//go:embed *.sql
var MigrationFiles embed.FS
