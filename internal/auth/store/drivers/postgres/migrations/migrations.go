// Package migrations embeds the PostgreSQL schema as goose migrations.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
