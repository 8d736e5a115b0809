package payhook

import "embed"

// Migrations holds the embedded schema migrations.
//
//go:embed migrations/*.sql
var Migrations embed.FS
