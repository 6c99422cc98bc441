// Package migrations holds the versioned schema applied by tools/migrator.
package migrations

import "embed"

// FS contains every NNN_name.sql file in this directory.
//
//go:embed *.sql
var FS embed.FS
