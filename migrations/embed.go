// Package migrations carries the pipeline schema (job tables, media assets,
// live session tables, storage catalog) as embedded golang-migrate files.
package migrations

import "embed"

// FS holds every *.sql migration, read by the migrate subcommand and tests.
//
//go:embed *.sql
var FS embed.FS
