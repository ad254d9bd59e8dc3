// Package migrations embeds the runbookd schema migrations so the
// binary can migrate the database it connects to, regardless of
// working directory.
package migrations

import "embed"

// FS holds the numbered .sql files in this directory, applied in
// lexical order by the storage migration runner.
//
//go:embed *.sql
var FS embed.FS
