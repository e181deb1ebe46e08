// Package migrations exposes the embedded SQL migrations for the session
// journal.
package migrations

import "embed"

// Files contains the embedded journal migrations.
//
//go:embed *.sql
var Files embed.FS
