// Package migrations embeds the SQL schema migrations applied by `minutesctl db migrate`.
package migrations

import "embed"

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS
