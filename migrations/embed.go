// Package migrations embeds the SQL schema migrations applied at startup.
package migrations

import "embed"

// FS is the embedded migration source consumed by the iofs driver.
//
//go:embed *.sql
var FS embed.FS
