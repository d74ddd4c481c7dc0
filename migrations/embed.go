// Package migrations embeds the event log schema so the binary carries its
// own schema management.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
