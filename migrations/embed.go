// Package migrations embeds the Lakehouse schema migrations so a single
// binary can bring the database up to date at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
