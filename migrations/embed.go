// Package migrations embeds the goose SQL migrations for the fee rule store.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
