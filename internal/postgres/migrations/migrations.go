// Package migrations embeds the SQL migration files executed by goose at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
