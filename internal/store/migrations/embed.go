// Package migrations embeds the session index schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
