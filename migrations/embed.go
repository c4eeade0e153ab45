// Package migrations embeds the app schema migrations applied by
// "leaf-server migrate up".
package migrations

import "embed"

// Schema is the Postgres schema every migration is applied to.
const Schema = "app"

//go:embed *.sql
var FS embed.FS
