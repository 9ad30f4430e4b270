// Package migrations embeds the schema files applied by the migrate command.
// Each version is a NNNNN_name.tx.up.sql / .tx.down.sql pair; statements are
// separated by --bun:split and run in one transaction.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
