// Package migrations embeds the tenant schema SQL applied by the migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
