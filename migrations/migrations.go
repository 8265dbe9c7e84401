// Package migrations embeds the numbered SQL files applied by the
// export-cli migrate command and the test fixtures.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
