// Package migrations embeds the ordered schema migration files applied
// once at startup. Each migration is idempotent in effect: golang-migrate
// tracks the applied version, so re-running Up is a no-op.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
