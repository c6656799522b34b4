// Package migrations embeds SQL migration files into the binaries.
//
// The terminal and the authority carry different schemas, so each binary
// selects its own migration set at startup before calling db.Migrate.
package migrations

import (
	"embed"

	"github.com/offene-werkstatt/maco-core/internal/infrastructure/database"
)

//go:embed terminal/*.sql
var terminalFS embed.FS

//go:embed authority/*.sql
var authorityFS embed.FS

// UseTerminal registers the terminal schema with the database package.
// Called by cmd/macoterm before migrating.
func UseTerminal() {
	database.MigrationsFS = terminalFS
	database.MigrationsDir = "terminal"
}

// UseAuthority registers the authority schema with the database package.
// Called by cmd/macoauthd before migrating.
func UseAuthority() {
	database.MigrationsFS = authorityFS
	database.MigrationsDir = "authority"
}
