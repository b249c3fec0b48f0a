package db

import "embed"

// MigrationFS embeds the SQL migrations for stored_connections and audit_logs.
// Applied by cmd/migrate through internal/db/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
