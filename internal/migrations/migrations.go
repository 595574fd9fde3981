// Package migrations contains PocketBase Go migrations for the session
// host's own collections (audit_logs, app_settings).
//
// All migration files use init() to register with the PocketBase migration
// runner. The package must be blank-imported in main.go:
//
//	_ "github.com/websoft9/sshpool/internal/migrations"
package migrations
