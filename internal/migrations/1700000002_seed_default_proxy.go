package migrations

import (
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/websoft9/sshpool/internal/settings"
)

// Seed the sshpool/default_proxy row so DefaultProxyStore has something to
// read on a fresh install. Insert-if-not-exists: an admin who has already
// customised the row is left alone.
func init() {
	m.Register(func(app core.App) error {
		_, err := app.FindFirstRecordByFilter(
			"app_settings",
			"module = {:module} && key = {:key}",
			dbx.Params{"module": "sshpool", "key": "default_proxy"},
		)
		if err == nil {
			return nil
		}

		return settings.SetGroup(app, "sshpool", "default_proxy", map[string]any{
			"enabled": false,
		})
	}, func(app core.App) error {
		return nil
	})
}
