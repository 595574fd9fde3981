package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Create app_settings, the centralized group-settings store read and
// written through internal/settings (proxy defaults, pool tunables, ...).
//
// Schema:
//
//	module — which subsystem owns the row (e.g. "sshpool")
//	key    — group name within the module (e.g. "default_proxy")
//	value  — JSON blob holding all fields for that group
//
// Unique index on (module, key) ensures one row per logical group.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("app_settings")

		col.Fields.Add(&core.TextField{Name: "module", Required: true})
		col.Fields.Add(&core.TextField{Name: "key", Required: true})
		col.Fields.Add(&core.JSONField{Name: "value"})

		rule := "@request.auth.collectionName = '_superusers'"
		col.ListRule = &rule
		col.ViewRule = &rule
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_app_settings_module_key ON app_settings (module, `key`)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("app_settings")
		if err != nil {
			return nil
		}
		return app.Delete(col)
	})
}
