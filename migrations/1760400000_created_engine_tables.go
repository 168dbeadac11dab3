package migrations

import (
	"context"

	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"

	"chat-engine/internal/store"
)

func init() {
	m.Register(func(app core.App) error {
		return store.Migrate(context.Background(), app.DB())
	}, func(app core.App) error {
		return store.Drop(context.Background(), app.DB())
	})
}
