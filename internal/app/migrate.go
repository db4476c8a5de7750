package app

import (
	"context"

	"peptisync/internal/storage"
)

// Migrate applies a goose command to the configured database.
func (a *App) Migrate(ctx context.Context, command string, args ...string) error {
	if a.Config.Database.DSN == "" {
		return errNoDatabase
	}
	a.Logger.Info().Str("command", command).Strs("args", args).Msg("running migrations")
	return storage.Migrate(ctx, a.Config.Database.DSN, command, args...)
}
