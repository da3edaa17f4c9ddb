package app

import (
	"context"
	"fmt"

	"reminderd/internal/config"
	"reminderd/internal/storage"
	logx "reminderd/pkg/logx"
)

// Migrate opens the configured store once, which applies pending schema
// migrations, then closes it.
func Migrate(ctx context.Context, cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logs, root := logx.New(mapLogging(cfg))
	defer logs.Close()

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, root)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	root.Info("storage migrated", logx.String("driver", sc.Driver))
	return store.Close()
}
