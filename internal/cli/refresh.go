package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/nonefly/registry"
	"github.com/tomyedwab/nonefly/storage"
)

var refreshCmd = &cobra.Command{
	Use:       "refresh adapters|plugins|all",
	Short:     "Mirror the NoneBot registries into the local database",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"adapters", "plugins", "all"},
	RunE:      runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := storage.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	mirror, err := registry.NewMirror(registry.Config{
		Store:       store,
		AdaptersURL: cfg.Registry.AdaptersURL,
		PluginsURL:  cfg.Registry.PluginsURL,
		Timeout:     cfg.Registry.Timeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var kinds []storage.RegistryKind
	switch args[0] {
	case "adapters":
		kinds = []storage.RegistryKind{storage.KindAdapter}
		err = mirror.Refresh(ctx, storage.KindAdapter)
	case "plugins":
		kinds = []storage.RegistryKind{storage.KindPlugin}
		err = mirror.Refresh(ctx, storage.KindPlugin)
	default:
		kinds = []storage.RegistryKind{storage.KindAdapter, storage.KindPlugin}
		err = mirror.RefreshAll(ctx)
	}
	if err != nil {
		return err
	}

	for _, kind := range kinds {
		count, err := store.CountRegistry(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries\n", kind, count)
	}
	return nil
}
