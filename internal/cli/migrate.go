package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/nonefly/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database and apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(cmd.Context(), cfg.Database.Path, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		version, err := store.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is at schema version %d\n", cfg.Database.Path, version)
		return nil
	},
}
