package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeYes bool

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete every document, version, chunk, vector and object of a tenant",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)
	purgeCmd.Flags().BoolVar(&purgeYes, "yes", false, "confirm the purge")
}

func runPurge(cmd *cobra.Command, args []string) error {
	t, err := tenant()
	if err != nil {
		return err
	}
	if !purgeYes {
		return fmt.Errorf("refusing to purge tenant %s without --yes", t)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Purger.Purge(cmd.Context(), t); err != nil {
		return fmt.Errorf("purge incomplete: %w", err)
	}
	fmt.Printf("Tenant %s purged.\n", t)
	return nil
}
