package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ragkb/config"
	"ragkb/internal/app"
	"ragkb/internal/domain"
	"ragkb/internal/platform/logger"
)

var (
	cfgFile  string
	cfg      *config.Config
	rootDir  string
	tenantID string
	log      *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ragkb",
	Short: "Multi-tenant versioned knowledge base for retrieval-augmented answers",
	Long: `ragkb ingests documents into a per-tenant, versioned knowledge base and
answers queries with a token-budgeted, citation-annotated context built from
hybrid (vector + BM25) retrieval.

Example usage:
  ragkb -t acme ingest handbook.md             # Ingest one document
  ragkb -t acme ingest ./docs                  # Ingest a directory
  ragkb -t acme query -q "annual leave"        # Retrieve cited context
  ragkb -t acme prompt -q "how much leave?"    # Render an answer prompt`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		if rootDir == "" {
			rootDir, err = os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
		}

		if cfgFile != "" {
			cfg, err = config.Load(cfgFile)
		} else {
			cfg, err = config.LoadFromDir(rootDir)
		}
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log, err = logger.New(cfg.Logging.Mode, cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			log.Sync()
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./ragkb.yaml)")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", "", "working directory holding ragkb.yaml and .env (default is current directory)")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", os.Getenv("RAGKB_TENANT"), "tenant id (default $RAGKB_TENANT)")
}

// tenant returns the validated --tenant flag.
func tenant() (domain.TenantID, error) {
	t := domain.TenantID(tenantID)
	if err := domain.ValidateTenant(t); err != nil {
		return "", fmt.Errorf("--tenant: %w", err)
	}
	return t, nil
}

// openApp opens the knowledge base. Callers close it.
func openApp() (*app.App, error) {
	a, err := app.Open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	return a, nil
}
