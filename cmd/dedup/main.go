package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// skipEngine marks commands that must run without an open group store
const skipEngine = "skip-engine"

var (
	configPath string
	dbPath     string

	// eng is opened before every command that needs it
	eng *engine
)

var rootCmd = &cobra.Command{
	Use:   "dedup",
	Short: "Find, review and merge duplicate records",
	Long: `dedup groups records that share identifying field values, keeps the groups
up to date on a schedule and merges them into a master record when a reviewer
(or the automatic merge threshold) decides.

Configuration is read from dedup.yaml in the working directory or .dedup/,
or from the file given with --config. DEDUP_* environment variables override
file settings (DEDUP_DATABASE_PATH, DEDUP_RECORD_STORE_DSN, ...).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipEngine] == "true" {
			return nil
		}
		settings, err := loadSettings()
		if err != nil {
			return err
		}
		eng, err = openEngine(settings, version, os.Stderr)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if eng != nil {
			if err := eng.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: %v\n", err)
			}
			eng = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to dedup.yaml")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Group store database path (overrides database.path)")
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
