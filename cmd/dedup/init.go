package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/storage"
)

const sampleSettings = `# dedup settings. Every key can be overridden with DEDUP_<SECTION>_<KEY>.
database:
  path: .dedup/dedup.db

record_store:
  driver: memory            # memory, sqlite or mysql
  # dsn: crm.db
  # registry: .dedup/registry.yaml

engine:
  interval: 1h
  commit_every: 100
  coalesce: true
  remember_discards: true
  master_flag_fields: [is_customer, is_supplier]

notifications:
  log: true
  webhook:
    enabled: false
    url: ""

http:
  listen: 127.0.0.1:8089
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the group store and a sample dedup.yaml",
	Long: `Create the .dedup/ directory, the group store database and, unless one
already exists, a commented dedup.yaml to start from.

Example:
  cd ~/crm
  dedup init
  dedup configs apply definitions.yaml`,
	Annotations: map[string]string{skipEngine: "true"},
	Args:        cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		settings, err := loadSettings()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		path := settings.Database.Path
		db, err := storage.NewStorage(context.Background(), &storage.Config{Path: path})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to initialize database: %v\n", err)
			os.Exit(1)
		}
		_ = db.Close()

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Initialized group store\n\n", green("✓"))
		fmt.Printf("  Database: %s\n", cyan(path))

		settingsPath := configPath
		if settingsPath == "" {
			settingsPath = "dedup.yaml"
		}
		created, err := writeIfMissing(settingsPath, sampleSettings)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Printf("  Settings: %s\n", cyan(settingsPath))
		} else {
			fmt.Printf("  Settings: %s %s\n", cyan(settingsPath), gray("(kept existing file)"))
		}
		fmt.Println()

		fmt.Printf("%s Next steps:\n", gray("→"))
		fmt.Printf("  %s\n", gray("edit dedup.yaml and the registry to point at your records"))
		fmt.Printf("  %s\n", gray("dedup configs apply definitions.yaml"))
		fmt.Printf("  %s\n", gray("dedup run"))
		fmt.Println()
	},
}

// writeIfMissing writes content to path unless the file exists
func writeIfMissing(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return true, nil
}

func init() {
	rootCmd.AddCommand(initCmd)
}
