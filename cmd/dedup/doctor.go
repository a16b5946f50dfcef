package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/logging"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/storage"
	"github.com/steveyegge/dedup/internal/storage/migrations"
)

var doctorCmd = &cobra.Command{
	Use:         "doctor",
	Short:       "Check the dedup installation and environment health",
	Annotations: map[string]string{skipEngine: "true"},
	Long: `Run health checks to diagnose common configuration and environment issues.

This command checks for:
- Settings file syntax and values
- Database existence, accessibility and schema version
- Stale scheduler locks left by a crashed 'dedup serve'
- Record store connectivity and the fields every config compares
- Notification sinks

Exit codes:
  0 - All checks passed
  1 - One or more checks failed (but not critical)
  2 - Critical failures that prevent dedup from running`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		fixIssues, _ := cmd.Flags().GetBool("fix")

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("Running dedup health checks...\n\n")

		var failures []string
		var warnings []string
		var criticalFailures []string

		// Check 1: Settings
		fmt.Printf("%s Settings\n", cyan("→"))
		settings, err := loadSettings()
		if err != nil {
			fmt.Printf("  %s Invalid settings\n", red("✗"))
			fmt.Printf("    Error: %v\n", err)
			fmt.Printf("\n%s Critical failures prevent dedup from running\n", red("✗"))
			os.Exit(2)
		}
		fmt.Printf("  %s Settings loaded (run every %v)\n", green("✓"), settings.Engine.Interval)
		path := settings.Database.Path

		// Check 2: Database file accessibility
		fmt.Printf("%s Database file access\n", cyan("→"))
		if info, err := os.Stat(path); err != nil {
			criticalFailures = append(criticalFailures, fmt.Sprintf("Cannot access database: %v", err))
			fmt.Printf("  %s Cannot access database file %s\n", red("✗"), path)
			fmt.Printf("    Run 'dedup init' to create it\n")
		} else {
			fmt.Printf("  %s Database file accessible (%d bytes)\n", green("✓"), info.Size())
			if info.Size() == 0 {
				warnings = append(warnings, "Database file is empty (0 bytes)")
				fmt.Printf("  %s WARNING: Database is empty\n", yellow("⚠"))
			}
		}

		if len(criticalFailures) > 0 {
			fmt.Printf("\n%s Critical failures prevent dedup from running\n", red("✗"))
			os.Exit(2)
		}

		// Check 3: Schema version
		fmt.Printf("%s Database schema\n", cyan("→"))
		if status, err := migrations.GetStatus(path); err != nil {
			failures = append(failures, fmt.Sprintf("Cannot read schema version: %v", err))
			fmt.Printf("  %s Cannot read schema version\n", red("✗"))
			if verbose {
				fmt.Printf("    Error: %v\n", err)
			}
		} else if status.Dirty {
			criticalFailures = append(criticalFailures, fmt.Sprintf("Schema migration %d did not complete", status.Version))
			fmt.Printf("  %s Schema is dirty at version %d\n", red("✗"), status.Version)
		} else if !status.UpToDate() {
			warnings = append(warnings, fmt.Sprintf("Schema at version %d of %d", status.Version, status.Latest))
			fmt.Printf("  %s Schema at version %d of %d (applied on next start)\n", yellow("⚠"), status.Version, status.Latest)
		} else {
			fmt.Printf("  %s Schema up to date (version %d)\n", green("✓"), status.Version)
		}

		// Check 4: WAL mode
		fmt.Printf("%s WAL mode status\n", cyan("→"))
		if walInfo, err := os.Stat(path + "-wal"); err == nil {
			dbInfo, _ := os.Stat(path)
			fmt.Printf("  %s WAL mode detected\n", green("✓"))
			if verbose {
				fmt.Printf("    Main DB age: %v\n", time.Since(dbInfo.ModTime()).Round(time.Second))
				fmt.Printf("    WAL file age: %v\n", time.Since(walInfo.ModTime()).Round(time.Second))
			}
			if walInfo.ModTime().Sub(dbInfo.ModTime()) > 5*time.Minute {
				warnings = append(warnings, "WAL file significantly newer than main DB (consider PRAGMA wal_checkpoint)")
				fmt.Printf("  %s WAL file significantly newer than main DB\n", yellow("⚠"))
			}
		} else {
			fmt.Printf("  %s WAL mode not active (using rollback journal)\n", green("✓"))
		}

		// Check 5: Scheduler lock
		fmt.Printf("%s Scheduler lock\n", cyan("→"))
		if lock, err := storage.ReadExclusiveLock(path); err != nil {
			warnings = append(warnings, fmt.Sprintf("Unreadable scheduler lock: %v", err))
			fmt.Printf("  %s Cannot read %s\n", yellow("⚠"), storage.LockPath(path))
		} else if lock == nil {
			fmt.Printf("  %s No scheduler running\n", green("✓"))
		} else if lock.IsStale() {
			fmt.Printf("  %s Stale lock from PID %d on %s\n", yellow("⚠"), lock.PID, lock.Hostname)
			if fixIssues {
				if err := storage.ReleaseExclusiveLock(storage.LockPath(path)); err != nil {
					warnings = append(warnings, fmt.Sprintf("Stale scheduler lock could not be removed: %v", err))
					fmt.Printf("    %s Failed to remove lock: %v\n", red("✗"), err)
				} else {
					fmt.Printf("    %s Stale lock removed\n", green("✓"))
				}
			} else {
				warnings = append(warnings, "Stale scheduler lock (rerun with --fix to remove it)")
			}
		} else {
			fmt.Printf("  %s Scheduler running (PID %d on %s, version %s)\n", green("✓"), lock.PID, lock.Hostname, lock.Version)
		}

		// Check 6: Group store contents
		fmt.Printf("%s Group store\n", cyan("→"))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		var store storage.Storage
		opened, err := storage.NewStorage(ctx, &storage.Config{Path: path})
		if err != nil {
			criticalFailures = append(criticalFailures, fmt.Sprintf("Cannot open database: %v", err))
			fmt.Printf("  %s Cannot open database\n", red("✗"))
			if verbose {
				fmt.Printf("    Error: %v\n", err)
			}
		} else {
			store = opened
			defer store.Close()
			if stats, err := store.GetStatistics(ctx); err != nil {
				failures = append(failures, fmt.Sprintf("Cannot query database: %v", err))
				fmt.Printf("  %s Cannot query database\n", red("✗"))
			} else {
				fmt.Printf("  %s %d config(s), %d active group(s) over %d record(s)\n",
					green("✓"), stats.TotalConfigs, stats.TotalGroups, stats.TotalRecords)
				if stats.ActiveConfigs == 0 {
					warnings = append(warnings, "No active deduplication configs")
					fmt.Printf("  %s No active configs (add some with 'dedup configs apply')\n", yellow("⚠"))
				}
			}
		}

		// Check 7: Record store and config fields
		fmt.Printf("%s Record store (%s)\n", cyan("→"), settings.RecordStore.Driver)
		records, closer, err := openRecordStore(settings.RecordStore, logging.Discard())
		if err != nil {
			criticalFailures = append(criticalFailures, fmt.Sprintf("Cannot open record store: %v", err))
			fmt.Printf("  %s Cannot open record store\n", red("✗"))
			if verbose {
				fmt.Printf("    Error: %v\n", err)
			}
		} else {
			if closer != nil {
				defer closer.Close()
			}
			fmt.Printf("  %s Record store reachable\n", green("✓"))
			if store != nil {
				configs, err := store.ListConfigs(ctx, true)
				if err != nil {
					failures = append(failures, fmt.Sprintf("Cannot list configs: %v", err))
				}
				for _, cfg := range configs {
					fields := make([]string, 0, len(cfg.Rules))
					for _, r := range cfg.SortedRules() {
						fields = append(fields, r.Field)
					}
					schema, err := records.Describe(ctx, cfg.TargetType)
					if err == nil {
						err = schema.CheckFields(fields...)
					}
					if err != nil {
						failures = append(failures, fmt.Sprintf("Config %q cannot run: %v", cfg.Name, err))
						fmt.Printf("  %s %s: %v\n", red("✗"), cfg.Name, err)
						if errors.Is(err, recordstore.ErrUnknownTarget) {
							fmt.Printf("    Register %s in the record store registry\n", cfg.TargetType)
						}
						continue
					}
					fmt.Printf("  %s %s compares %s\n", green("✓"), cfg.Name, strings.Join(fields, ", "))
				}
			}
		}

		// Check 8: Notifications
		fmt.Printf("%s Notifications\n", cyan("→"))
		notifier, err := buildNotifier(settings.Notifications, nil, logging.Discard())
		switch {
		case err != nil:
			failures = append(failures, fmt.Sprintf("Invalid notification settings: %v", err))
			fmt.Printf("  %s Invalid notification settings\n", red("✗"))
			if verbose {
				fmt.Printf("    Error: %v\n", err)
			}
		case notifier == nil:
			warnings = append(warnings, "No notification sink enabled")
			fmt.Printf("  %s No sink enabled; reviewers will not hear about new groups\n", yellow("⚠"))
		default:
			fmt.Printf("  %s Notifications configured\n", green("✓"))
		}

		// Summary
		fmt.Printf("\n%s\n", strings.Repeat("─", 60))

		totalIssues := len(criticalFailures) + len(failures) + len(warnings)
		if totalIssues == 0 {
			fmt.Printf("%s All checks passed! dedup is ready to run.\n", green("✓"))
			os.Exit(0)
		}

		if len(criticalFailures) > 0 {
			fmt.Printf("\n%s Critical failures (%d):\n", red("✗"), len(criticalFailures))
			for _, failure := range criticalFailures {
				fmt.Printf("  • %s\n", failure)
			}
		}

		if len(failures) > 0 {
			fmt.Printf("\n%s Failures (%d):\n", red("✗"), len(failures))
			for _, failure := range failures {
				fmt.Printf("  • %s\n", failure)
			}
		}

		if len(warnings) > 0 {
			fmt.Printf("\n%s Warnings (%d):\n", yellow("⚠"), len(warnings))
			for _, warning := range warnings {
				fmt.Printf("  • %s\n", warning)
			}
		}

		if len(criticalFailures) > 0 {
			fmt.Printf("\n%s dedup cannot run until critical issues are resolved.\n", red("✗"))
			os.Exit(2)
		}

		if len(failures) > 0 {
			fmt.Printf("\n%s dedup may not work correctly. Please address the failures above.\n", yellow("⚠"))
			os.Exit(1)
		}

		fmt.Printf("\n%s dedup should work, but some warnings were detected.\n", green("✓"))
		os.Exit(0)
	},
}

func init() {
	doctorCmd.Flags().BoolP("verbose", "v", false, "Show detailed diagnostic information")
	doctorCmd.Flags().Bool("fix", false, "Remove a stale scheduler lock")
	rootCmd.AddCommand(doctorCmd)
}
