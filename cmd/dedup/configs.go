package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/admin"
	"github.com/steveyegge/dedup/internal/types"
)

var configsCmd = &cobra.Command{
	Use:     "configs",
	Aliases: []string{"config"},
	Short:   "Manage deduplication configs",
}

var configsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deduplication configs",
	Run: func(cmd *cobra.Command, args []string) {
		activeOnly, _ := cmd.Flags().GetBool("active")

		configs, err := eng.service.ListConfigs(context.Background(), activeOnly)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list configs: %v\n", err)
			os.Exit(1)
		}
		if len(configs) == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s No configs defined. Use 'dedup configs apply <file>' to add some.\n\n", yellow("✨"))
			return
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("\n%s Configs (%d):\n\n", cyan("📋"), len(configs))
		for _, cfg := range configs {
			status := color.GreenString("active")
			if !cfg.Active {
				status = gray("inactive")
			}
			fmt.Printf("  %3d  %-24s %-14s %s\n", cfg.ID, truncateString(cfg.Name, 24), cfg.TargetType, status)
			fmt.Printf("       %s\n", gray(describeRules(cfg)))
		}
		fmt.Println()
	},
}

var configsShowCmd = &cobra.Command{
	Use:   "show <id|name>",
	Short: "Show a config and its rules",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := lookupConfig(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printConfig(cfg)
	},
}

var configsApplyCmd = &cobra.Command{
	Use:   "apply <file>",
	Short: "Create or update configs from a YAML definitions file",
	Long: `Create or update configs from a YAML definitions file. Configs are matched
by name: existing ones are replaced, new ones are created. Every config is
validated against the record store before anything is written.

Example definitions file:

  configs:
    - name: contacts-by-email
      target_type: contact
      domain: is_company=false
      create_threshold: 50
      merge_mode: manual
      notify:
        frequency: 1
        period: days
        recipients: [crm-admins]
      rules:
        - field: email
          match_mode: exact
        - field: name
          match_mode: accent_insensitive`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		results, err := eng.service.ApplyDefinitions(context.Background(), data)
		if err != nil {
			printInputError(err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		for _, r := range results {
			fmt.Printf("%s %s %s (id %d)", green("✓"), r.Action, r.Name, r.ConfigID)
			if r.GroupsDeleted > 0 {
				fmt.Printf(" %s", yellow(fmt.Sprintf("%d group(s) deleted", r.GroupsDeleted)))
			}
			fmt.Println()
		}
	},
}

var configsDeleteCmd = &cobra.Command{
	Use:   "delete <id|name>",
	Short: "Delete a config and all of its groups",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, err := lookupConfig(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := eng.service.DeleteConfig(ctx, cfg.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Deleted config %s (id %d)\n", green("✓"), cfg.Name, cfg.ID)
	},
}

var configsForgetDiscardedCmd = &cobra.Command{
	Use:   "forget-discarded <id|name>",
	Short: "Let the next run group records from discarded groups again",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		cfg, err := lookupConfig(ctx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		n, err := eng.service.ForgetDiscarded(ctx, cfg.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Forgot %d discarded group(s) of %s\n", green("✓"), n, cfg.Name)
	},
}

// lookupConfig resolves a numeric id or a config name
func lookupConfig(ctx context.Context, ref string) (*types.DeduplicationConfig, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return eng.service.GetConfig(ctx, id)
	}
	return eng.service.GetConfigByName(ctx, ref)
}

func describeRules(cfg *types.DeduplicationConfig) string {
	parts := make([]string, 0, len(cfg.Rules))
	for _, r := range cfg.SortedRules() {
		mode := ""
		if r.MatchMode == types.MatchAccentInsensitive {
			mode = "~"
		}
		parts = append(parts, mode+r.Field)
	}
	return fmt.Sprintf("rules: %s | create > %d%% | merge %s", strings.Join(parts, ", "), cfg.CreateThreshold, describeMerge(cfg))
}

func describeMerge(cfg *types.DeduplicationConfig) string {
	if cfg.MergeMode == types.MergeAutomatic {
		return fmt.Sprintf("automatic >= %d%%", cfg.MergeThreshold)
	}
	return string(cfg.MergeMode)
}

func printConfig(cfg *types.DeduplicationConfig) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("=== %s (id %d) ===", cfg.Name, cfg.ID)))
	fmt.Printf("  Target type:      %s\n", cfg.TargetType)
	if cfg.Domain != "" {
		fmt.Printf("  Domain:           %s\n", cfg.Domain)
	}
	fmt.Printf("  Active:           %v\n", cfg.Active)
	fmt.Printf("  Create threshold: %d%%\n", cfg.CreateThreshold)
	fmt.Printf("  Merge:            %s\n", describeMerge(cfg))
	fmt.Printf("  Removal mode:     %s\n", cfg.RemovalMode)
	fmt.Printf("  Cross partition:  %v\n", cfg.CrossPartition)
	fmt.Println()

	fmt.Printf("%s\n", yellow("Rules:"))
	for _, r := range cfg.SortedRules() {
		fmt.Printf("  %d. %-20s %s\n", r.Sequence, r.Field, gray(string(r.MatchMode)))
	}
	fmt.Println()

	fmt.Printf("%s\n", yellow("Notifications:"))
	if len(cfg.NotifyRecipients) == 0 {
		fmt.Printf("  %s\n", gray("No recipients"))
	} else {
		fmt.Printf("  Every %d %s to %s\n", cfg.NotifyFrequency, cfg.NotifyPeriod, strings.Join(cfg.NotifyRecipients, ", "))
		if cfg.LastNotification != nil {
			fmt.Printf("  Last sent: %s\n", cfg.LastNotification.Format("2006-01-02 15:04:05"))
		}
	}
	fmt.Println()
}

// printInputError prints err, with the offending field and a suggestion when there is one
func printInputError(err error) {
	red := color.New(color.FgRed).SprintFunc()
	var ie *admin.InputError
	if !errors.As(err, &ie) {
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", red("Invalid input:"), ie.Message)
	if ie.Field != "" {
		fmt.Fprintf(os.Stderr, "  field: %s\n", ie.Field)
	}
	if ie.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "  did you mean %s?\n", color.CyanString(ie.Suggestion))
	}
}

func init() {
	configsListCmd.Flags().Bool("active", false, "Only list active configs")

	configsCmd.AddCommand(configsListCmd)
	configsCmd.AddCommand(configsShowCmd)
	configsCmd.AddCommand(configsApplyCmd)
	configsCmd.AddCommand(configsDeleteCmd)
	configsCmd.AddCommand(configsForgetDiscardedCmd)
	rootCmd.AddCommand(configsCmd)
}
