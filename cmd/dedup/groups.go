package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/types"
)

var groupsCmd = &cobra.Command{
	Use:     "groups",
	Aliases: []string{"group"},
	Short:   "Review duplicate groups",
}

var groupsListCmd = &cobra.Command{
	Use:   "list [config]",
	Short: "List groups, highest similarity first",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		ctx := context.Background()

		var configID int64
		if len(args) == 1 {
			cfg, err := lookupConfig(ctx, args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			configID = cfg.ID
		}

		page, err := eng.service.ListGroups(ctx, configID, limit, offset)
		if err != nil {
			printInputError(err)
			os.Exit(1)
		}
		if page.Total == 0 {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s No duplicate groups\n\n", yellow("✨"))
			return
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		fmt.Printf("\n%s Groups %d-%d of %s:\n\n", cyan("📋"),
			page.Offset+1, page.Offset+len(page.Groups), formatNumber(page.Total))
		for _, g := range page.Groups {
			master := gray("no master")
			if g.MasterID != nil {
				master = fmt.Sprintf("master %d", *g.MasterID)
			}
			fmt.Printf("  %6d  %s  %2d records  %s  %s\n",
				g.ID, similarityColor(g.Percent()).Sprintf("%5.1f%%", g.Percent()),
				len(g.Records), master, gray(fmt.Sprintf("config %d", g.ConfigID)))
		}
		if next := page.Offset + len(page.Groups); next < page.Total {
			fmt.Printf("\n  %s\n", gray(fmt.Sprintf("more: --offset %d", next)))
		}
		fmt.Println()
	},
}

var groupsShowCmd = &cobra.Command{
	Use:   "show <group>",
	Short: "Show a group and its records",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "group")
		g, err := eng.service.GetGroup(context.Background(), id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		printGroup(g)
	},
}

var groupsMasterCmd = &cobra.Command{
	Use:   "master <group> <record>",
	Short: "Choose the record that survives the merge",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		g, err := eng.service.SetMaster(context.Background(), parseID(args[0], "group"), parseID(args[1], "record"))
		if err != nil {
			printInputError(err)
			os.Exit(1)
		}
		printGroup(g)
	},
}

var groupsDiscardRecordCmd = &cobra.Command{
	Use:   "discard-record <group> <record>",
	Short: "Keep a record out of the group's merge",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		g, err := eng.service.DiscardRecord(context.Background(), parseID(args[0], "group"), parseID(args[1], "record"))
		if err != nil {
			printInputError(err)
			os.Exit(1)
		}
		printGroup(g)
	},
}

var groupsDiscardCmd = &cobra.Command{
	Use:   "discard <group>",
	Short: "Delete a group without merging it",
	Long: `Delete a group without merging it. Later runs skip the same records
unless a new record joins them or engine.remember_discards is off. Use
'dedup configs forget-discarded' to undo. History stays in the activity log.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := parseID(args[0], "group")
		if err := eng.service.DiscardGroup(context.Background(), id); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Discarded group %d\n", green("✓"), id)
	},
}

var groupsMergeCmd = &cobra.Command{
	Use:   "merge <group>",
	Short: "Merge the group's records into its master",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		result, err := eng.service.MergeGroup(context.Background(), parseID(args[0], "group"))
		if err != nil {
			printInputError(err)
			os.Exit(1)
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Merged %v into %s %d (%s)\n", green("✓"), result.LoserIDs, result.TargetType, result.MasterID, result.RemovalMode)
	},
}

func printGroup(g *types.DuplicateGroup) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("\n%s\n\n", cyan(fmt.Sprintf("=== Group %d ===", g.ID)))
	fmt.Printf("  Config:     %d\n", g.ConfigID)
	fmt.Printf("  Similarity: %s\n", similarityColor(g.Percent()).Sprintf("%.1f%%", g.Percent()))
	fmt.Printf("  Created:    %s\n", g.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Println()

	fmt.Printf("%s\n", yellow("Records:"))
	for _, r := range g.Records {
		marker := " "
		note := ""
		switch {
		case g.MasterID != nil && *g.MasterID == r.TargetID:
			marker = color.GreenString("★")
			note = "master"
		case r.IsDiscarded:
			marker = gray("−")
			note = "discarded"
		}
		fmt.Printf("  %s %-10d %s\n", marker, r.TargetID, gray(note))
	}
	if losers := g.Losers(); g.MasterID != nil && len(losers) > 0 {
		fmt.Printf("\n  %s\n", gray(fmt.Sprintf("merge would fold %v into %d", losers, *g.MasterID)))
	}
	fmt.Println()
}

func similarityColor(percent float64) *color.Color {
	switch {
	case percent >= 90:
		return color.New(color.FgGreen)
	case percent >= 60:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgWhite)
	}
}

func parseID(arg, what string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Error: invalid %s id %q\n", what, arg)
		os.Exit(1)
	}
	return id
}

func init() {
	groupsListCmd.Flags().IntP("limit", "n", 20, "Number of groups to show")
	groupsListCmd.Flags().Int("offset", 0, "Skip this many groups")

	groupsCmd.AddCommand(groupsListCmd)
	groupsCmd.AddCommand(groupsShowCmd)
	groupsCmd.AddCommand(groupsMasterCmd)
	groupsCmd.AddCommand(groupsDiscardCmd)
	groupsCmd.AddCommand(groupsDiscardRecordCmd)
	groupsCmd.AddCommand(groupsMergeCmd)
	rootCmd.AddCommand(groupsCmd)
}
