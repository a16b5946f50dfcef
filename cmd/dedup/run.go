package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/dedup/internal/orchestrator"
)

var runCmd = &cobra.Command{
	Use:   "run [config...]",
	Short: "Run detection now",
	Long: `Run detection for the given configs (ids or names), or for every active
config when none is given, and wait for the run to finish.

Ctrl+C cancels the run. Groups already committed stay; nothing is left half
written.

Examples:
  dedup run                       # every active config
  dedup run contacts-by-email     # one config
  dedup run 3 7 --timeout 10m`,
	Run: func(cmd *cobra.Command, args []string) {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if timeout > 0 {
			var cancelTimeout context.CancelFunc
			ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
			defer cancelTimeout()
		}

		ids := make([]int64, 0, len(args))
		for _, ref := range args {
			cfg, err := lookupConfig(ctx, ref)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			ids = append(ids, cfg.ID)
		}

		report, err := eng.service.Run(ctx, ids...)
		if err != nil {
			if errors.Is(err, orchestrator.ErrRunInProgress) {
				fmt.Fprintf(os.Stderr, "Error: another run is in progress\n")
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}

		printReport(report)
		if report.Status() != orchestrator.StatusSuccess {
			os.Exit(1)
		}
	},
}

func printReport(report *orchestrator.RunReport) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Printf("\nRun %s %s\n\n", report.RunID, gray(fmt.Sprintf("(%s, %s)", report.Trigger, report.Duration().Round(time.Millisecond))))
	if len(report.Configs) == 0 {
		fmt.Printf("  %s\n\n", gray("No active configs"))
		return
	}

	for _, cr := range report.Configs {
		icon := green("✓")
		switch {
		case cr.Err != nil || cr.Error != "":
			icon = red("✗")
		case cr.Cancelled:
			icon = yellow("⚠")
		}
		fmt.Printf("  %s %-24s %s\n", icon, truncateString(cr.Name, 24), cr.Summary())
	}

	totals := report.Totals()
	fmt.Printf("\n  Total: %s created, %s replaced, %s merged\n",
		green(formatNumber(totals.Created)),
		formatNumber(totals.Replaced),
		formatNumber(totals.Merged))

	switch report.Status() {
	case orchestrator.StatusPartial:
		fmt.Printf("  %s\n", yellow("Some configs were abandoned; see the errors above"))
	case orchestrator.StatusCancelled:
		fmt.Printf("  %s\n", yellow("Run cancelled"))
	}
	fmt.Println()
}

func init() {
	runCmd.Flags().Duration("timeout", 0, "Cancel the run after this long (0 = no limit)")
	rootCmd.AddCommand(runCmd)
}
