package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/policy"
)

var checkCmd = &cobra.Command{
	Use:     "check PACKAGE",
	Short:   "Check today's usage and limit decision for a package",
	Long:    `Compute today's usage of a package from the event log and show the decision the limit policy makes for it.`,
	Example: `  usagetrail -c config.yaml check com.example.game`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	pkg := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := quietLogger()

	rt, err := openRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	if err := rt.bootstrap(ctx); err != nil {
		return err
	}
	state := rt.follower.State()
	if err := rt.accounting.RefreshIfNeeded(ctx, state.Targets, rt.clock.NowMillis()); err != nil {
		return fmt.Errorf("failed to compute today's usage: %w", err)
	}

	limits, err := policy.LimitsFromConfig(cfg.Policy)
	if err != nil {
		return err
	}
	engine, err := policy.NewEngine(cfg.Policy.PolicyDir, limits, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	decision, err := engine.Evaluate(ctx, pkg, rt.accounting.TodayThisTargetMillis(pkg), rt.accounting.TodayAllTargetsMillis())
	if err != nil {
		return err
	}

	printCheckResult(pkg, state.IsTarget(pkg), rt.accounting.TodayThisTargetMillis(pkg), rt.accounting.TodayAllTargetsMillis(), decision)
	return nil
}

// printCheckResult prints the check result with colors
func printCheckResult(pkg string, target bool, todayMillis, allMillis int64, d policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	_, _ = cyan.Println("Usage Check")
	fmt.Fprintf(os.Stdout, "  Package:      %s\n", pkg)
	fmt.Fprintf(os.Stdout, "  Target:       %t\n", target)
	fmt.Fprintf(os.Stdout, "  Today:        %s\n", formatMillis(todayMillis))
	fmt.Fprintf(os.Stdout, "  All targets:  %s\n", formatMillis(allMillis))
	fmt.Println()

	fmt.Fprint(os.Stdout, "  Decision:     ")
	switch d.Action {
	case policy.ActionAllow:
		_, _ = green.Println("ALLOW")
	case policy.ActionWarn:
		_, _ = yellow.Println("WARN")
	default:
		_, _ = red.Println("LIMIT")
	}
	fmt.Fprintf(os.Stdout, "  Reason:       %s\n", d.Reason)
	if d.RemainingMillis >= 0 {
		fmt.Fprintf(os.Stdout, "  Remaining:    %s\n", formatMillis(d.RemainingMillis))
	}
}
