package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/session"
	"github.com/goodtune/usagetrail/internal/timeline"
)

var (
	sessionsDate string
	statsDays    int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Print the sessions of a day",
	Long:  `Project the event log and print the sessions touching one local day with their sub-events.`,
	RunE:  runSessions,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print per-day usage totals",
	Long:  `Print per-day usage per package, total usage and monitored coverage for the last N days.`,
	RunE:  runStats,
}

func init() {
	sessionsCmd.Flags().StringVar(&sessionsDate, "date", "", "Day as YYYY-MM-DD (default today)")
	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Number of days including today")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(statsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	rt, err := openRuntime(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	if err := rt.bootstrap(ctx); err != nil {
		return err
	}

	now := rt.clock.NowMillis()
	date := clock.DateOf(now, rt.loc)
	if sessionsDate != "" {
		if date, err = clock.ParseDate(sessionsDate); err != nil {
			return err
		}
	}

	evs, err := rt.store.EventsBefore(ctx, now+1)
	if err != nil {
		return err
	}
	settings := rt.accounting.Settings()
	proj := timeline.Project(evs, timeline.Config{
		StopGracePeriodMillis: settings.StopGracePeriod.Milliseconds(),
		InitialTargets:        settings.InitialTargets,
	}, now, rt.loc)

	printSessions(date, proj, rt.follower.State().Targets, rt.loc)
	return nil
}

func printSessions(date clock.Date, proj timeline.Projection, targets []string, loc *time.Location) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	faint := color.New(color.Faint)

	_, _ = cyan.Printf("Sessions on %s (%s)\n", date, loc)
	sessions := proj.SessionsOn(date)
	if len(sessions) == 0 {
		fmt.Println("  no sessions")
		return
	}

	for _, s := range sessions {
		end := "open"
		if s.Session.EndedAtMillis != nil {
			end = clockTime(*s.Session.EndedAtMillis, loc)
		}
		state := green
		if s.State != session.StateEnded {
			state = yellow
		}
		fmt.Printf("  %s-%-5s  %-32s ", clockTime(s.Session.StartedAtMillis, loc), end, s.Session.PackageName)
		_, _ = state.Printf("%-6s", s.State)
		if s.Session.EndedAtMillis != nil {
			fmt.Printf("  %s", formatMillis(s.Session.DurationMillis()))
		}
		fmt.Println()
		for _, e := range s.Events {
			line := fmt.Sprintf("      %s %s", clockTime(e.TimestampMillis, loc), e.Type)
			if e.SuggestionID != "" {
				line += " " + e.SuggestionID
			}
			_, _ = faint.Println(line)
		}
	}

	u := proj.UsageForDate(date, targets)
	fmt.Println()
	_, _ = cyan.Println("Usage")
	pkgs := make([]string, 0, len(u.PerPackageMillis))
	for pkg := range u.PerPackageMillis {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	for _, pkg := range pkgs {
		fmt.Printf("  %-32s %s\n", pkg, formatMillis(u.PerPackageMillis[pkg]))
	}
	fmt.Printf("  %-32s %s\n", "all targets", formatMillis(u.AllTargetsMillis))
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsDays < 1 {
		return fmt.Errorf("--days must be at least 1")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	rt, err := openRuntime(cfg, quietLogger())
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	if err := rt.bootstrap(ctx); err != nil {
		return err
	}

	today := clock.DateOf(rt.clock.NowMillis(), rt.loc)
	days, err := rt.history.Days(ctx, today.AddDays(-(statsDays - 1)), today, rt.accounting.Settings())
	if err != nil {
		return err
	}
	printStats(days)
	return nil
}

func printStats(days []timeline.DaySummary) {
	cyan := color.New(color.FgCyan, color.Bold)
	faint := color.New(color.Faint)

	_, _ = cyan.Printf("%-10s  %9s  %9s  %8s  %s\n", "date", "usage", "monitored", "sessions", "packages")
	for _, d := range days {
		pkgs := make([]string, 0, len(d.PerPackageMillis))
		for pkg, ms := range d.PerPackageMillis {
			pkgs = append(pkgs, fmt.Sprintf("%s=%s", pkg, formatMillis(ms)))
		}
		sort.Strings(pkgs)
		fmt.Printf("%-10s  %9s  %9s  %8d  ", d.Date, formatMillis(d.TotalMillis), formatMillis(d.MonitoredMillis), d.SessionCount)
		if len(pkgs) == 0 {
			_, _ = faint.Println("-")
			continue
		}
		fmt.Println(pkgs)
	}
}

func clockTime(ms int64, loc *time.Location) string {
	return time.UnixMilli(ms).In(loc).Format("15:04")
}

// formatMillis renders a duration rounded to the second.
func formatMillis(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}
