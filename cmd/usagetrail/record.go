package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/events"
)

var recordAt string

var recordCmd = &cobra.Command{
	Use:   "record TYPE [ARGS...]",
	Short: "Append an observation to the event log",
	Long: `Append one event to the event log.

Types:
  foreground [PACKAGE]                 foreground app changed (no package clears it)
  screen on|off                        screen turned on or off
  targets [PACKAGE...]                 replace the target package set
  permission KIND granted|revoked      usage_stats, accessibility, overlay or notifications
  service started|stopped              observer service lifecycle
  suggestion shown PACKAGE ID          a suggestion was shown
  suggestion accepted|dismissed|ignored PACKAGE ID
  setting KEY VALUE                    a setting changed`,
	Example: `  usagetrail record foreground com.example.game
  usagetrail record screen off
  usagetrail record targets com.example.game com.example.video
  usagetrail record permission usage_stats revoked
  usagetrail record --at -10m service stopped
  usagetrail record setting stop_grace_period 2m`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVar(&recordAt, "at", "", "Event time as RFC3339 or a negative offset such as -5m (default now)")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	payload, err := parseRecord(args)
	if err != nil {
		return err
	}
	ts, err := parseAt(recordAt, time.Now())
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	stored, err := store.Append(context.Background(), events.At(ts, payload))
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(os.Stdout, "Recorded #%d ", stored.ID)
	fmt.Fprintf(os.Stdout, "%s at %s\n", stored.Type(), time.UnixMilli(stored.TimestampMillis).Format(time.RFC3339))
	return nil
}

// parseRecord turns command arguments into an event payload.
func parseRecord(args []string) (events.Payload, error) {
	kind, rest := args[0], args[1:]
	want := func(n int, usage string) error {
		if len(rest) != n {
			return fmt.Errorf("usage: record %s %s", kind, usage)
		}
		return nil
	}

	switch kind {
	case "foreground":
		if len(rest) > 1 {
			return nil, fmt.Errorf("usage: record foreground [PACKAGE]")
		}
		var pkg string
		if len(rest) == 1 {
			pkg = rest[0]
		}
		return events.ForegroundApp{PackageName: pkg}, nil

	case "screen":
		if err := want(1, "on|off"); err != nil {
			return nil, err
		}
		on, err := parseSwitch(rest[0], "on", "off")
		if err != nil {
			return nil, err
		}
		return events.Screen{On: on}, nil

	case "targets":
		return events.TargetAppsChanged{TargetPackages: append([]string{}, rest...)}, nil

	case "permission":
		if err := want(2, "KIND granted|revoked"); err != nil {
			return nil, err
		}
		k := events.PermissionKind(rest[0])
		switch k {
		case events.PermissionUsageStats, events.PermissionAccessibility, events.PermissionOverlay, events.PermissionNotifications:
		default:
			return nil, fmt.Errorf("unknown permission %q", rest[0])
		}
		granted, err := parseSwitch(rest[1], "granted", "revoked")
		if err != nil {
			return nil, err
		}
		return events.Permission{Kind: k, Granted: granted}, nil

	case "service":
		if err := want(1, "started|stopped"); err != nil {
			return nil, err
		}
		started, err := parseSwitch(rest[0], "started", "stopped")
		if err != nil {
			return nil, err
		}
		return events.ServiceLifecycle{Started: started}, nil

	case "suggestion":
		if err := want(3, "shown|accepted|dismissed|ignored PACKAGE ID"); err != nil {
			return nil, err
		}
		if rest[0] == "shown" {
			return events.SuggestionShown{PackageName: rest[1], SuggestionID: rest[2]}, nil
		}
		d := events.Decision(rest[0])
		if _, ok := events.DecisionEventType(d); !ok {
			return nil, fmt.Errorf("unknown suggestion decision %q", rest[0])
		}
		return events.SuggestionDecision{PackageName: rest[1], SuggestionID: rest[2], Decision: d}, nil

	case "setting":
		if len(rest) < 2 {
			return nil, fmt.Errorf("usage: record setting KEY VALUE")
		}
		return events.SettingsChanged{Key: rest[0], ValueDescription: strings.Join(rest[1:], " ")}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", kind)
}

func parseSwitch(v, yes, no string) (bool, error) {
	switch strings.ToLower(v) {
	case yes:
		return true, nil
	case no:
		return false, nil
	}
	return false, fmt.Errorf("expected %s or %s, got %q", yes, no, v)
}

// parseAt resolves --at relative to now. Empty means now.
func parseAt(v string, now time.Time) (int64, error) {
	if v == "" {
		return now.UnixMilli(), nil
	}
	if strings.HasPrefix(v, "-") {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid --at offset: %w", err)
		}
		return now.Add(d).UnixMilli(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, fmt.Errorf("invalid --at time, expected RFC3339: %w", err)
	}
	return t.UnixMilli(), nil
}
