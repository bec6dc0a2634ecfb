package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/devicestate"
	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/metrics"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/timeline"
)

// maxCutoffSteps bounds how far the purge cutoff is walked back past
// sessions that are still open at it.
const maxCutoffSteps = 16

// RolloverScheduler runs the daily rollover: it invalidates the accounting
// and purges events older than the retention period.
type RolloverScheduler struct {
	accounting    *Accounting
	history       *History
	store         storage.EventStore
	clock         clock.TimeSource
	loc           *time.Location
	hour, minute  int
	retentionDays int
	logger        zerolog.Logger
	stopChan      chan struct{}
}

// NewRolloverScheduler creates a new rollover scheduler. rolloverTime is HH:MM
// in loc. A retentionDays of zero disables the purge. history may be nil.
func NewRolloverScheduler(acct *Accounting, history *History, store storage.EventStore, clk clock.TimeSource, loc *time.Location, rolloverTime string, retentionDays int, logger zerolog.Logger) (*RolloverScheduler, error) {
	hour, minute, err := config.ParseClock(rolloverTime)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	return &RolloverScheduler{
		accounting:    acct,
		history:       history,
		store:         store,
		clock:         clk,
		loc:           loc,
		hour:          hour,
		minute:        minute,
		retentionDays: retentionDays,
		logger:        logger.With().Str("component", "rollover-scheduler").Logger(),
		stopChan:      make(chan struct{}),
	}, nil
}

// Start begins the rollover scheduler
func (rs *RolloverScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Str("rollover_time", fmt.Sprintf("%02d:%02d", rs.hour, rs.minute)).
		Int("retention_days", rs.retentionDays).
		Msg("Daily rollover scheduler started")
}

// Stop stops the rollover scheduler
func (rs *RolloverScheduler) Stop() {
	close(rs.stopChan)
	rs.logger.Info().Msg("Daily rollover scheduler stopped")
}

// run is the main scheduler loop
func (rs *RolloverScheduler) run() {
	for {
		now := time.UnixMilli(rs.clock.NowMillis()).In(rs.loc)
		next := rs.nextRollover(now)
		wait := next.Sub(now)

		rs.logger.Info().
			Time("next_rollover", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next daily rollover")

		select {
		case <-time.After(wait):
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := rs.Perform(ctx); err != nil {
				rs.logger.Error().Err(err).Msg("Daily rollover failed")
			}
			cancel()
		case <-rs.stopChan:
			return
		}
	}
}

// nextRollover returns the first rollover instant strictly after now.
func (rs *RolloverScheduler) nextRollover(now time.Time) time.Time {
	today := time.Date(now.Year(), now.Month(), now.Day(), rs.hour, rs.minute, 0, 0, rs.loc)
	if now.Before(today) {
		return today
	}
	return time.Date(now.Year(), now.Month(), now.Day()+1, rs.hour, rs.minute, 0, 0, rs.loc)
}

// Perform runs one rollover.
func (rs *RolloverScheduler) Perform(ctx context.Context) error {
	rs.logger.Info().Msg("Performing daily rollover")
	rs.accounting.Invalidate("rollover")

	if rs.retentionDays <= 0 {
		return nil
	}
	now := rs.clock.NowMillis()
	cutoff := clock.DateOf(now, rs.loc).AddDays(-rs.retentionDays).StartMillis(rs.loc)
	deleted, err := rs.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	rs.logger.Info().
		Int("events_deleted", deleted).
		Time("cutoff", time.UnixMilli(cutoff).In(rs.loc)).
		Msg("Daily rollover complete, old events purged")
	return nil
}

// Purge removes events stamped before cutoff without changing any projection
// of the remaining window. The cutoff moves back past every session still
// open at it, and a checkpoint of the device state just before the cutoff is
// appended so that the remaining log replays to the same state.
func (rs *RolloverScheduler) Purge(ctx context.Context, cutoff int64) (int, error) {
	s := rs.accounting.Settings()

	var (
		prefix []events.TimelineEvent
		err    error
		safe   bool
	)
	for range maxCutoffSteps {
		prefix, err = rs.store.EventsBefore(ctx, cutoff)
		if err != nil {
			return 0, fmt.Errorf("read events before cutoff: %w", err)
		}
		if len(prefix) == 0 {
			return 0, nil
		}
		earliest, open := earliestOpenStart(prefix, s, cutoff, rs.loc)
		if !open {
			safe = true
			break
		}
		cutoff = earliest
	}
	if !safe {
		rs.logger.Warn().Msg("Skipping purge: sessions remain open at every candidate cutoff")
		return 0, nil
	}

	state := devicestate.New(s.InitialTargets)
	for _, e := range events.SortStable(prefix) {
		state.Apply(e)
	}
	// Checkpoint events sit one millisecond before the cutoff and survive
	// the purge below, which removes only what is older.
	checkpointAt := cutoff - 1
	for _, e := range state.Checkpoint(checkpointAt) {
		if _, err := rs.store.Append(ctx, e); err != nil {
			return 0, fmt.Errorf("append checkpoint: %w", err)
		}
		metrics.EventsAppendedTotal.WithLabelValues(string(e.Type())).Inc()
	}

	deleted, err := rs.store.DeleteBefore(ctx, checkpointAt)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	metrics.EventsPurgedTotal.Add(float64(deleted))
	if rs.history != nil && deleted > 0 {
		rs.history.Purge()
	}
	return deleted, nil
}

// earliestOpenStart projects evs at cutoff and returns the earliest start of
// a session still open there.
func earliestOpenStart(evs []events.TimelineEvent, s Settings, cutoff int64, loc *time.Location) (int64, bool) {
	proj := timeline.Project(evs, timeline.Config{
		StopGracePeriodMillis: s.StopGracePeriod.Milliseconds(),
		InitialTargets:        s.InitialTargets,
	}, cutoff, loc)
	var (
		earliest int64
		found    bool
	)
	for _, sess := range proj.Sessions {
		if sess.IsOpen() && (!found || sess.StartedAtMillis < earliest) {
			earliest, found = sess.StartedAtMillis, true
		}
	}
	return earliest, found
}
