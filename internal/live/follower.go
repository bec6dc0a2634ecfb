// Package live follows the event log as it grows and drives the daily usage
// accounting from it.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/devicestate"
	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/metrics"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/usage"
)

const (
	// DefaultTickInterval is how often the log is polled and the
	// accounting ticked
	DefaultTickInterval = time.Second

	// batchSize bounds one EventsAfterID read
	batchSize = 500

	// lateEventThreshold is how far behind the clock an event may be
	// stamped before it is treated as rewriting history
	lateEventThreshold = time.Minute
)

// Follower folds newly appended events into the device state and ticks the
// accounting with the package currently accruing usage.
type Follower struct {
	store      storage.EventStore
	accounting *usage.Accounting
	history    *usage.History
	clock      clock.TimeSource
	interval   time.Duration
	logger     zerolog.Logger

	mu     sync.RWMutex
	state  devicestate.State
	lastID int64
	// stale is set once a late event has been read and cleared only by a
	// successful rebuild.
	stale bool
	// base holds the configured settings the log may override.
	base usage.Settings
}

// NewFollower creates a follower. history may be nil.
func NewFollower(store storage.EventStore, acct *usage.Accounting, history *usage.History, clk clock.TimeSource, interval time.Duration, logger zerolog.Logger) *Follower {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	base := acct.Settings()
	return &Follower{
		store:      store,
		accounting: acct,
		history:    history,
		clock:      clk,
		interval:   interval,
		logger:     logger.With().Str("component", "follower").Logger(),
		state:      devicestate.New(base.InitialTargets),
		base:       base,
	}
}

// Bootstrap folds the whole existing log without ticking.
func (f *Follower) Bootstrap(ctx context.Context) error {
	n, err := f.drain(ctx, false)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.applySettingsLocked()
	f.mu.Unlock()
	f.logger.Info().Int("events", n).Int64("last_id", f.LastID()).Msg("Bootstrapped live state")
	return nil
}

// Step folds new events and ticks the accounting once.
func (f *Follower) Step(ctx context.Context) error {
	if _, err := f.drain(ctx, true); err != nil {
		return err
	}

	now := f.clock.NowMillis()
	f.mu.RLock()
	targets := append([]string(nil), f.state.Targets...)
	active := f.state.ActivePackage()
	f.mu.RUnlock()

	f.accounting.OnTick(targets, active, now)

	for _, pkg := range targets {
		metrics.TodayUsageSeconds.WithLabelValues(pkg).Set(float64(f.accounting.TodayThisTargetMillis(pkg)) / 1000)
	}
	metrics.TodayUsageSeconds.WithLabelValues(metrics.AllTargetsLabel).Set(float64(f.accounting.TodayAllTargetsMillis()) / 1000)
	return nil
}

// Run bootstraps and then steps every interval until ctx is done.
func (f *Follower) Run(ctx context.Context) error {
	if err := f.Bootstrap(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := f.Step(ctx); err != nil {
				f.logger.Error().Err(err).Msg("Failed to follow event log")
			}
		}
	}
}

// drain reads every event appended since the last read. With react set,
// target, settings and late events update the accounting. A failed rebuild
// is retried by the next drain.
func (f *Follower) drain(ctx context.Context, react bool) (int, error) {
	total := 0
	for {
		f.mu.RLock()
		after := f.lastID
		f.mu.RUnlock()

		evs, err := f.store.EventsAfterID(ctx, after, batchSize)
		if err != nil {
			return total, fmt.Errorf("read events after %d: %w", after, err)
		}
		for _, e := range evs {
			f.apply(e, react)
		}
		total += len(evs)
		if len(evs) < batchSize {
			break
		}
	}

	f.mu.RLock()
	stale := f.stale
	f.mu.RUnlock()
	if stale {
		if err := f.rebuild(ctx); err != nil {
			return total, err
		}
		f.accounting.Invalidate("late_event")
		if f.history != nil {
			f.history.Purge()
		}
	}
	return total, nil
}

// apply folds one event in arrival order. Late events, stamped before events
// already folded or well behind the clock, mark the state stale and are left
// to rebuild.
func (f *Follower) apply(e events.TimelineEvent, react bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastID = e.ID
	outOfOrder := e.TimestampMillis < f.state.LastEventMillis
	if react && (outOfOrder || e.TimestampMillis < f.clock.NowMillis()-lateEventThreshold.Milliseconds()) {
		f.logger.Debug().
			Int64("event_id", e.ID).
			Str("type", string(e.Type())).
			Time("timestamp", time.UnixMilli(e.TimestampMillis)).
			Msg("Late event rewrites history")
		f.stale = true
		return
	}
	if outOfOrder {
		// Bootstrap folds in ID order; rebuild restores time order.
		f.stale = true
		return
	}

	change := f.state.Apply(e)
	if !react {
		return
	}
	if change.Targets {
		f.logger.Info().Strs("targets", f.state.Targets).Msg("Target packages changed")
		// Drop gauges of packages that are no longer targets.
		metrics.TodayUsageSeconds.Reset()
	}
	if change.Setting != "" {
		f.applySettingsLocked()
	}
}

// rebuild refolds the state from the whole log in timestamp order.
func (f *Follower) rebuild(ctx context.Context) error {
	evs, err := f.store.EventsBefore(ctx, f.clock.NowMillis()+1)
	if err != nil {
		return fmt.Errorf("rebuild live state: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	state := devicestate.New(f.base.InitialTargets)
	for _, e := range evs {
		state.Apply(e)
	}
	f.state = state
	f.stale = false
	f.applySettingsLocked()
	metrics.TodayUsageSeconds.Reset()
	return nil
}

// applySettingsLocked overlays settings recorded in the log on the
// configured ones.
func (f *Follower) applySettingsLocked() {
	s := f.base
	if grace, ok := f.state.StopGracePeriod(); ok {
		s.StopGracePeriod = grace
	}
	switch mode := f.state.Settings[devicestate.SettingTrackingMode]; mode {
	case config.ModeDailyLimit, config.ModeSessionOnly:
		s.Mode = mode
	}
	f.accounting.UpdateSettings(s)
}

// State returns a copy of the current device state.
func (f *Follower) State() devicestate.State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Clone()
}

// LastID returns the ID of the newest folded event.
func (f *Follower) LastID() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastID
}
