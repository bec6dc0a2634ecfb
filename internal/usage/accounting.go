package usage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/metrics"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/timeline"
)

const (
	// DefaultSnapshotTTL is the age after which a snapshot is recomputed
	DefaultSnapshotTTL = 30 * time.Second

	// DefaultMaxRuntimeStep caps the time one tick may attribute
	DefaultMaxRuntimeStep = 2 * time.Second
)

// Config holds accounting configuration
type Config struct {
	Settings
	SnapshotTTL    time.Duration
	MaxRuntimeStep time.Duration
}

// Accounting answers "usage so far today" from a periodically recomputed
// snapshot plus a runtime delta accumulated by ticks.
//
// All fields below mu are guarded by it. Refreshes run outside the lock and
// commit only if the generation they captured is still current.
type Accounting struct {
	source storage.EventSource
	clock  clock.TimeSource
	loc    *time.Location
	logger zerolog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu          sync.Mutex
	cfg         Config
	snapshot    *Snapshot
	delta       runtimeDelta
	generation  uint64
	hasLastTick bool
	lastTick    int64 // monotonic
	lastActive  string
	inflight    *refreshTask

	// refreshDone is called after every background refresh. Tests use it.
	refreshDone func(result string)
}

// refreshTask identifies one background refresh so that a late teardown
// only clears the in-flight slot it owns.
type refreshTask struct {
	cancel context.CancelFunc
}

// New creates the daily usage accounting
func New(source storage.EventSource, clk clock.TimeSource, loc *time.Location, cfg Config, logger zerolog.Logger) *Accounting {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultSnapshotTTL
	}
	if cfg.MaxRuntimeStep <= 0 {
		cfg.MaxRuntimeStep = DefaultMaxRuntimeStep
	}
	if loc == nil {
		loc = time.Local
	}
	cfg.InitialTargets = slices.Clone(cfg.InitialTargets)

	ctx, cancel := context.WithCancel(context.Background())
	return &Accounting{
		source:  source,
		clock:   clk,
		loc:     loc,
		logger:  logger.With().Str("component", "usage-accounting").Logger(),
		baseCtx: ctx,
		stop:    cancel,
		cfg:     cfg,
		delta:   newDelta(),
	}
}

// OnTick advances the runtime delta. The time since the previous tick is
// attributed to the package that was active at the previous tick, if it is a
// target. A stale snapshot triggers a background refresh.
func (a *Accounting) OnTick(targets []string, activePackage string, nowMillis int64) {
	metrics.TicksTotal.Inc()
	today := clock.DateOf(nowMillis, a.loc)
	mono := a.clock.MonotonicMillis()

	a.mu.Lock()
	if a.crossedDayLocked(today) {
		a.invalidateLocked("rollover")
	}

	if !a.cfg.NeedsDailyTotals() {
		a.lastTick, a.hasLastTick = mono, true
		a.lastActive = activePackage
		a.mu.Unlock()
		return
	}

	if a.hasLastTick && a.lastActive != "" && slices.Contains(targets, a.lastActive) {
		dt := min(max(mono-a.lastTick, 0), a.cfg.MaxRuntimeStep.Milliseconds())
		if dt > 0 {
			a.delta.date = today
			a.delta.perPackage[a.lastActive] += dt
			a.delta.allTargets += dt
		}
	}
	a.lastTick, a.hasLastTick = mono, true
	a.lastActive = activePackage
	stale := a.isStaleLocked(targets, nowMillis, mono)
	a.mu.Unlock()

	if stale {
		a.RequestRefreshIfNeeded(targets, nowMillis)
	}
}

func (a *Accounting) crossedDayLocked(today clock.Date) bool {
	if a.snapshot != nil && a.snapshot.Date != today {
		return true
	}
	return !a.delta.date.IsZero() && a.delta.date != today
}

func (a *Accounting) isStaleLocked(targets []string, nowMillis, mono int64) bool {
	s := a.snapshot
	if s == nil {
		return true
	}
	date := clock.DateOf(nowMillis, a.loc)
	switch {
	case s.DayStartMillis != date.StartMillis(a.loc):
		return true
	case s.GracePeriodMillis != a.cfg.StopGracePeriod.Milliseconds():
		return true
	case s.TargetsKey != targetsKey(targets):
		return true
	}
	return mono-s.ComputedAtMono >= a.cfg.SnapshotTTL.Milliseconds()
}

// RequestRefreshIfNeeded starts a background refresh when the snapshot is
// stale. A request made while a refresh is already in flight is dropped. It
// reports whether a refresh was started.
func (a *Accounting) RequestRefreshIfNeeded(targets []string, nowMillis int64) bool {
	a.mu.Lock()
	if a.baseCtx.Err() != nil {
		a.mu.Unlock()
		return false
	}
	if a.inflight != nil {
		a.mu.Unlock()
		metrics.RefreshTotal.WithLabelValues("dropped").Inc()
		return false
	}
	if !a.isStaleLocked(targets, nowMillis, a.clock.MonotonicMillis()) {
		a.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(a.baseCtx)
	task := &refreshTask{cancel: cancel}
	a.inflight = task
	a.wg.Add(1)
	a.mu.Unlock()

	targets = slices.Clone(targets)
	go func() {
		defer a.wg.Done()
		result, err := a.refresh(ctx, targets, nowMillis)
		if err != nil {
			a.logger.Error().Err(err).Msg("Usage snapshot refresh failed")
		}

		a.mu.Lock()
		if a.inflight == task {
			a.inflight = nil
		}
		done := a.refreshDone
		a.mu.Unlock()
		task.cancel()

		if done != nil {
			done(result)
		}
	}()
	return true
}

// RefreshIfNeeded recomputes today's snapshot synchronously if it is stale.
// Errors are returned to the caller but never affect readers, which keep
// the last snapshot.
func (a *Accounting) RefreshIfNeeded(ctx context.Context, targets []string, nowMillis int64) error {
	_, err := a.refresh(ctx, targets, nowMillis)
	return err
}

func (a *Accounting) refresh(ctx context.Context, targets []string, nowMillis int64) (string, error) {
	if targets == nil {
		targets = []string{}
	}

	a.mu.Lock()
	mono := a.clock.MonotonicMillis()
	if !a.isStaleLocked(targets, nowMillis, mono) {
		a.mu.Unlock()
		metrics.RefreshTotal.WithLabelValues("skipped").Inc()
		return "skipped", nil
	}
	generation := a.generation
	baseline := a.delta.clone()
	cfg := a.cfg
	a.mu.Unlock()

	start := time.Now()
	defer func() { metrics.RefreshDuration.Observe(time.Since(start).Seconds()) }()

	date := clock.DateOf(nowMillis, a.loc)
	dayStart := date.StartMillis(a.loc)

	seed, err := a.source.EventsBefore(ctx, dayStart)
	if err != nil {
		return a.readFailed(generation, fmt.Errorf("read seed events: %w", err))
	}
	today, err := a.source.EventsInRange(ctx, dayStart, nowMillis)
	if err != nil {
		return a.readFailed(generation, fmt.Errorf("read today's events: %w", err))
	}

	projStart := time.Now()
	proj := timeline.Project(append(seed, today...), timeline.Config{
		StopGracePeriodMillis: cfg.StopGracePeriod.Milliseconds(),
		InitialTargets:        cfg.InitialTargets,
	}, nowMillis, a.loc)
	metrics.ProjectionDuration.WithLabelValues("accounting").Observe(time.Since(projStart).Seconds())
	u := proj.UsageForDate(date, targets)

	snap := &Snapshot{
		Date:              date,
		DayStartMillis:    dayStart,
		GracePeriodMillis: cfg.StopGracePeriod.Milliseconds(),
		TargetsKey:        targetsKey(targets),
		PerPackageMillis:  u.PerPackageMillis,
		AllTargetsMillis:  u.AllTargetsMillis,
		ComputedAtMono:    mono,
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != generation {
		metrics.RefreshTotal.WithLabelValues("discarded").Inc()
		a.logger.Debug().
			Uint64("captured_generation", generation).
			Uint64("generation", a.generation).
			Msg("Discarded stale usage snapshot")
		return "discarded", nil
	}
	a.snapshot = snap
	a.delta = a.delta.minus(baseline)
	metrics.RefreshTotal.WithLabelValues("committed").Inc()
	a.logger.Debug().
		Str("date", date.String()).
		Int64("all_targets_ms", snap.AllTargetsMillis).
		Int("events", len(seed)+len(today)).
		Msg("Committed usage snapshot")
	return "committed", nil
}

// readFailed classifies a read error. A read cancelled by Invalidate,
// UpdateSettings or Close, or one that raced a generation bump, is a
// discarded refresh rather than a failure.
func (a *Accounting) readFailed(generation uint64, err error) (string, error) {
	a.mu.Lock()
	current := a.generation
	a.mu.Unlock()

	if current != generation || errors.Is(err, context.Canceled) {
		metrics.RefreshTotal.WithLabelValues("discarded").Inc()
		a.logger.Debug().
			Err(err).
			Uint64("captured_generation", generation).
			Uint64("generation", current).
			Msg("Discarded cancelled usage refresh")
		return "discarded", nil
	}
	metrics.RefreshTotal.WithLabelValues("failed").Inc()
	return "failed", err
}

// Invalidate clears the snapshot and delta, bumps the generation and
// cancels any in-flight refresh.
func (a *Accounting) Invalidate(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidateLocked(reason)
}

func (a *Accounting) invalidateLocked(reason string) {
	a.generation++
	a.snapshot = nil
	a.delta = newDelta()
	if a.inflight != nil {
		a.inflight.cancel()
		a.inflight = nil
	}
	metrics.InvalidationsTotal.WithLabelValues(reason).Inc()
	a.logger.Debug().Str("reason", reason).Uint64("generation", a.generation).Msg("Invalidated usage accounting")
}

// UpdateSettings applies new tracking settings. Changing the grace period or
// the initial targets invalidates the accounting.
func (a *Accounting) UpdateSettings(s Settings) {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := s.StopGracePeriod != a.cfg.StopGracePeriod ||
		targetsKey(s.InitialTargets) != targetsKey(a.cfg.InitialTargets)
	a.cfg.Settings = Settings{
		StopGracePeriod: s.StopGracePeriod,
		InitialTargets:  slices.Clone(s.InitialTargets),
		Mode:            s.Mode,
	}
	if changed {
		a.invalidateLocked("settings")
	}
}

// Settings returns the current settings.
func (a *Accounting) Settings() Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.cfg.Settings
	s.InitialTargets = slices.Clone(s.InitialTargets)
	return s
}

// TodayThisTargetMillis returns today's usage of pkg so far.
func (a *Accounting) TodayThisTargetMillis(pkg string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var v int64
	if a.snapshot != nil {
		v = a.snapshot.PerPackageMillis[pkg]
	}
	return v + a.delta.perPackage[pkg]
}

// TodayAllTargetsMillis returns today's usage of all targets so far.
func (a *Accounting) TodayAllTargetsMillis() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var v int64
	if a.snapshot != nil {
		v = a.snapshot.AllTargetsMillis
	}
	return v + a.delta.allTargets
}

// Today returns today's totals for the given targets.
func (a *Accounting) Today(targets []string, nowMillis int64) Totals {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := Totals{
		Date:             clock.DateOf(nowMillis, a.loc),
		PerPackageMillis: make(map[string]int64, len(targets)),
		AllTargetsMillis: a.delta.allTargets,
		HasSnapshot:      a.snapshot != nil,
		Generation:       a.generation,
	}
	if a.snapshot != nil {
		t.AllTargetsMillis += a.snapshot.AllTargetsMillis
	}
	for _, pkg := range targets {
		v := a.delta.perPackage[pkg]
		if a.snapshot != nil {
			v += a.snapshot.PerPackageMillis[pkg]
		}
		t.PerPackageMillis[pkg] = v
	}
	return t
}

// Generation returns the current invalidation generation.
func (a *Accounting) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// Close cancels any in-flight refresh and waits for it to return.
func (a *Accounting) Close() {
	a.mu.Lock()
	a.stop()
	a.mu.Unlock()
	a.wg.Wait()
}
