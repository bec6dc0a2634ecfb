package usage

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/metrics"
	"github.com/goodtune/usagetrail/internal/monitoring"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/timeline"
)

// historyKey identifies a closed-day summary. A summary depends on the grace
// period and the initial targets as well as the date.
type historyKey struct {
	date        clock.Date
	graceMillis int64
	targets     string
}

// History computes per-day summaries from the event log. A day's summary is
// final, and cached, once the day plus one grace period has passed: a
// session paused before midnight may still resume within the grace.
type History struct {
	source storage.EventSource
	clock  clock.TimeSource
	loc    *time.Location
	cache  *lru.Cache[historyKey, timeline.DaySummary]
	logger zerolog.Logger
}

// NewHistory creates a history with room for size cached days.
func NewHistory(source storage.EventSource, clk clock.TimeSource, loc *time.Location, size int, logger zerolog.Logger) (*History, error) {
	cache, err := lru.New[historyKey, timeline.DaySummary](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}
	if loc == nil {
		loc = time.Local
	}
	return &History{
		source: source,
		clock:  clk,
		loc:    loc,
		cache:  cache,
		logger: logger.With().Str("component", "usage-history").Logger(),
	}, nil
}

// DaySummary returns the summary of one day.
func (h *History) DaySummary(ctx context.Context, date clock.Date, s Settings) (timeline.DaySummary, error) {
	out, err := h.Days(ctx, date, date, s)
	if err != nil {
		return timeline.DaySummary{}, err
	}
	return out[0], nil
}

// Days returns one summary per day from first to last inclusive. Days after
// today are reported empty.
func (h *History) Days(ctx context.Context, first, last clock.Date, s Settings) ([]timeline.DaySummary, error) {
	if last.Before(first) {
		return nil, fmt.Errorf("invalid range %s..%s", first, last)
	}
	now := h.clock.NowMillis()
	final := func(d clock.Date) bool {
		_, end := d.Bounds(h.loc)
		return end+s.StopGracePeriod.Milliseconds() <= now
	}

	var dates []clock.Date
	for d := first; !last.Before(d); d = d.AddDays(1) {
		dates = append(dates, d)
	}

	out := make([]timeline.DaySummary, len(dates))
	var missing []int
	for i, d := range dates {
		if final(d) {
			if sum, ok := h.cache.Get(h.key(d, s)); ok {
				metrics.HistoryCacheLookups.WithLabelValues("hit").Inc()
				out[i] = sum
				continue
			}
			metrics.HistoryCacheLookups.WithLabelValues("miss").Inc()
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	// One projection covers every missing day. Events after a day still
	// decide whether a session paused near its end resumed.
	evs, err := h.source.EventsBefore(ctx, now+1)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	start := time.Now()
	proj := timeline.Project(evs, timeline.Config{
		StopGracePeriodMillis: s.StopGracePeriod.Milliseconds(),
		InitialTargets:        s.InitialTargets,
	}, now, h.loc)
	metrics.ProjectionDuration.WithLabelValues("history").Observe(time.Since(start).Seconds())

	for _, i := range missing {
		d := dates[i]
		periods := monitoring.BuildPeriodsForDate(d, h.loc, evs, now)
		sum := proj.Summarize(d, periods)
		out[i] = sum
		if final(d) {
			h.cache.Add(h.key(d, s), sum)
		}
	}
	h.logger.Debug().
		Str("first", first.String()).
		Str("last", last.String()).
		Int("computed", len(missing)).
		Int("events", len(evs)).
		Msg("Computed day summaries")
	return out, nil
}

// Purge drops every cached summary.
func (h *History) Purge() {
	h.cache.Purge()
}

func (h *History) key(d clock.Date, s Settings) historyKey {
	return historyKey{
		date:        d,
		graceMillis: s.StopGracePeriod.Milliseconds(),
		targets:     targetsKey(s.InitialTargets),
	}
}
