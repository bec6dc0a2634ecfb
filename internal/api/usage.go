package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/metrics"
	"github.com/goodtune/usagetrail/internal/policy"
	"github.com/goodtune/usagetrail/internal/session"
	"github.com/goodtune/usagetrail/internal/timeline"
)

const (
	defaultStatsDays = 7
	maxStatsDays     = 366
)

// handleToday returns today's totals for the current targets.
func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	st := s.deps.State.State()
	writeJSON(w, http.StatusOK, s.deps.Accounting.Today(st.Targets, s.deps.Clock.NowMillis()))
}

// PackageUsage is today's usage of one package with the limit decision.
type PackageUsage struct {
	Package     string           `json:"package"`
	TodayMillis int64            `json:"today_ms"`
	Target      bool             `json:"target"`
	Decision    *policy.Decision `json:"decision,omitempty"`
}

// handleTodayPackage returns today's usage of one package.
func (s *Server) handleTodayPackage(w http.ResponseWriter, r *http.Request) {
	pkg := mux.Vars(r)["package"]
	st := s.deps.State.State()

	resp := PackageUsage{
		Package:     pkg,
		TodayMillis: s.deps.Accounting.TodayThisTargetMillis(pkg),
		Target:      st.IsTarget(pkg),
	}
	if s.deps.Policy != nil {
		d := s.deps.Policy.Decide(r.Context(), s.deps.Accounting, pkg)
		resp.Decision = &d
	}
	writeJSON(w, http.StatusOK, resp)
}

// DayProjection is the projection of the log restricted to one day.
type DayProjection struct {
	Date     clock.Date           `json:"date"`
	Sessions []session.WithEvents `json:"sessions"`
	Parts    []timeline.Part      `json:"parts"`
	Usage    timeline.Usage       `json:"usage"`
}

// handleSessions projects the log and returns the sessions touching a day.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := s.deps.Clock.NowMillis()

	date := clock.DateOf(now, s.deps.Location)
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := clock.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date, expected YYYY-MM-DD")
			return
		}
		date = d
	}

	evs, err := s.deps.Store.EventsBefore(ctx, now+1)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read events")
		writeError(w, http.StatusInternalServerError, "Failed to read events")
		return
	}

	settings := s.deps.Accounting.Settings()
	start := time.Now()
	proj := timeline.Project(evs, timeline.Config{
		StopGracePeriodMillis: settings.StopGracePeriod.Milliseconds(),
		InitialTargets:        settings.InitialTargets,
	}, now, s.deps.Location)
	metrics.ProjectionDuration.WithLabelValues("api").Observe(time.Since(start).Seconds())

	sessions := proj.SessionsOn(date)
	if sessions == nil {
		sessions = []session.WithEvents{}
	}
	parts := proj.PartsOn(date)
	if parts == nil {
		parts = []timeline.Part{}
	}
	writeJSON(w, http.StatusOK, DayProjection{
		Date:     date,
		Sessions: sessions,
		Parts:    parts,
		Usage:    proj.UsageForDate(date, s.deps.State.State().Targets),
	})
}

// handleStats returns day summaries for the last N days, today included.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days := defaultStatsDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxStatsDays {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("days must be between 1 and %d", maxStatsDays))
			return
		}
		days = n
	}

	today := clock.DateOf(s.deps.Clock.NowMillis(), s.deps.Location)
	summaries, err := s.deps.History.Days(r.Context(), today.AddDays(-(days - 1)), today, s.deps.Accounting.Settings())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to compute day summaries")
		writeError(w, http.StatusInternalServerError, "Failed to compute day summaries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"days":  summaries,
		"count": len(summaries),
	})
}

// handleState returns the live device state.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st := s.deps.State.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":              st,
		"active_package":     st.ActivePackage(),
		"monitoring_enabled": st.MonitoringEnabled(),
	})
}

// handleInvalidate forces the next tick to recompute today's snapshot.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s.deps.Accounting.Invalidate("api")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"generation": s.deps.Accounting.Generation(),
	})
}
