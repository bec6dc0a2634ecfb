package session

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/usagetrail/internal/events"
)

const (
	pkgA = "com.example.a"
	pkgB = "com.example.b"
)

func targets(ts int64, pkgs ...string) events.TimelineEvent {
	return events.At(ts, events.TargetAppsChanged{TargetPackages: pkgs})
}

func fg(ts int64, pkg string) events.TimelineEvent {
	return events.At(ts, events.ForegroundApp{PackageName: pkg})
}

func screen(ts int64, on bool) events.TimelineEvent {
	return events.At(ts, events.Screen{On: on})
}

func perm(ts int64, granted bool) events.TimelineEvent {
	return events.At(ts, events.Permission{Kind: events.PermissionUsageStats, Granted: granted})
}

func service(ts int64, started bool) events.TimelineEvent {
	return events.At(ts, events.ServiceLifecycle{Started: started})
}

type step struct {
	typ events.SessionEventType
	ts  int64
}

func steps(s WithEvents) []step {
	out := make([]step, 0, len(s.Events))
	for _, e := range s.Events {
		out = append(out, step{e.Type, e.TimestampMillis})
	}
	return out
}

func TestProject_LeaveAfterGraceClosesAtPause(t *testing.T) {
	evs := []events.TimelineEvent{targets(0, pkgA), fg(10, pkgA), fg(20, "")}

	sessions := Project(evs, 100, 200)

	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, pkgA, s.Session.PackageName)
	assert.Equal(t, int64(10), s.Session.StartedAtMillis)
	require.NotNil(t, s.Session.EndedAtMillis)
	assert.Equal(t, int64(20), *s.Session.EndedAtMillis)
	assert.Equal(t, StateEnded, s.State)
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionPause, 20},
		{events.SessionEnd, 20},
	}, steps(s))
}

func TestProject_LeaveWithinGraceStaysOpen(t *testing.T) {
	evs := []events.TimelineEvent{targets(0, pkgA), fg(10, pkgA), fg(20, "")}

	sessions := Project(evs, 100, 90)

	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Nil(t, s.Session.EndedAtMillis)
	assert.Equal(t, StatePaused, s.State)
	require.NotNil(t, s.PausedAtMillis)
	assert.Equal(t, int64(20), *s.PausedAtMillis)
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionPause, 20},
	}, steps(s))
}

func TestProject_GraceBoundary(t *testing.T) {
	const grace = 100
	const t0 = 50

	t.Run("re-enter one millisecond before grace", func(t *testing.T) {
		evs := []events.TimelineEvent{
			targets(0, pkgA), fg(10, pkgA), fg(t0, pkgB), fg(t0+grace-1, pkgA),
		}
		sessions := Project(evs, grace, 1000)
		require.Len(t, sessions, 1)
		assert.Nil(t, sessions[0].Session.EndedAtMillis)
		assert.Equal(t, StateActive, sessions[0].State)
		assert.Equal(t, []step{
			{events.SessionStart, 10},
			{events.SessionPause, t0},
			{events.SessionResume, t0 + grace - 1},
		}, steps(sessions[0]))
	})

	t.Run("re-enter exactly at grace", func(t *testing.T) {
		evs := []events.TimelineEvent{
			targets(0, pkgA), fg(10, pkgA), fg(t0, pkgB), fg(t0+grace, pkgA),
		}
		sessions := Project(evs, grace, 1000)
		require.Len(t, sessions, 2)
		first, second := sessions[0], sessions[1]
		require.NotNil(t, first.Session.EndedAtMillis)
		assert.Equal(t, int64(t0), *first.Session.EndedAtMillis)
		assert.Equal(t, int64(t0+grace), second.Session.StartedAtMillis)
		assert.Nil(t, second.Session.EndedAtMillis)
		assert.NotEqual(t, first.Session.ID, second.Session.ID)
	})
}

func TestProject_ScreenOffPause(t *testing.T) {
	t.Run("screen on within grace resumes", func(t *testing.T) {
		evs := []events.TimelineEvent{
			targets(0, pkgA), fg(10, pkgA), screen(20, false), screen(50, true),
		}
		sessions := Project(evs, 100, 60)
		require.Len(t, sessions, 1)
		assert.Equal(t, []step{
			{events.SessionStart, 10},
			{events.SessionPause, 20},
			{events.SessionResume, 50},
		}, steps(sessions[0]))
	})

	t.Run("screen on after grace starts a new session", func(t *testing.T) {
		evs := []events.TimelineEvent{
			targets(0, pkgA), fg(10, pkgA), screen(20, false), screen(500, true),
		}
		sessions := Project(evs, 100, 600)
		require.Len(t, sessions, 2)
		assert.Equal(t, int64(20), *sessions[0].Session.EndedAtMillis)
		assert.Equal(t, int64(500), sessions[1].Session.StartedAtMillis)
	})
}

func TestProject_BlindPauseNeedsForegroundToResume(t *testing.T) {
	evs := []events.TimelineEvent{
		targets(0, pkgA), fg(10, pkgA), perm(20, false), perm(30, true),
	}

	sessions := Project(evs, 100, 40)
	require.Len(t, sessions, 1)
	assert.Equal(t, StatePaused, sessions[0].State)
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionPause, 20},
	}, steps(sessions[0]))

	evs = append(evs, fg(40, pkgA))
	sessions = Project(evs, 100, 50)
	require.Len(t, sessions, 1)
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionPause, 20},
		{events.SessionResume, 40},
	}, steps(sessions[0]))
}

func TestProject_ServiceStopPausesAndForgetsForeground(t *testing.T) {
	evs := []events.TimelineEvent{
		targets(0, pkgA), fg(10, pkgA), service(20, false), service(30, true), screen(35, false), screen(40, true),
	}

	sessions := Project(evs, 100, 50)
	require.Len(t, sessions, 1)
	// The screen toggle must not resume: the foreground was cleared when blind.
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionPause, 20},
	}, steps(sessions[0]))
}

func TestProject_TargetRemovalIsUngraced(t *testing.T) {
	evs := []events.TimelineEvent{
		targets(0, pkgA, pkgB), fg(10, pkgA), targets(30, pkgB),
	}

	sessions := Project(evs, 10_000, 40)
	require.Len(t, sessions, 1)
	require.NotNil(t, sessions[0].Session.EndedAtMillis)
	assert.Equal(t, int64(30), *sessions[0].Session.EndedAtMillis)
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionEnd, 30},
	}, steps(sessions[0]))
}

func TestProject_TargetAddedWhileInForeground(t *testing.T) {
	evs := []events.TimelineEvent{fg(10, pkgA), targets(25, pkgA)}

	sessions := Project(evs, 100, 40)
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(25), sessions[0].Session.StartedAtMillis)
}

func TestProject_InitialTargets(t *testing.T) {
	evs := []events.TimelineEvent{fg(10, pkgA)}

	assert.Empty(t, Project(evs, 100, 20))

	sessions := ProjectWithOptions(evs, 100, 20, Options{InitialTargets: []string{pkgA}})
	require.Len(t, sessions, 1)
	assert.Equal(t, int64(10), sessions[0].Session.StartedAtMillis)
}

func TestProject_Suggestions(t *testing.T) {
	evs := []events.TimelineEvent{
		targets(0, pkgA),
		fg(10, pkgA),
		events.At(15, events.SuggestionShown{PackageName: pkgA, SuggestionID: "s1"}),
		events.At(16, events.SuggestionDecision{PackageName: pkgA, SuggestionID: "s1", Decision: events.DecisionDismissed}),
		// Decision without a shown event is dropped.
		events.At(17, events.SuggestionDecision{PackageName: pkgA, SuggestionID: "nope", Decision: events.DecisionAccepted}),
		fg(20, ""),
		// Session closes at 20 once grace elapses at 120; this one arrives later.
		events.At(150, events.SuggestionShown{PackageName: pkgA, SuggestionID: "s2"}),
		fg(200, pkgA),
		events.At(210, events.SuggestionShown{PackageName: pkgA, SuggestionID: "s3"}),
		events.At(220, events.SuggestionDecision{PackageName: pkgA, SuggestionID: "s3", Decision: events.DecisionAccepted}),
	}

	sessions := Project(evs, 100, 300)
	require.Len(t, sessions, 2)
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionSuggestionShown, 15},
		{events.SessionSuggestionDismissed, 16},
		{events.SessionPause, 20},
		{events.SessionEnd, 20},
	}, steps(sessions[0]))
	assert.Equal(t, []step{
		{events.SessionStart, 200},
		{events.SessionSuggestionShown, 210},
		{events.SessionSuggestionAccepted, 220},
	}, steps(sessions[1]))
}

func TestProject_EndKeepsSubEventsInTimeOrder(t *testing.T) {
	evs := []events.TimelineEvent{
		targets(0, pkgA),
		fg(10, pkgA),
		fg(20, ""),
		events.At(50, events.SuggestionShown{PackageName: pkgA, SuggestionID: "s1"}),
	}

	sessions := Project(evs, 100, 500)
	require.Len(t, sessions, 1)
	assert.Equal(t, []step{
		{events.SessionStart, 10},
		{events.SessionPause, 20},
		{events.SessionEnd, 20},
		{events.SessionSuggestionShown, 50},
	}, steps(sessions[0]))
}

func TestProject_TiesKeepLogOrder(t *testing.T) {
	evs := []events.TimelineEvent{targets(0, pkgA, pkgB), fg(10, pkgA), fg(10, pkgB)}

	sessions := Project(evs, 100, 20)
	require.Len(t, sessions, 2)
	assert.Equal(t, pkgA, sessions[0].Session.PackageName)
	assert.Equal(t, StatePaused, sessions[0].State)
	assert.Equal(t, pkgB, sessions[1].Session.PackageName)
	assert.Equal(t, StateActive, sessions[1].State)
}

func TestProject_IgnoresFutureAndUnknownEvents(t *testing.T) {
	evs := []events.TimelineEvent{
		targets(0, pkgA),
		events.At(5, events.Unknown{Tag: "minigame_played"}),
		fg(10, pkgA),
		fg(500, ""),
	}

	sessions := Project(evs, 100, 100)
	require.Len(t, sessions, 1)
	assert.Equal(t, StateActive, sessions[0].State)
}

func TestProject_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pkgs := []string{pkgA, pkgB, "com.example.c", ""}

	for run := 0; run < 50; run++ {
		var evs []events.TimelineEvent
		ts := int64(0)
		evs = append(evs, targets(ts, pkgA, pkgB))
		for i := 0; i < 200; i++ {
			ts += int64(rng.Intn(80))
			switch rng.Intn(6) {
			case 0, 1, 2:
				evs = append(evs, fg(ts, pkgs[rng.Intn(len(pkgs))]))
			case 3:
				evs = append(evs, screen(ts, rng.Intn(2) == 0))
			case 4:
				evs = append(evs, perm(ts, rng.Intn(3) != 0))
			case 5:
				if rng.Intn(4) == 0 {
					evs = append(evs, targets(ts, pkgs[rng.Intn(3)]))
				} else {
					evs = append(evs, service(ts, rng.Intn(4) != 0))
				}
			}
		}
		now := ts + int64(rng.Intn(200))

		first := Project(evs, 100, now)
		second := Project(evs, 100, now)
		require.Equal(t, first, second, "projection must be idempotent")

		for _, s := range first {
			assertAlternates(t, s)
			for i := 1; i < len(s.Events); i++ {
				require.LessOrEqual(t, s.Events[i-1].TimestampMillis, s.Events[i].TimestampMillis, "sub-events out of order")
			}
		}
		assertOneOpenPerPackage(t, first, now)
	}
}

func assertAlternates(t *testing.T, s WithEvents) {
	t.Helper()
	var lifecycle []events.SessionEventType
	for _, e := range s.Events {
		if e.Type.IsLifecycle() {
			lifecycle = append(lifecycle, e.Type)
		}
	}
	require.NotEmpty(t, lifecycle)
	require.Equal(t, events.SessionStart, lifecycle[0])
	running := true
	for i, typ := range lifecycle[1:] {
		switch typ {
		case events.SessionPause:
			require.True(t, running, "pause while paused at %d", i)
			running = false
		case events.SessionResume:
			require.False(t, running, "resume while running at %d", i)
			running = true
		case events.SessionEnd:
			require.Equal(t, len(lifecycle)-2, i, "end must be last")
		default:
			t.Fatalf("unexpected %s after start", typ)
		}
	}
	if s.Session.EndedAtMillis != nil {
		require.Equal(t, events.SessionEnd, lifecycle[len(lifecycle)-1])
	}
}

func assertOneOpenPerPackage(t *testing.T, sessions []WithEvents, now int64) {
	t.Helper()
	byPkg := make(map[string][]Session)
	for _, s := range sessions {
		byPkg[s.Session.PackageName] = append(byPkg[s.Session.PackageName], s.Session)
	}
	for pkg, list := range byPkg {
		for i := 1; i < len(list); i++ {
			prev := list[i-1]
			require.NotNil(t, prev.EndedAtMillis, "%s: session %d open while next starts", pkg, i-1)
			require.LessOrEqual(t, *prev.EndedAtMillis, list[i].StartedAtMillis, pkg)
		}
		last := list[len(list)-1]
		if last.EndedAtMillis != nil {
			require.LessOrEqual(t, *last.EndedAtMillis, now)
		}
	}
}
