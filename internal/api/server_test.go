package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/usagetrail/internal/clock"
	"github.com/goodtune/usagetrail/internal/devicestate"
	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/metrics"
	"github.com/goodtune/usagetrail/internal/policy"
	"github.com/goodtune/usagetrail/internal/storage"
	"github.com/goodtune/usagetrail/internal/storage/sqlite"
	"github.com/goodtune/usagetrail/internal/timeline"
	"github.com/goodtune/usagetrail/internal/usage"
)

var (
	base = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC).UnixMilli()
	hour = time.Hour.Milliseconds()
)

type staticState struct{ st devicestate.State }

func (s staticState) State() devicestate.State { return s.st }

type fixture struct {
	store  storage.EventStore
	acct   *usage.Accounting
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "events.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, e := range []events.TimelineEvent{
		events.At(base-3*hour, events.TargetAppsChanged{TargetPackages: []string{"a"}}),
		events.At(base-2*hour, events.ForegroundApp{PackageName: "a"}),
		events.At(base-hour, events.ForegroundApp{}),
	} {
		_, err := store.Append(ctx, e)
		require.NoError(t, err)
	}

	clk := clock.NewManual(base)
	settings := usage.Settings{StopGracePeriod: 5 * time.Minute}
	acct := usage.New(store, clk, time.UTC, usage.Config{Settings: settings}, zerolog.Nop())
	t.Cleanup(acct.Close)
	require.NoError(t, acct.RefreshIfNeeded(ctx, []string{"a"}, base))

	history, err := usage.NewHistory(store, clk, time.UTC, 8, zerolog.Nop())
	require.NoError(t, err)
	engine, err := policy.NewEngine("", policy.Limits{DailyLimit: time.Hour}, zerolog.Nop())
	require.NoError(t, err)

	st := devicestate.New([]string{"a"})
	return &fixture{
		store: store,
		acct:  acct,
		server: NewServer(Deps{
			Store:      store,
			Accounting: acct,
			History:    history,
			State:      staticState{st: st},
			Policy:     engine,
			Clock:      clk,
			Location:   time.UTC,
		}, zerolog.Nop()),
	}
}

func (fx *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestToday(t *testing.T) {
	fx := newFixture(t)
	rec := fx.do(t, "GET", "/api/today", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[usage.Totals](t, rec)
	assert.Equal(t, "2024-03-10", got.Date.String())
	assert.Equal(t, map[string]int64{"a": hour}, got.PerPackageMillis)
	assert.Equal(t, hour, got.AllTargetsMillis)
	assert.True(t, got.HasSnapshot)
}

func TestTodayPackageWithDecision(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, "GET", "/api/today/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[PackageUsage](t, rec)
	assert.Equal(t, hour, got.TodayMillis)
	assert.True(t, got.Target)
	require.NotNil(t, got.Decision)
	assert.Equal(t, policy.ActionLimit, got.Decision.Action)

	rec = fx.do(t, "GET", "/api/today/other", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[PackageUsage](t, rec)
	assert.False(t, got.Target)
	require.NotNil(t, got.Decision)
	assert.Equal(t, policy.ActionAllow, got.Decision.Action)
}

func TestSessions(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, "GET", "/api/sessions?date=2024-03-10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[DayProjection](t, rec)
	require.Len(t, got.Sessions, 1)
	assert.Equal(t, "a", got.Sessions[0].Session.PackageName)
	require.Len(t, got.Parts, 1)
	assert.Equal(t, hour, got.Parts[0].DurationMillis)
	assert.Equal(t, hour, got.Usage.AllTargetsMillis)

	rec = fx.do(t, "GET", "/api/sessions?date=2024-03-09", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[DayProjection](t, rec)
	assert.Empty(t, got.Sessions)
	assert.Equal(t, "[]", string(mustField(t, rec, "sessions")))

	rec = fx.do(t, "GET", "/api/sessions?date=10/03/2024", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func mustField(t *testing.T, rec *httptest.ResponseRecorder, key string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m[key]
}

func TestStats(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, "GET", "/api/stats?days=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		Days  []timeline.DaySummary `json:"days"`
		Count int                   `json:"count"`
	}](t, rec)
	require.Equal(t, 2, got.Count)
	assert.Equal(t, "2024-03-09", got.Days[0].Date.String())
	assert.Equal(t, "2024-03-10", got.Days[1].Date.String())
	assert.Equal(t, hour, got.Days[1].TotalMillis)

	for _, q := range []string{"0", "-1", "x", "1000"} {
		rec := fx.do(t, "GET", "/api/stats?days="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "days=%s", q)
	}
}

func TestAppendEvent(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, "POST", "/api/events", `{"type":"foreground_app","data":{"package_name":"b"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stored, err := events.Unmarshal(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stored.ID)
	assert.Equal(t, base, stored.TimestampMillis)
	assert.Equal(t, events.ForegroundApp{PackageName: "b"}, stored.Payload)

	after, err := fx.store.EventsAfterID(context.Background(), 3, 10)
	require.NoError(t, err)
	require.Len(t, after, 1)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"type":`},
		{"missing type", `{"ts":1,"data":{}}`},
		{"unknown type", `{"ts":1,"type":"reboot","data":{}}`},
		{"id supplied", `{"id":9,"ts":1,"type":"screen","data":{"on":true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := fx.do(t, "POST", "/api/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, http.StatusBadRequest, decode[ErrorResponse](t, rec).Code)
		})
	}
}

func TestInvalidateAndState(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, "POST", "/api/accounting/invalidate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), decode[map[string]uint64](t, rec)["generation"])

	rec = fx.do(t, "GET", "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[struct {
		State             devicestate.State `json:"state"`
		ActivePackage     string            `json:"active_package"`
		MonitoringEnabled bool              `json:"monitoring_enabled"`
	}](t, rec)
	assert.Equal(t, []string{"a"}, got.State.Targets)
	assert.True(t, got.State.ScreenOn)
	assert.Empty(t, got.ActivePackage)
	assert.True(t, got.MonitoringEnabled)
}

func TestRoutingErrors(t *testing.T) {
	fx := newFixture(t)

	rec := fx.do(t, "GET", "/api/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = fx.do(t, "DELETE", "/api/today", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMountedOnMetricsServer(t *testing.T) {
	fx := newFixture(t)
	srv := metrics.NewServer("127.0.0.1:0", zerolog.Nop(), fx.server)

	for _, path := range []string{"/health", "/api/today", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
