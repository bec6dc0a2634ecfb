// Package storagetest holds the conformance suite every event store backend
// runs in its own tests.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/storage"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) storage.EventStore

// Run exercises the storage.EventStore contract.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.EventStore)
	}{
		{"AppendAssignsIncreasingIDs", testAppendAssignsIDs},
		{"AppendRejectsInvalid", testAppendRejectsInvalid},
		{"EventByID", testEventByID},
		{"RangeOrderingAndBounds", testRangeOrdering},
		{"EventsBefore", testEventsBefore},
		{"EventsAfterID", testEventsAfterID},
		{"DeleteBefore", testDeleteBefore},
		{"UnknownPayloadSurvives", testUnknownPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			defer func() { _ = s.Close() }()
			tt.fn(t, s)
		})
	}
}

func appendAll(t *testing.T, s storage.EventStore, evs ...events.TimelineEvent) []events.TimelineEvent {
	t.Helper()
	out := make([]events.TimelineEvent, 0, len(evs))
	for _, ev := range evs {
		stored, err := s.Append(context.Background(), ev)
		require.NoError(t, err)
		out = append(out, stored)
	}
	return out
}

func ids(evs []events.TimelineEvent) []int64 {
	out := make([]int64, len(evs))
	for i, ev := range evs {
		out[i] = ev.ID
	}
	return out
}

func fg(ts int64, pkg string) events.TimelineEvent {
	return events.At(ts, events.ForegroundApp{PackageName: pkg})
}

func testAppendAssignsIDs(t *testing.T, s storage.EventStore) {
	stored := appendAll(t, s,
		events.At(10, events.TargetAppsChanged{TargetPackages: []string{"a", "b"}}),
		fg(20, "a"),
		fg(5, "b"),
	)
	require.Len(t, stored, 3)
	assert.Positive(t, stored[0].ID)
	assert.Less(t, stored[0].ID, stored[1].ID)
	assert.Less(t, stored[1].ID, stored[2].ID)
	assert.Equal(t, events.ForegroundApp{PackageName: "a"}, stored[1].Payload)
}

func testAppendRejectsInvalid(t *testing.T, s storage.EventStore) {
	ctx := context.Background()
	_, err := s.Append(ctx, events.TimelineEvent{TimestampMillis: 1})
	assert.Error(t, err)

	ev := fg(1, "a")
	ev.ID = 99
	_, err = s.Append(ctx, ev)
	assert.Error(t, err)
}

func testEventByID(t *testing.T, s storage.EventStore) {
	stored := appendAll(t, s, events.At(42, events.Permission{Kind: events.PermissionOverlay, Granted: false}))

	got, err := s.Event(context.Background(), stored[0].ID)
	require.NoError(t, err)
	assert.Equal(t, stored[0], got)

	_, err = s.Event(context.Background(), stored[0].ID+1000)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testRangeOrdering(t *testing.T, s storage.EventStore) {
	stored := appendAll(t, s,
		fg(300, "c"),
		fg(100, "a"),
		events.At(200, events.Screen{On: false}),
		fg(100, "b"),
		fg(400, "d"),
	)

	got, err := s.EventsInRange(context.Background(), 100, 400)
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[1].ID, stored[3].ID, stored[2].ID, stored[0].ID}, ids(got))
	assert.Equal(t, events.Screen{On: false}, got[2].Payload)

	empty, err := s.EventsInRange(context.Background(), 401, 1000)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testEventsBefore(t *testing.T, s storage.EventStore) {
	stored := appendAll(t, s,
		fg(-50, "neg"),
		fg(100, "a"),
		fg(0, "zero"),
		fg(101, "b"),
	)

	got, err := s.EventsBefore(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[0].ID, stored[2].ID, stored[1].ID}, ids(got))
}

func testEventsAfterID(t *testing.T, s storage.EventStore) {
	stored := appendAll(t, s, fg(30, "a"), fg(10, "b"), fg(20, "c"), fg(5, "d"))
	ctx := context.Background()

	got, err := s.EventsAfterID(ctx, stored[0].ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[1].ID, stored[2].ID}, ids(got))

	got, err = s.EventsAfterID(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, ids(stored), ids(got))

	got, err = s.EventsAfterID(ctx, stored[3].ID, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDeleteBefore(t *testing.T, s storage.EventStore) {
	stored := appendAll(t, s, fg(10, "a"), fg(20, "b"), fg(30, "c"), fg(20, "d"))
	ctx := context.Background()

	n, err := s.DeleteBefore(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rest, err := s.EventsInRange(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{stored[2].ID}, ids(rest))

	_, err = s.Event(ctx, stored[0].ID)
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	// IDs keep increasing after a purge.
	more := appendAll(t, s, fg(5, "e"))
	assert.Greater(t, more[0].ID, stored[3].ID)
}

func testUnknownPayload(t *testing.T, s storage.EventStore) {
	stored := appendAll(t, s, events.At(7, events.Unknown{Tag: "minigame_played", Data: []byte(`{"score":3}`)}))

	got, err := s.EventsInRange(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stored[0].ID, got[0].ID)
	u, ok := got[0].Payload.(events.Unknown)
	require.True(t, ok)
	assert.Equal(t, events.Type("minigame_played"), u.Tag)
	assert.JSONEq(t, `{"score":3}`, string(u.Data))
}
