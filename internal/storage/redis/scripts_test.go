package redis

import (
	"context"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestAppendEventScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	keys := []string{"p:events:seq", "p:events:by_ts", "p:events:by_id"}

	tests := []struct {
		name       string
		ts         int64
		wantID     int64
		wantMember string
	}{
		{"first event", 100, 1, "00000000000000000001"},
		{"second event same timestamp", 100, 2, "00000000000000000002"},
		{"negative timestamp", -5, 3, "00000000000000000003"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := appendEvent.Run(ctx, client, keys, "p", tt.ts, "screen", `{"on":true}`).Int64()
			if err != nil {
				t.Fatalf("script failed: %v", err)
			}
			if id != tt.wantID {
				t.Fatalf("expected id %d, got %d", tt.wantID, id)
			}
			score, err := mr.ZScore("p:events:by_ts", tt.wantMember)
			if err != nil {
				t.Fatalf("member %s missing from time index: %v", tt.wantMember, err)
			}
			if int64(score) != tt.ts {
				t.Errorf("expected score %d, got %v", tt.ts, score)
			}
			if got := mr.HGet("p:event:"+itoa(id), "data"); got != `{"on":true}` {
				t.Errorf("unexpected data %q", got)
			}
		})
	}

	members, err := client.ZRangeByScore(ctx, "p:events:by_ts", &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		t.Fatalf("ZRangeByScore failed: %v", err)
	}
	want := []string{"00000000000000000003", "00000000000000000001", "00000000000000000002"}
	for i := range want {
		if members[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, members)
		}
	}
}

func TestDeleteBeforeScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	appendKeys := []string{"p:events:seq", "p:events:by_ts", "p:events:by_id"}
	for _, ts := range []int64{10, 20, 30} {
		if err := appendEvent.Run(ctx, client, appendKeys, "p", ts, "screen", `{}`).Err(); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	n, err := deleteBefore.Run(ctx, client, []string{"p:events:by_ts", "p:events:by_id"}, "p", 30).Int()
	if err != nil {
		t.Fatalf("script failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 deleted, got %d", n)
	}
	if mr.Exists("p:event:1") || mr.Exists("p:event:2") {
		t.Error("expected purged event hashes to be gone")
	}
	if !mr.Exists("p:event:3") {
		t.Error("expected newest event to survive")
	}
	if count, _ := client.ZCard(ctx, "p:events:by_id").Result(); count != 1 {
		t.Errorf("expected 1 id index entry, got %d", count)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
