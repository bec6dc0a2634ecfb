// Package redis implements the event log on Redis so that several processes
// can share one log.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goodtune/usagetrail/internal/config"
	"github.com/goodtune/usagetrail/internal/events"
	"github.com/goodtune/usagetrail/internal/storage"
)

var (
	appendEvent  = redis.NewScript(appendEventScript)
	deleteBefore = redis.NewScript(deleteBeforeScript)
)

// Store implements storage.EventStore using Redis
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.EventStore = (*Store)(nil)

// Open creates a new Redis-backed event store
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "usagetrail"
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) seqKey() string    { return s.prefix + ":events:seq" }
func (s *Store) byTimeKey() string { return s.prefix + ":events:by_ts" }
func (s *Store) byIDKey() string   { return s.prefix + ":events:by_id" }

func (s *Store) eventKey(id int64) string {
	return fmt.Sprintf("%s:event:%d", s.prefix, id)
}

// Append stores the event and its indexes atomically
func (s *Store) Append(ctx context.Context, ev events.TimelineEvent) (events.TimelineEvent, error) {
	if err := storage.ValidateForAppend(ev); err != nil {
		return events.TimelineEvent{}, err
	}
	data, err := events.MarshalPayload(ev.Payload)
	if err != nil {
		return events.TimelineEvent{}, err
	}

	keys := []string{s.seqKey(), s.byTimeKey(), s.byIDKey()}
	args := []interface{}{
		s.prefix,
		ev.TimestampMillis,
		string(ev.Type()),
		string(data),
	}
	id, err := appendEvent.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return events.TimelineEvent{}, fmt.Errorf("append event: %w", err)
	}
	ev.ID = id
	return ev, nil
}

// Event retrieves one event by ID
func (s *Store) Event(ctx context.Context, id int64) (events.TimelineEvent, error) {
	data, err := s.client.HGetAll(ctx, s.eventKey(id)).Result()
	if err != nil {
		return events.TimelineEvent{}, err
	}
	return parseEvent(data)
}

func (s *Store) EventsInRange(ctx context.Context, startMillis, endExclusiveMillis int64) ([]events.TimelineEvent, error) {
	return s.rangeByScore(ctx, s.byTimeKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(startMillis, 10),
		Max: "(" + strconv.FormatInt(endExclusiveMillis, 10),
	})
}

func (s *Store) EventsBefore(ctx context.Context, beforeMillis int64) ([]events.TimelineEvent, error) {
	return s.rangeByScore(ctx, s.byTimeKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(beforeMillis, 10),
	})
}

func (s *Store) EventsAfterID(ctx context.Context, afterID int64, limit int) ([]events.TimelineEvent, error) {
	by := &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterID, 10),
		Max: "+inf",
	}
	if limit > 0 {
		by.Count = int64(limit)
	}
	return s.rangeByScore(ctx, s.byIDKey(), by)
}

// DeleteBefore removes events older than the cutoff
func (s *Store) DeleteBefore(ctx context.Context, beforeMillis int64) (int, error) {
	keys := []string{s.byTimeKey(), s.byIDKey()}
	n, err := deleteBefore.Run(ctx, s.client, keys, s.prefix, beforeMillis).Int()
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return n, nil
}

// rangeByScore resolves index members to events with one pipelined round trip.
func (s *Store) rangeByScore(ctx context.Context, index string, by *redis.ZRangeBy) ([]events.TimelineEvent, error) {
	members, err := s.client.ZRangeByScore(ctx, index, by).Result()
	if err != nil {
		return nil, fmt.Errorf("query event index: %w", err)
	}
	out := make([]events.TimelineEvent, 0, len(members))
	if len(members) == 0 {
		return out, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, member := range members {
			id, err := strconv.ParseInt(member, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid index member %q: %w", member, err)
			}
			cmds[i] = pipe.HGetAll(ctx, s.eventKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	for _, cmd := range cmds {
		ev, err := parseEvent(cmd.Val())
		if errors.Is(err, storage.ErrNotFound) {
			// Purged between the index read and the load.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// parseEvent converts a Redis hash to a TimelineEvent
func parseEvent(data map[string]string) (events.TimelineEvent, error) {
	if len(data) == 0 {
		return events.TimelineEvent{}, storage.ErrNotFound
	}

	id, err := strconv.ParseInt(data["id"], 10, 64)
	if err != nil {
		return events.TimelineEvent{}, fmt.Errorf("failed to parse id: %w", err)
	}

	ts, err := strconv.ParseInt(data["ts"], 10, 64)
	if err != nil {
		return events.TimelineEvent{}, fmt.Errorf("failed to parse ts: %w", err)
	}

	payload, err := events.UnmarshalPayload(events.Type(data["type"]), []byte(data["data"]))
	if err != nil {
		return events.TimelineEvent{}, fmt.Errorf("event %d: %w", id, err)
	}

	return events.TimelineEvent{ID: id, TimestampMillis: ts, Payload: payload}, nil
}
