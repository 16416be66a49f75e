package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/lineage-go/pkg/types"
)

// RedisBus keeps run event streams in Redis Streams, so every service
// replica sharing the Redis instance sees the same events.
type RedisBus struct {
	client *redis.Client
	prefix string
	maxLen int64
	ttl    time.Duration
	logger *slog.Logger
}

// RedisBusConfig holds stream settings.
type RedisBusConfig struct {
	// Prefix for all keys (default: "lineage")
	Prefix string

	// MaxLen caps each run stream (approximate trimming)
	MaxLen int64

	// TTL expires idle run streams (0 = keep)
	TTL time.Duration
}

// NewRedisBus creates a bus on an existing client.
func NewRedisBus(client *redis.Client, cfg *RedisBusConfig, logger *slog.Logger) *RedisBus {
	if cfg == nil {
		cfg = &RedisBusConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &RedisBus{client: client, prefix: cfg.Prefix, maxLen: cfg.MaxLen, ttl: cfg.TTL, logger: logger}
	if b.prefix == "" {
		b.prefix = "lineage"
	}
	if b.maxLen <= 0 {
		b.maxLen = 5000
	}
	return b
}

func (b *RedisBus) keyEvents(runID string) string { return fmt.Sprintf("%s:events:%s", b.prefix, runID) }
func (b *RedisBus) keySeq(runID string) string    { return fmt.Sprintf("%s:events:%s:seq", b.prefix, runID) }

// Publish assigns the next sequence number of the run as the event ID.
func (b *RedisBus) Publish(ctx context.Context, ev *types.Event) error {
	seq, err := b.client.Incr(ctx, b.keySeq(ev.RunID)).Result()
	if err != nil {
		return fmt.Errorf("incr seq: %w", err)
	}
	ev.ID = strconv.FormatInt(seq, 10)

	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.keyEvents(ev.RunID),
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":  ev.ID,
			"ts":   ev.Timestamp.Format(time.RFC3339Nano),
			"type": string(ev.Type),
			"step": ev.StepName,
			"data": string(ev.Data),
		},
	}).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	if b.ttl > 0 {
		pipe := b.client.Pipeline()
		pipe.Expire(ctx, b.keyEvents(ev.RunID), b.ttl)
		pipe.Expire(ctx, b.keySeq(ev.RunID), b.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("refresh ttl: %w", err)
		}
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, runID, afterID string) (*Subscription, error) {
	after, _ := strconv.ParseInt(afterID, 10, 64)

	entries, err := b.client.XRange(ctx, b.keyEvents(runID), "-", "+").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	lastID := "0-0"
	var backlog []*types.Event
	for _, entry := range entries {
		lastID = entry.ID
		ev := entryToEvent(runID, entry)
		if seq, _ := strconv.ParseInt(ev.ID, 10, 64); seq > after {
			backlog = append(backlog, ev)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan *types.Event, 100)
	go b.read(subCtx, runID, lastID, ch)

	return &Subscription{Backlog: backlog, C: ch, close: cancel}, nil
}

// read tails the run stream from lastID until ctx is done, then closes ch.
func (b *RedisBus) read(ctx context.Context, runID, lastID string, ch chan<- *types.Event) {
	defer close(ch)
	for ctx.Err() == nil {
		streams, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.keyEvents(runID), lastID},
			Count:   10,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.logger.Warn("event stream read failed", slog.String("run_id", runID), slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				select {
				case ch <- entryToEvent(runID, entry):
				case <-ctx.Done():
					return
				default:
					// Channel full, skip event
				}
			}
		}
	}
}

func (b *RedisBus) Forget(ctx context.Context, runID string) error {
	if err := b.client.Del(ctx, b.keyEvents(runID), b.keySeq(runID)).Err(); err != nil {
		return fmt.Errorf("delete event stream: %w", err)
	}
	return nil
}

func entryToEvent(runID string, entry redis.XMessage) *types.Event {
	seq, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	typ, _ := entry.Values["type"].(string)
	step, _ := entry.Values["step"].(string)
	data, _ := entry.Values["data"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)

	ev := &types.Event{
		ID:        seq,
		RunID:     runID,
		Type:      types.EventType(typ),
		StepName:  step,
		Timestamp: timestamp,
	}
	if data != "" {
		ev.Data = json.RawMessage(data)
	}
	return ev
}
