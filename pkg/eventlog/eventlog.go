// Package eventlog persists each debate's durable events to an append-only
// redis stream. Streams are keyed per debate so debates never interleave, and
// the backend's native entry ordering never disagrees with seq ordering
// because the bus serializes appends per debate.
package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
)

const (
	streamPrefix = "debate:events:"

	DefaultPageLimit = 100
	MaxPageLimit     = 500

	scanChunk = 200
)

var ErrNoClient = errors.New("eventlog: redis client not configured")

// Entry pairs an event with the backend-native stream entry id.
type Entry struct {
	ID    string       `json:"id"`
	Event events.Event `json:"event"`
}

type Log struct {
	Client *redis.Client
	// TTL bounds stream lifetime to the debate retention window; refreshed
	// on every append.
	TTL time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Log {
	return &Log{Client: client, TTL: ttl}
}

func streamKey(debateID string) string { return streamPrefix + debateID }

// Append writes the event to the debate's stream and returns the entry id.
func (l *Log) Append(ctx context.Context, evt events.Event) (string, error) {
	if l.Client == nil {
		return "", ErrNoClient
	}
	values := map[string]interface{}{
		"type": string(evt.Type),
		"seq":  strconv.FormatInt(evt.Seq, 10),
		"at":   evt.At,
	}
	if len(evt.Payload) > 0 {
		values["payload"] = string(evt.Payload)
	}
	id, err := l.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(evt.DebateID),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append %s event for %s: %w", evt.Type, evt.DebateID, err)
	}
	if l.TTL > 0 {
		l.Client.Expire(ctx, streamKey(evt.DebateID), l.TTL)
	}
	return id, nil
}

// ReadAll returns the debate's entire journal in backend order.
func (l *Log) ReadAll(ctx context.Context, debateID string) ([]Entry, error) {
	return l.readRange(ctx, debateID, "-", "+")
}

// ReadSince returns entries strictly after the given entry id.
func (l *Log) ReadSince(ctx context.Context, debateID, entryID string) ([]Entry, error) {
	if entryID == "" {
		return l.ReadAll(ctx, debateID)
	}
	return l.readRange(ctx, debateID, "("+entryID, "+")
}

// ReadAfterTimestamp returns entries recorded after the given RFC3339
// timestamp, at millisecond granularity (the stream id clock).
func (l *Log) ReadAfterTimestamp(ctx context.Context, debateID, isoTimestamp string) ([]Entry, error) {
	ts, err := time.Parse(time.RFC3339, isoTimestamp)
	if err != nil {
		if ts, err = time.Parse(time.RFC3339Nano, isoTimestamp); err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", isoTimestamp, err)
		}
	}
	start := strconv.FormatInt(ts.UnixMilli()+1, 10)
	return l.readRange(ctx, debateID, start, "+")
}

// ReadAfterSeq returns up to limit entries with seq greater than afterSeq and
// a hasMore flag, so catch-up clients can loop without unbounded memory use.
// limit defaults to DefaultPageLimit and is capped at MaxPageLimit.
func (l *Log) ReadAfterSeq(ctx context.Context, debateID string, afterSeq int64, limit int) ([]Entry, bool, error) {
	if l.Client == nil {
		return nil, false, ErrNoClient
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	var out []Entry
	start := "-"
	for {
		batch, err := l.Client.XRangeN(ctx, streamKey(debateID), start, "+", scanChunk).Result()
		if err != nil {
			return nil, false, fmt.Errorf("read events for %s: %w", debateID, err)
		}
		for _, msg := range batch {
			entry, err := decodeEntry(debateID, msg)
			if err != nil {
				return nil, false, err
			}
			if entry.Event.Seq <= afterSeq {
				continue
			}
			out = append(out, entry)
			if len(out) > limit {
				return out[:limit], true, nil
			}
		}
		if len(batch) < scanChunk {
			return out, false, nil
		}
		start = "(" + batch[len(batch)-1].ID
	}
}

func (l *Log) readRange(ctx context.Context, debateID, start, stop string) ([]Entry, error) {
	if l.Client == nil {
		return nil, ErrNoClient
	}
	msgs, err := l.Client.XRange(ctx, streamKey(debateID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("read events for %s: %w", debateID, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeEntry(debateID, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeEntry(debateID string, msg redis.XMessage) (Entry, error) {
	evt := events.Event{DebateID: debateID}
	if raw, ok := msg.Values["type"].(string); ok {
		evt.Type = events.Type(raw)
	}
	if !events.Valid(evt.Type) {
		return Entry{}, fmt.Errorf("entry %s: unknown event type %q", msg.ID, evt.Type)
	}
	if raw, ok := msg.Values["seq"].(string); ok {
		seq, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("entry %s: bad seq %q", msg.ID, raw)
		}
		evt.Seq = seq
	}
	if raw, ok := msg.Values["at"].(string); ok {
		evt.At = raw
	}
	if raw, ok := msg.Values["payload"].(string); ok && raw != "" {
		evt.Payload = json.RawMessage(raw)
	}
	return Entry{ID: msg.ID, Event: evt}, nil
}
