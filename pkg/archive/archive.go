// Package archive drains the durable event log into Postgres for retention
// beyond the log's TTL. The stream stays the source of truth for live
// catch-up; the archive exists for transcripts that outlive it.
package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/eventlog"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
)

// DB is the slice of pgx the writer needs; *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB DB
}

// EnsureSchema creates the archive table. Idempotent; the (debate_id, seq)
// key makes replayed drains harmless.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS debate_events (
			debate_id  TEXT        NOT NULL,
			seq        BIGINT      NOT NULL,
			entry_id   TEXT        NOT NULL,
			event_type TEXT        NOT NULL,
			emitted_at TIMESTAMPTZ NOT NULL,
			payload    JSONB,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (debate_id, seq)
		)
	`)
	if err != nil {
		return fmt.Errorf("create debate_events: %w", err)
	}
	return nil
}

func (w *Writer) Append(ctx context.Context, entry eventlog.Entry) error {
	payload := []byte(entry.Event.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO debate_events (debate_id, seq, entry_id, event_type, emitted_at, payload)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (debate_id, seq) DO NOTHING
	`, entry.Event.DebateID, entry.Event.Seq, entry.ID, string(entry.Event.Type), entry.Event.Time(), payload)
	return err
}

// LatestSeq reports the highest archived sequence number for a debate, zero
// when nothing has been archived yet.
func (w *Writer) LatestSeq(ctx context.Context, debateID string) (int64, error) {
	var seq int64
	row := w.DB.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM debate_events WHERE debate_id=$1`, debateID)
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("latest archived seq: %w", err)
	}
	return seq, nil
}

// Get reads one archived event back.
func (w *Writer) Get(ctx context.Context, debateID string, seq int64) (events.Event, error) {
	var (
		evt     events.Event
		typ     string
		at      time.Time
		payload []byte
	)
	row := w.DB.QueryRow(ctx, `
		SELECT debate_id, seq, event_type, emitted_at, payload
		FROM debate_events WHERE debate_id=$1 AND seq=$2
	`, debateID, seq)
	if err := row.Scan(&evt.DebateID, &evt.Seq, &typ, &at, &payload); err != nil {
		return evt, err
	}
	evt.Type = events.Type(typ)
	evt.At = at.UTC().Format(time.RFC3339Nano)
	evt.Payload = payload
	return evt, nil
}

// Drain copies every log entry newer than the archive checkpoint into
// Postgres, paging through the log until it is caught up. Returns the number
// of events archived.
func (w *Writer) Drain(ctx context.Context, eventLog *eventlog.Log, debateID string) (int, error) {
	last, err := w.LatestSeq(ctx, debateID)
	if err != nil {
		return 0, err
	}
	archived := 0
	for {
		page, hasMore, err := eventLog.ReadAfterSeq(ctx, debateID, last, eventlog.MaxPageLimit)
		if err != nil {
			return archived, fmt.Errorf("read log after seq %d: %w", last, err)
		}
		for _, entry := range page {
			if err := w.Append(ctx, entry); err != nil {
				return archived, fmt.Errorf("archive seq %d: %w", entry.Event.Seq, err)
			}
			archived++
			last = entry.Event.Seq
		}
		if !hasMore {
			return archived, nil
		}
	}
}

// DrainAll drains a set of debates, logging per-debate failures instead of
// aborting the sweep.
func (w *Writer) DrainAll(ctx context.Context, eventLog *eventlog.Log, debateIDs []string) int {
	total := 0
	for _, id := range debateIDs {
		n, err := w.Drain(ctx, eventLog, id)
		total += n
		if err != nil {
			log.Printf("archive: drain debate %s: %v", id, err)
		}
	}
	return total
}
