package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/eventlog"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
)

type archivedRow struct {
	debateID  string
	seq       int64
	entryID   string
	eventType string
	emittedAt time.Time
	payload   []byte
}

// fakeArchiveDB keeps rows in memory and answers the two queries the writer
// issues. execErr fails the next Exec.
type fakeArchiveDB struct {
	rows    map[string]archivedRow
	execErr error
	rowErr  error
}

func newFakeArchiveDB() *fakeArchiveDB {
	return &fakeArchiveDB{rows: map[string]archivedRow{}}
}

func (f *fakeArchiveDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execErr != nil {
		err := f.execErr
		f.execErr = nil
		return pgconn.CommandTag{}, err
	}
	if !strings.Contains(sql, "INSERT INTO debate_events") {
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
	row := archivedRow{
		debateID:  args[0].(string),
		seq:       args[1].(int64),
		entryID:   args[2].(string),
		eventType: args[3].(string),
		emittedAt: args[4].(time.Time),
		payload:   args[5].([]byte),
	}
	key := fmt.Sprintf("%s|%d", row.debateID, row.seq)
	if _, exists := f.rows[key]; exists {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	f.rows[key] = row
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeArchiveDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.rowErr != nil {
		return &fakeRow{err: f.rowErr}
	}
	if strings.Contains(sql, "MAX(seq)") {
		var max int64
		for _, row := range f.rows {
			if row.debateID == args[0].(string) && row.seq > max {
				max = row.seq
			}
		}
		return &fakeRow{values: []any{max}}
	}
	key := fmt.Sprintf("%s|%d", args[0].(string), args[1].(int64))
	row, ok := f.rows[key]
	if !ok {
		return &fakeRow{err: pgx.ErrNoRows}
	}
	return &fakeRow{values: []any{row.debateID, row.seq, row.eventType, row.emittedAt, row.payload}}
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			*d = r.values[i].(string)
		case *int64:
			*d = r.values[i].(int64)
		case *time.Time:
			*d = r.values[i].(time.Time)
		case *[]byte:
			*d = append((*d)[:0], r.values[i].([]byte)...)
		default:
			return fmt.Errorf("unsupported scan dest %T", dest[i])
		}
	}
	return nil
}

func newTestLog(t *testing.T) (*eventlog.Log, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return eventlog.New(client, time.Hour), client
}

func appendSeq(t *testing.T, l *eventlog.Log, debateID string, seqs ...int64) {
	t.Helper()
	for _, seq := range seqs {
		evt := events.New(debateID, events.TypeTurnCompleted, nil)
		evt.Seq = seq
		if _, err := l.Append(context.Background(), evt); err != nil {
			t.Fatalf("append seq %d: %v", seq, err)
		}
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	db := newFakeArchiveDB()
	w := &Writer{DB: db}
	ctx := context.Background()

	if err := w.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	evt := events.New("d1", events.TypeDebateStarted, map[string]any{"topic": "cars"})
	evt.Seq = 1
	if err := w.Append(ctx, eventlog.Entry{ID: "1-0", Event: evt}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := w.Get(ctx, "d1", 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Type != events.TypeDebateStarted || got.Seq != 1 || got.DebateID != "d1" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !strings.Contains(string(got.Payload), "cars") {
		t.Fatalf("payload lost: %s", got.Payload)
	}

	if _, err := w.Get(ctx, "d1", 99); !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("missing row: got %v", err)
	}
}

func TestLatestSeqEmpty(t *testing.T) {
	w := &Writer{DB: newFakeArchiveDB()}
	seq, err := w.LatestSeq(context.Background(), "d1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if seq != 0 {
		t.Fatalf("got %d, want 0 for an empty archive", seq)
	}
}

func TestDrainCopiesNewEntries(t *testing.T) {
	l, _ := newTestLog(t)
	db := newFakeArchiveDB()
	w := &Writer{DB: db}
	ctx := context.Background()

	appendSeq(t, l, "d1", 1, 2, 3)
	n, err := w.Drain(ctx, l, "d1")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("archived %d, want 3", n)
	}

	// A second drain only picks up what arrived since the checkpoint.
	appendSeq(t, l, "d1", 4, 5)
	n, err = w.Drain(ctx, l, "d1")
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d, want 2", n)
	}
	if len(db.rows) != 5 {
		t.Fatalf("got %d rows, want 5", len(db.rows))
	}

	seq, err := w.LatestSeq(ctx, "d1")
	if err != nil || seq != 5 {
		t.Fatalf("checkpoint: got %d %v", seq, err)
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	l, _ := newTestLog(t)
	db := newFakeArchiveDB()
	w := &Writer{DB: db}
	ctx := context.Background()

	appendSeq(t, l, "d1", 1, 2)
	if _, err := w.Drain(ctx, l, "d1"); err != nil {
		t.Fatalf("drain: %v", err)
	}
	n, err := w.Drain(ctx, l, "d1")
	if err != nil {
		t.Fatalf("repeat drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("repeat drain archived %d, want 0", n)
	}
	if len(db.rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(db.rows))
	}
}

func TestDrainSurfacesInsertFailure(t *testing.T) {
	l, _ := newTestLog(t)
	db := newFakeArchiveDB()
	w := &Writer{DB: db}
	ctx := context.Background()

	appendSeq(t, l, "d1", 1)
	db.execErr = errors.New("connection reset")
	if _, err := w.Drain(ctx, l, "d1"); err == nil {
		t.Fatalf("want insert failure surfaced")
	}
}

func TestDrainAllKeepsGoingOnFailure(t *testing.T) {
	l, _ := newTestLog(t)
	db := newFakeArchiveDB()
	w := &Writer{DB: db}
	ctx := context.Background()

	appendSeq(t, l, "d1", 1)
	appendSeq(t, l, "d2", 1, 2)
	db.execErr = errors.New("connection reset")
	total := w.DrainAll(ctx, l, []string{"d1", "d2"})
	// d1's insert fails and is skipped; d2 still drains.
	if total != 2 {
		t.Fatalf("archived %d across debates, want 2", total)
	}
}
