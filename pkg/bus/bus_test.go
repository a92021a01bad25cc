package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/eventlog"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/sequence"
)

func newTestBus(t *testing.T) (*Bus, *sequence.Sequencer, *eventlog.Log) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	seq := sequence.New(client, 0)
	eventLog := eventlog.New(client, 0)
	return New(seq, eventLog, nil), seq, eventLog
}

func TestEmitDurableAssignsSeqAndAppends(t *testing.T) {
	b, seq, eventLog := newTestBus(t)
	ctx := context.Background()

	evt := b.Emit(ctx, "d1", events.TypeDebateStarted, events.DebateStartedPayload{Topic: "t", TotalTurns: 2})
	if evt.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", evt.Seq)
	}
	if got := seq.Current(ctx, "d1"); got != 1 {
		t.Fatalf("expected counter 1, got %d", got)
	}
	entries, err := eventLog.ReadAll(ctx, "d1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d err=%v", len(entries), err)
	}
	if entries[0].Event.Type != events.TypeDebateStarted || entries[0].Event.Seq != 1 {
		t.Fatalf("unexpected logged event: %+v", entries[0].Event)
	}
}

func TestEmitEphemeralSkipsSeqAndLog(t *testing.T) {
	b, seq, eventLog := newTestBus(t)
	ctx := context.Background()

	evt := b.Emit(ctx, "d1", events.TypeTurnDelta, events.TurnDeltaPayload{Delta: "..."})
	if evt.Seq != 0 {
		t.Fatalf("ephemeral event must not consume a seq, got %d", evt.Seq)
	}
	if got := seq.Current(ctx, "d1"); got != 0 {
		t.Fatalf("expected untouched counter, got %d", got)
	}
	entries, err := eventLog.ReadAll(ctx, "d1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("ephemeral event must not be logged, got %d err=%v", len(entries), err)
	}
}

func TestEmitOrderMatchesSeqOrder(t *testing.T) {
	b, _, eventLog := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		b.Emit(ctx, "d1", events.TypeTurnCompleted, nil)
	}
	entries, err := eventLog.ReadAll(ctx, "d1")
	if err != nil || len(entries) != 20 {
		t.Fatalf("expected 20 entries, got %d err=%v", len(entries), err)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Event.Seq <= entries[i-1].Event.Seq {
			t.Fatalf("log order disagrees with seq order at %d: %d after %d", i, entries[i].Event.Seq, entries[i-1].Event.Seq)
		}
	}
}

func TestLocalSubscribersReceiveSynchronously(t *testing.T) {
	b, _, _ := newTestBus(t)

	var got []events.Event
	unsubscribe := b.Subscribe("d1", func(evt events.Event) { got = append(got, evt) })
	b.Emit(context.Background(), "d1", events.TypeTurnStarted, nil)
	if len(got) != 1 || got[0].Type != events.TypeTurnStarted {
		t.Fatalf("expected synchronous delivery, got %+v", got)
	}

	unsubscribe()
	b.Emit(context.Background(), "d1", events.TypeTurnCompleted, nil)
	if len(got) != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", len(got))
	}
}

func TestSubscriberPanicDoesNotBreakOthers(t *testing.T) {
	b, _, _ := newTestBus(t)

	delivered := 0
	b.Subscribe("d1", func(events.Event) { panic("bad subscriber") })
	b.Subscribe("d1", func(events.Event) { delivered++ })
	b.Emit(context.Background(), "d1", events.TypeTurnStarted, nil)
	if delivered != 1 {
		t.Fatalf("expected healthy subscriber to run, got %d", delivered)
	}
}

func TestSubscribersAreScopedPerDebate(t *testing.T) {
	b, _, _ := newTestBus(t)

	hits := 0
	b.Subscribe("d1", func(events.Event) { hits++ })
	b.Emit(context.Background(), "d2", events.TypeTurnStarted, nil)
	if hits != 0 {
		t.Fatalf("d1 subscriber must not see d2 events, got %d", hits)
	}
}

type failingTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *failingTransport) Publish(ctx context.Context, channel string, evt events.Event) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return context.DeadlineExceeded
}

func (f *failingTransport) Close() error { return nil }

func TestPushFailureDoesNotSuppressOtherEffects(t *testing.T) {
	b, _, eventLog := newTestBus(t)
	transport := &failingTransport{}
	b.Transport = transport

	delivered := 0
	b.Subscribe("d1", func(events.Event) { delivered++ })
	b.Emit(context.Background(), "d1", events.TypeTurnCompleted, nil)

	if delivered != 1 {
		t.Fatalf("local delivery must survive push failure, got %d", delivered)
	}
	entries, err := eventLog.ReadAll(context.Background(), "d1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("log append must survive push failure, got %d err=%v", len(entries), err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		transport.mu.Lock()
		calls := transport.calls
		transport.mu.Unlock()
		if calls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected push attempt, got %d", calls)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReplayRingIsBounded(t *testing.T) {
	b, _, _ := newTestBus(t)
	b.BufferSize = 5

	for i := 0; i < 12; i++ {
		b.Emit(context.Background(), "d1", events.TypeTurnDelta, events.TurnDeltaPayload{Index: i})
	}
	replay := b.Replay("d1")
	if len(replay) != 5 {
		t.Fatalf("expected ring capped at 5, got %d", len(replay))
	}
	var last events.TurnDeltaPayload
	decoded, err := replay[len(replay)-1].Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	last = *decoded.(*events.TurnDeltaPayload)
	if last.Index != 11 {
		t.Fatalf("expected newest event retained, got index %d", last.Index)
	}
	if b.Replay("ghost") != nil {
		t.Fatal("expected nil replay for unknown debate")
	}
}

func TestCleanupEvictsIdleDebates(t *testing.T) {
	b, _, _ := newTestBus(t)

	b.Emit(context.Background(), "idle", events.TypeTurnDelta, nil)
	time.Sleep(20 * time.Millisecond)
	b.Emit(context.Background(), "active", events.TypeTurnDelta, nil)

	if evicted := b.Cleanup(10 * time.Millisecond); evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	if b.Replay("idle") != nil {
		t.Fatal("expected idle buffer to be evicted")
	}
	if b.Replay("active") == nil {
		t.Fatal("expected active buffer to survive")
	}
}

func TestEmitSurvivesLogOutage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := New(sequence.New(client, 0), eventlog.New(client, 0), nil)
	mr.Close() // backend down; emit must still deliver locally

	delivered := 0
	b.Subscribe("d1", func(events.Event) { delivered++ })
	evt := b.Emit(context.Background(), "d1", events.TypeTurnCompleted, nil)
	if evt.Seq == 0 {
		t.Fatal("expected local-fallback seq assignment")
	}
	if delivered != 1 {
		t.Fatalf("expected local delivery despite log outage, got %d", delivered)
	}
}

func TestPublishDeliversPrebuiltEvent(t *testing.T) {
	b, _, _ := newTestBus(t)

	got := make(chan events.Event, 1)
	b.Subscribe("d1", func(evt events.Event) { got <- evt })
	evt := events.New("d1", events.TypeBudgetWarning, events.BudgetWarningPayload{Provider: "anthropic"})
	b.Publish(evt)

	select {
	case delivered := <-got:
		if delivered.Type != events.TypeBudgetWarning {
			t.Fatalf("unexpected event: %+v", delivered)
		}
	case <-time.After(time.Second):
		t.Fatal("publish did not deliver")
	}
}
