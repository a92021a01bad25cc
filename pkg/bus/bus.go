// Package bus is the publish/subscribe facade between the engine and every
// consumer. On each emitted event it classifies durability, reserves a
// sequence number and appends durable events to the event log, best-effort
// forwards to the push transport, and synchronously notifies process-local
// subscribers. The three side effects are independent: a failure in one never
// suppresses another.
package bus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/eventlog"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/push"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/sequence"
)

const DefaultBufferSize = 100

type subscriberFn func(events.Event)

type debateEntry struct {
	// emitMu serializes seq reservation and log append per debate, so the
	// log's native ordering never disagrees with seq ordering.
	emitMu     sync.Mutex
	subs       map[int]subscriberFn
	buffer     []events.Event
	lastActive time.Time
}

// Bus fans out debate events. Construct with New and inject into components;
// each test gets its own instance.
type Bus struct {
	Sequencer *sequence.Sequencer
	Log       *eventlog.Log
	Transport push.Transport
	// BufferSize bounds the per-debate local replay ring.
	BufferSize int
	// OnEmit, when set, observes every event after fan-out (metrics hook).
	OnEmit func(events.Event)

	mu      sync.Mutex
	debates map[string]*debateEntry
	nextSub int
}

func New(seq *sequence.Sequencer, eventLog *eventlog.Log, transport push.Transport) *Bus {
	return &Bus{
		Sequencer:  seq,
		Log:        eventLog,
		Transport:  transport,
		BufferSize: DefaultBufferSize,
		debates:    map[string]*debateEntry{},
	}
}

func (b *Bus) entry(debateID string) *debateEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.debates[debateID]
	if !ok {
		e = &debateEntry{subs: map[int]subscriberFn{}}
		b.debates[debateID] = e
	}
	e.lastActive = time.Now()
	return e
}

// Emit builds and delivers an event. For durable types the sequence number is
// reserved before Emit returns, so callers can rely on ordering even though
// push delivery is asynchronous. Log append failures are logged, never
// returned: a down backend must not stall turn progression.
func (b *Bus) Emit(ctx context.Context, debateID string, t events.Type, payload interface{}) events.Event {
	evt := events.New(debateID, t, payload)
	return b.deliver(ctx, evt)
}

// Publish delivers a pre-built event, fire-and-forget.
func (b *Bus) Publish(evt events.Event) {
	go b.deliver(context.Background(), evt)
}

func (b *Bus) deliver(ctx context.Context, evt events.Event) events.Event {
	entry := b.entry(evt.DebateID)

	if events.Durable(evt.Type) {
		entry.emitMu.Lock()
		if evt.Seq == 0 && b.Sequencer != nil {
			evt.Seq = b.Sequencer.Next(ctx, evt.DebateID)
		}
		if b.Log != nil {
			if _, err := b.Log.Append(ctx, evt); err != nil {
				log.Printf("bus: event log append failed for %s seq=%d: %v", evt.DebateID, evt.Seq, err)
			}
		}
		entry.emitMu.Unlock()
	}

	if b.Transport != nil {
		forwarded := evt
		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := b.Transport.Publish(pushCtx, push.ChannelForDebate(forwarded.DebateID), forwarded); err != nil {
				log.Printf("bus: push forward failed for %s %s: %v", forwarded.DebateID, forwarded.Type, err)
			}
		}()
	}

	b.notify(entry, evt)
	b.remember(entry, evt)

	if b.OnEmit != nil {
		b.OnEmit(evt)
	}
	return evt
}

// notify invokes local subscribers synchronously. A panicking subscriber is
// logged and must not break the others.
func (b *Bus) notify(entry *debateEntry, evt events.Event) {
	b.mu.Lock()
	callbacks := make([]subscriberFn, 0, len(entry.subs))
	for _, fn := range entry.subs {
		callbacks = append(callbacks, fn)
	}
	b.mu.Unlock()
	for _, fn := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("bus: subscriber panic for %s %s: %v", evt.DebateID, evt.Type, r)
				}
			}()
			fn(evt)
		}()
	}
}

func (b *Bus) remember(entry *debateEntry, evt events.Event) {
	size := b.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	b.mu.Lock()
	entry.buffer = append(entry.buffer, evt)
	if len(entry.buffer) > size {
		entry.buffer = entry.buffer[len(entry.buffer)-size:]
	}
	b.mu.Unlock()
}

// Subscribe registers a same-process callback for a debate's events and
// returns the unsubscribe function.
func (b *Bus) Subscribe(debateID string, fn func(events.Event)) func() {
	entry := b.entry(debateID)
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	entry.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(entry.subs, id)
		b.mu.Unlock()
	}
}

// Replay returns the local ring buffer contents, oldest first. This buffer is
// a local-process fallback only and is never authoritative across restarts.
func (b *Bus) Replay(debateID string) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.debates[debateID]
	if !ok {
		return nil
	}
	out := make([]events.Event, len(entry.buffer))
	copy(out, entry.buffer)
	return out
}

// Cleanup evicts subscriptions and buffers for debates inactive longer than
// maxAge, bounding memory in long-lived processes. Returns the eviction count.
func (b *Bus) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for id, entry := range b.debates {
		if entry.lastActive.Before(cutoff) {
			delete(b.debates, id)
			evicted++
		}
	}
	return evicted
}
