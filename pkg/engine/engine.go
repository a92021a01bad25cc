// Package engine owns the turn-progression state machine. One engine instance
// drives many debates; each debate has a single writer, the goroutine running
// its turn loop, and control actions (pause, resume, end) coordinate with it
// only through persisted status plus a per-debate mutex around every
// read-modify-write cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/bus"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/cryptostore"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/events"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/governor"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/metrics"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/models"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/provider"
	"github.com/dinesh-git17/debate-lab-sub003/pkg/telemetry"
)

const (
	DefaultMaxRetries      = 3
	DefaultRetryBackoff    = 2 * time.Second
	DefaultBudgetWarnAfter = 2 * time.Second
	DefaultMaxTurnTokens   = 800
)

var (
	ErrDebateNotFound = errors.New("debate not found")
	ErrAlreadyStarted = errors.New("debate already started")
	ErrNotInProgress  = errors.New("debate is not in progress")
	ErrNotPaused      = errors.New("debate is not paused")
)

type Engine struct {
	States   *cryptostore.Store[models.EngineState]
	Debates  *cryptostore.Store[models.Debate]
	Bus      *bus.Bus
	Governor *governor.Governor
	Provider provider.Provider
	Metrics  *metrics.Registry

	MaxRetries      int
	RetryBackoff    time.Duration
	BudgetWarnAfter time.Duration
	MaxTurnTokens   int
	// DeltaChunkSize enables high-frequency mode: completed turn content is
	// additionally fanned out as ephemeral turn_delta events of this many
	// bytes. Zero disables deltas.
	DeltaChunkSize int

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	debates map[string]*run
}

// run is the per-debate coordination handle. stateMu serializes every
// EngineState read-modify-write within this process; done is closed when the
// turn loop goroutine exits.
type run struct {
	stateMu sync.Mutex
	active  bool
	done    chan struct{}
}

func New(states *cryptostore.Store[models.EngineState], debates *cryptostore.Store[models.Debate], eventBus *bus.Bus, gov *governor.Governor, prov provider.Provider) *Engine {
	return &Engine{
		States:          states,
		Debates:         debates,
		Bus:             eventBus,
		Governor:        gov,
		Provider:        prov,
		MaxRetries:      DefaultMaxRetries,
		RetryBackoff:    DefaultRetryBackoff,
		BudgetWarnAfter: DefaultBudgetWarnAfter,
		MaxTurnTokens:   DefaultMaxTurnTokens,
		sleep:           sleepCtx,
		debates:         make(map[string]*run),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) handle(debateID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.debates[debateID]
	if !ok {
		r = &run{done: closedChan()}
		e.debates[debateID] = r
	}
	return r
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Start builds the turn plan, persists the initial state, emits
// debate_started and launches the turn loop. Valid only for a debate whose
// engine state does not exist yet.
func (e *Engine) Start(ctx context.Context, debateID string) (*models.EngineState, error) {
	debate, err := e.Debates.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("load debate: %w", err)
	}
	if debate == nil {
		return nil, ErrDebateNotFound
	}

	r := e.handle(debateID)
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	existing, err := e.States.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if existing != nil && existing.Status != models.StatusNotStarted {
		return existing, ErrAlreadyStarted
	}

	plan, err := models.BuildTurnPlan(debate.Format, debate.TotalTurns)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	state := models.EngineState{
		DebateID:     debateID,
		Status:       models.StatusInProgress,
		TotalTurns:   len(plan),
		TurnSequence: plan,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.States.Store(ctx, debateID, state); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	e.Bus.Emit(ctx, debateID, events.TypeDebateStarted, events.DebateStartedPayload{
		Topic:      debate.Topic,
		Format:     debate.Format,
		TotalTurns: len(plan),
	})
	e.launchLocked(ctx, r, debateID, *debate)
	return &state, nil
}

// Pause stops the loop at the next turn boundary. An in-flight provider call
// is allowed to finish and its turn is still recorded.
func (e *Engine) Pause(ctx context.Context, debateID string) (*models.EngineState, error) {
	r := e.handle(debateID)
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := e.States.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil, ErrDebateNotFound
	}
	if state.Status != models.StatusInProgress {
		return state, fmt.Errorf("%w: status is %s", ErrNotInProgress, state.Status)
	}
	state.Status = models.StatusPaused
	state.UpdatedAt = time.Now().UTC()
	if err := e.States.Store(ctx, debateID, *state); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	e.Bus.Emit(ctx, debateID, events.TypeDebatePaused, events.DebatePausedPayload{TurnIndex: state.CurrentTurnIndex})
	return state, nil
}

// Resume picks the loop back up from the current turn index.
func (e *Engine) Resume(ctx context.Context, debateID string) (*models.EngineState, error) {
	debate, err := e.Debates.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("load debate: %w", err)
	}
	if debate == nil {
		return nil, ErrDebateNotFound
	}

	r := e.handle(debateID)
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := e.States.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil, ErrDebateNotFound
	}
	if state.Status != models.StatusPaused {
		return state, fmt.Errorf("%w: status is %s", ErrNotPaused, state.Status)
	}
	state.Status = models.StatusInProgress
	state.UpdatedAt = time.Now().UTC()
	if err := e.States.Store(ctx, debateID, *state); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	e.Bus.Emit(ctx, debateID, events.TypeDebateResumed, events.DebateResumedPayload{TurnIndex: state.CurrentTurnIndex})
	e.launchLocked(ctx, r, debateID, *debate)
	return state, nil
}

// EndEarly is the only cancellation primitive. It never aborts an in-flight
// provider call and is idempotent: ending an already-terminal debate is a
// no-op success and does not move CompletedAt.
func (e *Engine) EndEarly(ctx context.Context, debateID, reason string) (*models.EngineState, error) {
	r := e.handle(debateID)
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	state, err := e.States.Get(ctx, debateID)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		return nil, ErrDebateNotFound
	}
	if models.IsTerminal(state.Status) {
		return state, nil
	}
	now := time.Now().UTC()
	state.Status = models.StatusCancelled
	state.EndReason = reason
	state.CompletedAt = &now
	state.UpdatedAt = now
	if err := e.States.Store(ctx, debateID, *state); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}
	e.Bus.Emit(ctx, debateID, events.TypeDebateCancelled, events.DebateCancelledPayload{
		Reason:    reason,
		TurnIndex: state.CurrentTurnIndex,
	})
	return state, nil
}

// State returns the current engine state, nil when the debate has none yet.
func (e *Engine) State(ctx context.Context, debateID string) (*models.EngineState, error) {
	return e.States.Get(ctx, debateID)
}

// LoopDone reports a channel that is closed once the debate's turn loop
// goroutine has exited. Already closed when no loop is running.
func (e *Engine) LoopDone(debateID string) <-chan struct{} {
	r := e.handle(debateID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return r.done
}

// launchLocked starts the turn loop goroutine. Caller holds r.stateMu. The
// loop runs on a context detached from the request so an HTTP cancel does not
// kill the debate.
func (e *Engine) launchLocked(ctx context.Context, r *run, debateID string, debate models.Debate) {
	e.mu.Lock()
	if r.active {
		e.mu.Unlock()
		return
	}
	r.active = true
	done := make(chan struct{})
	r.done = done
	e.mu.Unlock()
	loopCtx := context.WithoutCancel(ctx)
	go func() {
		recheck := e.loop(loopCtx, r, debateID, debate)
		e.exitLoop(loopCtx, r, done, recheck, debateID, debate)
	}()
}

// exitLoop records the loop goroutine's exit. A Resume can land between the
// loop observing paused and this bookkeeping; that resume sees the stale
// active flag and declines to launch, so when the loop exited on an observed
// status change we take one more look and restart the loop ourselves if the
// debate is back in progress.
func (e *Engine) exitLoop(ctx context.Context, r *run, done chan struct{}, recheck bool, debateID string, debate models.Debate) {
	e.mu.Lock()
	r.active = false
	e.mu.Unlock()
	close(done)
	if recheck {
		e.relaunchIfResumed(ctx, r, debateID, debate)
	}
}

func (e *Engine) relaunchIfResumed(ctx context.Context, r *run, debateID string, debate models.Debate) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	state, err := e.States.Get(ctx, debateID)
	if err != nil || state == nil || state.Status != models.StatusInProgress {
		return
	}
	e.launchLocked(ctx, r, debateID, debate)
}

// loop drives turns until the status leaves in_progress or the plan is
// exhausted. It reports whether it exited on an observed status change, the
// only exit whose bookkeeping can race a Resume.
func (e *Engine) loop(ctx context.Context, r *run, debateID string, debate models.Debate) bool {
	for {
		r.stateMu.Lock()
		state, err := e.States.Get(ctx, debateID)
		if err != nil || state == nil {
			r.stateMu.Unlock()
			if err != nil {
				log.Printf("engine: debate %s: load state: %v", debateID, err)
			}
			return false
		}
		if state.Status != models.StatusInProgress {
			r.stateMu.Unlock()
			return true
		}
		if state.CurrentTurnIndex >= state.TotalTurns {
			e.completeLocked(ctx, debateID, state)
			r.stateMu.Unlock()
			return false
		}
		index := state.CurrentTurnIndex
		slot := state.TurnSequence[index]
		req := e.buildRequest(debate, *state, slot)
		startedAt := time.Now().UTC()
		state.PartialTurn = &models.PartialTurn{Index: index, Speaker: slot.Speaker, StartedAt: startedAt}
		state.UpdatedAt = startedAt
		if err := e.States.Store(ctx, debateID, *state); err != nil {
			log.Printf("engine: debate %s: persist in-flight turn marker: %v", debateID, err)
		}
		r.stateMu.Unlock()

		e.Bus.Emit(ctx, debateID, events.TypeTurnStarted, events.TurnStartedPayload{
			Index:   index,
			Speaker: slot.Speaker,
			Kind:    slot.Type,
		})
		turnCtx, span := telemetry.StartSpan(ctx, "debate.turn")
		result, failure := e.generate(turnCtx, debateID, req)
		endedAt := time.Now().UTC()
		span.End()
		if e.Metrics != nil {
			e.Metrics.ObserveTurnLatency(endedAt.Sub(startedAt))
		}
		if failure != nil {
			e.failTurn(ctx, r, debateID, index, failure)
			return false
		}

		record := models.TurnRecord{
			Index:      index,
			Speaker:    slot.Speaker,
			Type:       slot.Type,
			Content:    result.Content,
			TokenCount: result.OutputTokens,
			StartedAt:  startedAt,
			EndedAt:    endedAt,
		}
		e.emitDeltas(ctx, debateID, index, slot.Speaker, result.Content)

		r.stateMu.Lock()
		updated, err := e.States.Update(ctx, debateID, func(s *models.EngineState) {
			s.CompletedTurns = append(s.CompletedTurns, record)
			s.CurrentTurnIndex = index + 1
			s.PartialTurn = nil
			s.UpdatedAt = endedAt
		})
		r.stateMu.Unlock()
		if err != nil {
			log.Printf("engine: debate %s: persist turn %d: %v", debateID, index, err)
			return false
		}
		if updated == nil {
			log.Printf("engine: debate %s: state vanished mid-turn", debateID)
			return false
		}
		e.Bus.Emit(ctx, debateID, events.TypeTurnCompleted, events.TurnCompletedPayload{Turn: record})
	}
}

// generate runs the governed retry loop for one turn. It only ever returns a
// classified failure; transient classes are retried with backoff until the
// retry budget runs out.
func (e *Engine) generate(ctx context.Context, debateID string, req provider.Request) (provider.Result, *provider.Failure) {
	estimated := req.MaxTokens + promptTokens(req)
	var last *provider.Failure
	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.backoff(attempt)); err != nil {
				return provider.Result{}, &provider.Failure{Class: provider.ClassTimeout, Message: err.Error()}
			}
		}
		waited, ok := e.Governor.WaitForCapacity(ctx, e.Provider.Name(), estimated)
		if waited > e.BudgetWarnAfter {
			e.Bus.Emit(ctx, debateID, events.TypeBudgetWarning, events.BudgetWarningPayload{
				Provider: e.Provider.Name(),
				WaitedMS: waited.Milliseconds(),
			})
		}
		if !ok {
			last = &provider.Failure{Class: provider.ClassRateLimit, Message: "admission wait exhausted"}
			continue
		}
		result, err := e.Provider.Generate(ctx, req)
		if err == nil {
			e.Governor.Admit(e.Provider.Name(), result.InputTokens+result.OutputTokens)
			if e.Metrics != nil {
				e.Metrics.IncProviderOutcome(e.Provider.Name(), "ok")
			}
			return result, nil
		}
		last = provider.AsFailure(err)
		if e.Metrics != nil {
			e.Metrics.IncProviderOutcome(e.Provider.Name(), string(last.Class))
		}
		log.Printf("engine: debate %s: provider attempt %d/%d failed: %v", debateID, attempt+1, e.MaxRetries+1, last)
		if !last.Retryable() {
			return provider.Result{}, last
		}
	}
	return provider.Result{}, last
}

func (e *Engine) backoff(attempt int) time.Duration {
	d := e.RetryBackoff
	if d <= 0 {
		d = DefaultRetryBackoff
	}
	return d << (attempt - 1)
}

// failTurn emits turn_error then transitions the debate to the terminal error
// status, unless a control action already finished it.
func (e *Engine) failTurn(ctx context.Context, r *run, debateID string, index int, failure *provider.Failure) {
	e.Bus.Emit(ctx, debateID, events.TypeTurnError, events.TurnErrorPayload{
		Index:   index,
		Class:   string(failure.Class),
		Message: failure.Message,
		Retries: e.MaxRetries,
	})

	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	state, err := e.States.Get(ctx, debateID)
	if err != nil || state == nil {
		log.Printf("engine: debate %s: load state after turn failure: %v", debateID, err)
		return
	}
	if models.IsTerminal(state.Status) {
		return
	}
	now := time.Now().UTC()
	state.Status = models.StatusError
	state.Error = failure.Error()
	state.PartialTurn = nil
	state.CompletedAt = &now
	state.UpdatedAt = now
	if err := e.States.Store(ctx, debateID, *state); err != nil {
		log.Printf("engine: debate %s: persist error state: %v", debateID, err)
	}
	e.Bus.Emit(ctx, debateID, events.TypeDebateError, events.DebateErrorPayload{
		TurnIndex: index,
		Class:     string(failure.Class),
		Message:   failure.Message,
	})
}

// completeLocked finishes an exhausted plan. Caller holds r.stateMu.
func (e *Engine) completeLocked(ctx context.Context, debateID string, state *models.EngineState) {
	now := time.Now().UTC()
	state.Status = models.StatusCompleted
	state.CompletedAt = &now
	state.UpdatedAt = now
	if err := e.States.Store(ctx, debateID, *state); err != nil {
		log.Printf("engine: debate %s: persist completed state: %v", debateID, err)
	}
	e.Bus.Emit(ctx, debateID, events.TypeDebateCompleted, events.DebateCompletedPayload{
		TotalTurns: state.TotalTurns,
		DurationMS: now.Sub(state.StartedAt).Milliseconds(),
	})
}

func (e *Engine) emitDeltas(ctx context.Context, debateID string, index int, speaker models.Speaker, content string) {
	if e.DeltaChunkSize <= 0 {
		return
	}
	for start := 0; start < len(content); start += e.DeltaChunkSize {
		end := start + e.DeltaChunkSize
		if end > len(content) {
			end = len(content)
		}
		e.Bus.Emit(ctx, debateID, events.TypeTurnDelta, events.TurnDeltaPayload{
			Index:   index,
			Speaker: speaker,
			Delta:   content[start:end],
		})
	}
}

func (e *Engine) buildRequest(debate models.Debate, state models.EngineState, slot models.TurnSlot) provider.Request {
	var system strings.Builder
	fmt.Fprintf(&system, "You are the %s speaker in a %s-format debate on: %s.\n", slot.Speaker, debate.Format, debate.Topic)
	fmt.Fprintf(&system, "Deliver a %s turn. Stay in character and address prior points directly.\n", slot.Type)
	if len(debate.CustomRules) > 0 {
		system.WriteString("House rules:\n")
		for _, rule := range debate.CustomRules {
			fmt.Fprintf(&system, "- %s\n", rule)
		}
	}

	messages := make([]provider.Message, 0, len(state.CompletedTurns)+1)
	for _, turn := range state.CompletedTurns {
		messages = append(messages, provider.Message{
			Role:    "user",
			Content: fmt.Sprintf("[%s, %s] %s", turn.Speaker, turn.Type, turn.Content),
		})
	}
	messages = append(messages, provider.Message{
		Role:    "user",
		Content: fmt.Sprintf("It is now your %s turn. Respond as %s.", slot.Type, slot.Speaker),
	})

	maxTokens := e.MaxTurnTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTurnTokens
	}
	return provider.Request{
		SystemPrompt: system.String(),
		Messages:     messages,
		MaxTokens:    maxTokens,
		Temperature:  0.8,
	}
}

// promptTokens is a rough char-based estimate used only for admission
// control.
func promptTokens(req provider.Request) int {
	chars := len(req.SystemPrompt)
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars / 4
}
