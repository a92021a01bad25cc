package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the closed set of debate event types. Adding a type requires a
// durability classification in durableTypes and a payload case in Decode.
type Type string

const (
	TypeDebateStarted   Type = "debate_started"
	TypeDebatePaused    Type = "debate_paused"
	TypeDebateResumed   Type = "debate_resumed"
	TypeDebateCompleted Type = "debate_completed"
	TypeDebateCancelled Type = "debate_cancelled"
	TypeDebateError     Type = "debate_error"
	TypeTurnStarted     Type = "turn_started"
	TypeTurnCompleted   Type = "turn_completed"
	TypeTurnError       Type = "turn_error"
	TypeTurnDelta       Type = "turn_delta"
	TypeBudgetWarning   Type = "budget_warning"
)

// Durable event types survive a crash: they consume a sequence number and are
// appended to the event log. Everything else is push-only chatter.
var durableTypes = map[Type]struct{}{
	TypeDebateStarted:   {},
	TypeDebatePaused:    {},
	TypeDebateResumed:   {},
	TypeDebateCompleted: {},
	TypeDebateCancelled: {},
	TypeDebateError:     {},
	TypeTurnStarted:     {},
	TypeTurnCompleted:   {},
	TypeTurnError:       {},
}

func Durable(t Type) bool {
	_, ok := durableTypes[t]
	return ok
}

func Valid(t Type) bool {
	if Durable(t) {
		return true
	}
	switch t {
	case TypeTurnDelta, TypeBudgetWarning:
		return true
	default:
		return false
	}
}

// Event is an immutable fact about a state transition. Seq is zero for
// ephemeral events and strictly positive, monotonic per debate, for durable
// ones. Consumers must tolerate gaps in Seq and never assume contiguity.
type Event struct {
	DebateID string          `json:"debate_id"`
	Type     Type            `json:"type"`
	Seq      int64           `json:"seq,omitempty"`
	At       string          `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func New(debateID string, t Type, payload interface{}) Event {
	var raw json.RawMessage
	if payload != nil {
		b, _ := json.Marshal(payload)
		raw = b
	}
	return Event{
		DebateID: debateID,
		Type:     t,
		At:       time.Now().UTC().Format(time.RFC3339Nano),
		Payload:  raw,
	}
}

// Time parses the event timestamp; zero time on malformed input.
func (e Event) Time() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, e.At)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (e Event) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

func Unmarshal(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !Valid(e.Type) {
		return Event{}, fmt.Errorf("decode event: unknown type %q", e.Type)
	}
	return e, nil
}
