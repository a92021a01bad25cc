package events

import (
	"encoding/json"
	"fmt"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/models"
)

type DebateStartedPayload struct {
	Topic      string        `json:"topic"`
	Format     models.Format `json:"format"`
	TotalTurns int           `json:"total_turns"`
}

type DebatePausedPayload struct {
	TurnIndex int `json:"turn_index"`
}

type DebateResumedPayload struct {
	TurnIndex int `json:"turn_index"`
}

type DebateCompletedPayload struct {
	TotalTurns int   `json:"total_turns"`
	DurationMS int64 `json:"duration_ms"`
}

type DebateCancelledPayload struct {
	Reason    string `json:"reason"`
	TurnIndex int    `json:"turn_index"`
}

type DebateErrorPayload struct {
	TurnIndex int    `json:"turn_index"`
	Class     string `json:"class"`
	Message   string `json:"message"`
}

type TurnStartedPayload struct {
	Index   int             `json:"index"`
	Speaker models.Speaker  `json:"speaker"`
	Kind    models.TurnType `json:"kind"`
}

type TurnCompletedPayload struct {
	Turn models.TurnRecord `json:"turn"`
}

type TurnErrorPayload struct {
	Index   int    `json:"index"`
	Class   string `json:"class"`
	Message string `json:"message"`
	Retries int    `json:"retries"`
}

type TurnDeltaPayload struct {
	Index   int            `json:"index"`
	Speaker models.Speaker `json:"speaker"`
	Delta   string         `json:"delta"`
}

type BudgetWarningPayload struct {
	Provider string `json:"provider"`
	WaitedMS int64  `json:"waited_ms"`
}

// Decode unmarshals the payload into the concrete type for the event's Type.
// The switch is exhaustive over the closed enum so a new event type cannot
// silently fail to round-trip.
func (e Event) Decode() (interface{}, error) {
	decode := func(v interface{}) (interface{}, error) {
		if len(e.Payload) == 0 {
			return v, nil
		}
		if err := json.Unmarshal(e.Payload, v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return v, nil
	}
	switch e.Type {
	case TypeDebateStarted:
		return decode(&DebateStartedPayload{})
	case TypeDebatePaused:
		return decode(&DebatePausedPayload{})
	case TypeDebateResumed:
		return decode(&DebateResumedPayload{})
	case TypeDebateCompleted:
		return decode(&DebateCompletedPayload{})
	case TypeDebateCancelled:
		return decode(&DebateCancelledPayload{})
	case TypeDebateError:
		return decode(&DebateErrorPayload{})
	case TypeTurnStarted:
		return decode(&TurnStartedPayload{})
	case TypeTurnCompleted:
		return decode(&TurnCompletedPayload{})
	case TypeTurnError:
		return decode(&TurnErrorPayload{})
	case TypeTurnDelta:
		return decode(&TurnDeltaPayload{})
	case TypeBudgetWarning:
		return decode(&BudgetWarningPayload{})
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %q", e.Type)
	}
}
