package models

import (
	"errors"
	"time"
)

const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusError      = "error"
)

var ErrInvalidStatusTransition = errors.New("invalid debate status transition")

// EngineState is the authoritative per-debate state, owned exclusively by the
// engine and mutated through read-modify-write cycles against the state store.
type EngineState struct {
	DebateID         string       `json:"debate_id"`
	Status           string       `json:"status"`
	CurrentTurnIndex int          `json:"current_turn_index"`
	TotalTurns       int          `json:"total_turns"`
	TurnSequence     []TurnSlot   `json:"turn_sequence"`
	CompletedTurns   []TurnRecord `json:"completed_turns"`
	PartialTurn      *PartialTurn `json:"partial_turn,omitempty"`
	Error            string       `json:"error,omitempty"`
	EndReason        string       `json:"end_reason,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func CanTransition(from, to string) bool {
	switch from {
	case StatusNotStarted:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusPaused || to == StatusCompleted || to == StatusCancelled || to == StatusError
	case StatusPaused:
		return to == StatusInProgress || to == StatusCancelled || to == StatusError
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidStatusTransition
	}
	return to, nil
}

// IsTerminal reports whether a status can never change again.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

func ValidStatus(status string) bool {
	switch status {
	case StatusNotStarted, StatusInProgress, StatusPaused, StatusCompleted, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}
