package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MaxCustomRules      = 10
	MaxCustomRuleLength = 280
	MinTurns            = 2
	MaxTurns            = 40
)

// Debate is the root aggregate. Created once, read-mostly afterwards,
// expired by the retention TTL.
type Debate struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	TotalTurns  int       `json:"total_turns"`
	Format      Format    `json:"format"`
	CustomRules []string  `json:"custom_rules,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Format string

const (
	FormatStandard  Format = "standard"
	FormatCrossfire Format = "crossfire"
	FormatSocratic  Format = "socratic"
)

type Speaker string

const (
	SpeakerPro       Speaker = "pro"
	SpeakerCon       Speaker = "con"
	SpeakerModerator Speaker = "moderator"
)

type TurnType string

const (
	TurnOpening   TurnType = "opening"
	TurnArgument  TurnType = "argument"
	TurnRebuttal  TurnType = "rebuttal"
	TurnCrossExam TurnType = "cross_examination"
	TurnQuestion  TurnType = "question"
	TurnClosing   TurnType = "closing"
)

// TurnSlot is one entry of the precomputed turn plan.
type TurnSlot struct {
	Speaker Speaker  `json:"speaker"`
	Type    TurnType `json:"type"`
}

// TurnRecord is an immutable record of a finished turn.
type TurnRecord struct {
	Index      int       `json:"index"`
	Speaker    Speaker   `json:"speaker"`
	Type       TurnType  `json:"type"`
	Content    string    `json:"content"`
	TokenCount int       `json:"token_count"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// PartialTurn marks the turn currently in flight with the provider. It is
// written when the turn is dispatched and cleared at the turn boundary, so a
// reader of a mid-turn snapshot can tell who holds the floor.
type PartialTurn struct {
	Index     int       `json:"index"`
	Speaker   Speaker   `json:"speaker"`
	StartedAt time.Time `json:"started_at"`
}

var (
	ErrTopicRequired   = errors.New("debate topic is required")
	ErrInvalidFormat   = errors.New("unknown debate format")
	ErrTurnCountRange  = fmt.Errorf("total turns must be between %d and %d", MinTurns, MaxTurns)
	ErrTooManyRules    = fmt.Errorf("at most %d custom rules are allowed", MaxCustomRules)
	ErrRuleTooLong     = fmt.Errorf("custom rules are limited to %d characters", MaxCustomRuleLength)
	ErrDebateIDMissing = errors.New("debate id is required")
)

func ValidFormat(f Format) bool {
	switch f {
	case FormatStandard, FormatCrossfire, FormatSocratic:
		return true
	default:
		return false
	}
}

// ValidateDebate rejects invalid caller input synchronously, before anything
// is persisted.
func ValidateDebate(d Debate) error {
	if strings.TrimSpace(d.ID) == "" {
		return ErrDebateIDMissing
	}
	if strings.TrimSpace(d.Topic) == "" {
		return ErrTopicRequired
	}
	if !ValidFormat(d.Format) {
		return ErrInvalidFormat
	}
	if d.TotalTurns < MinTurns || d.TotalTurns > MaxTurns {
		return ErrTurnCountRange
	}
	if len(d.CustomRules) > MaxCustomRules {
		return ErrTooManyRules
	}
	for _, rule := range d.CustomRules {
		if len(rule) > MaxCustomRuleLength {
			return ErrRuleTooLong
		}
	}
	return nil
}
