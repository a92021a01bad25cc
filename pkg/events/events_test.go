package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dinesh-git17/debate-lab-sub003/pkg/models"
)

func TestDurabilityClassification(t *testing.T) {
	durable := []Type{
		TypeDebateStarted, TypeDebatePaused, TypeDebateResumed,
		TypeDebateCompleted, TypeDebateCancelled, TypeDebateError,
		TypeTurnStarted, TypeTurnCompleted, TypeTurnError,
	}
	for _, typ := range durable {
		if !Durable(typ) {
			t.Fatalf("expected %s to be durable", typ)
		}
	}
	for _, typ := range []Type{TypeTurnDelta, TypeBudgetWarning} {
		if Durable(typ) {
			t.Fatalf("expected %s to be ephemeral", typ)
		}
		if !Valid(typ) {
			t.Fatalf("expected %s to be a valid type", typ)
		}
	}
	if Valid("debate_exploded") {
		t.Fatal("unknown type must not validate")
	}
}

func TestNewEventCarriesTimestampAndPayload(t *testing.T) {
	evt := New("d1", TypeTurnStarted, TurnStartedPayload{Index: 2, Speaker: models.SpeakerCon, Kind: models.TurnRebuttal})
	if evt.DebateID != "d1" || evt.Type != TypeTurnStarted || evt.Seq != 0 {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Time().IsZero() || time.Since(evt.Time()) > time.Minute {
		t.Fatalf("unexpected timestamp: %s", evt.At)
	}
	decoded, err := evt.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	payload, ok := decoded.(*TurnStartedPayload)
	if !ok || payload.Index != 2 || payload.Speaker != models.SpeakerCon {
		t.Fatalf("unexpected payload: %#v", decoded)
	}
}

func TestUnmarshalRejectsUnknownType(t *testing.T) {
	raw, _ := json.Marshal(Event{DebateID: "d1", Type: "mystery", At: time.Now().UTC().Format(time.RFC3339Nano)})
	if _, err := Unmarshal(raw); err == nil {
		t.Fatal("expected unknown type to be rejected")
	}
	raw, _ = json.Marshal(New("d1", TypeDebateCompleted, DebateCompletedPayload{TotalTurns: 4}))
	evt, err := Unmarshal(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if evt.Type != TypeDebateCompleted {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
}

func TestDecodeRoundTripsEveryType(t *testing.T) {
	samples := []Event{
		New("d1", TypeDebateStarted, DebateStartedPayload{Topic: "t", Format: models.FormatStandard, TotalTurns: 4}),
		New("d1", TypeDebatePaused, DebatePausedPayload{TurnIndex: 1}),
		New("d1", TypeDebateResumed, DebateResumedPayload{TurnIndex: 1}),
		New("d1", TypeDebateCompleted, DebateCompletedPayload{TotalTurns: 4, DurationMS: 10}),
		New("d1", TypeDebateCancelled, DebateCancelledPayload{Reason: "viewer request", TurnIndex: 2}),
		New("d1", TypeDebateError, DebateErrorPayload{TurnIndex: 3, Class: "auth", Message: "denied"}),
		New("d1", TypeTurnStarted, TurnStartedPayload{Index: 0, Speaker: models.SpeakerPro, Kind: models.TurnOpening}),
		New("d1", TypeTurnCompleted, TurnCompletedPayload{Turn: models.TurnRecord{Index: 0, Speaker: models.SpeakerPro}}),
		New("d1", TypeTurnError, TurnErrorPayload{Index: 1, Class: "timeout", Message: "deadline", Retries: 3}),
		New("d1", TypeTurnDelta, TurnDeltaPayload{Index: 1, Speaker: models.SpeakerCon, Delta: "and further"}),
		New("d1", TypeBudgetWarning, BudgetWarningPayload{Provider: "anthropic", WaitedMS: 1200}),
	}
	for _, evt := range samples {
		if _, err := evt.Decode(); err != nil {
			t.Fatalf("decode %s: %v", evt.Type, err)
		}
	}
}
