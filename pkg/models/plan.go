package models

// BuildTurnPlan precomputes the ordered (speaker, turn type) plan for a
// debate. The plan length always equals totalTurns and is stable for a given
// format and turn count, so a restarted engine rebuilds the identical plan.
func BuildTurnPlan(format Format, totalTurns int) ([]TurnSlot, error) {
	if !ValidFormat(format) {
		return nil, ErrInvalidFormat
	}
	if totalTurns < MinTurns || totalTurns > MaxTurns {
		return nil, ErrTurnCountRange
	}
	plan := make([]TurnSlot, 0, totalTurns)
	for i := 0; i < totalTurns; i++ {
		plan = append(plan, slotAt(format, i, totalTurns))
	}
	return plan, nil
}

func slotAt(format Format, index, total int) TurnSlot {
	speaker := SpeakerPro
	if index%2 == 1 {
		speaker = SpeakerCon
	}
	// Openings and closings bracket every format.
	if index < 2 && total >= 4 {
		return TurnSlot{Speaker: speaker, Type: TurnOpening}
	}
	closingFrom := total - 2
	if total < 4 {
		closingFrom = total - 1
	}
	if index >= closingFrom {
		return TurnSlot{Speaker: speaker, Type: TurnClosing}
	}
	if index == 0 {
		return TurnSlot{Speaker: speaker, Type: TurnOpening}
	}
	switch format {
	case FormatCrossfire:
		return TurnSlot{Speaker: speaker, Type: TurnCrossExam}
	case FormatSocratic:
		// The moderator probes on every other middle turn; the debaters
		// answer on the turns between.
		if (index-2)%2 == 0 {
			return TurnSlot{Speaker: SpeakerModerator, Type: TurnQuestion}
		}
		answering := SpeakerPro
		if ((index-2)/2)%2 == 1 {
			answering = SpeakerCon
		}
		return TurnSlot{Speaker: answering, Type: TurnArgument}
	default:
		if index < total/2 {
			return TurnSlot{Speaker: speaker, Type: TurnArgument}
		}
		return TurnSlot{Speaker: speaker, Type: TurnRebuttal}
	}
}
