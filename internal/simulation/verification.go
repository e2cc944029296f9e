package simulation

import (
	"fmt"
	"slices"

	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/types"
)

// earliestShared is the first slot both simulated partners mark open.
var earliestShared = model.AvailabilitySlot{DayOffset: 5, TimeBand: model.Afternoon}

// verifySharedProposals checks both partners were shown the same list.
func verifySharedProposals(a, b types.CycleView) error {
	if len(a.Proposals) == 0 {
		return fmt.Errorf("%w: no proposals", ErrVerification)
	}
	if !slices.Equal(a.ProposalTitles(), b.ProposalTitles()) {
		return fmt.Errorf("%w: partners see different proposals %v and %v",
			ErrVerification, a.ProposalTitles(), b.ProposalTitles())
	}
	return nil
}

// verifyAgreement checks the outcome of ranking the same titles in
// opposite orders: every combined rank ties, so the picker's first choice
// wins at the earliest shared slot.
func verifyAgreement(res types.AgreementResponse, pickerRanking []string) error {
	a := res.Cycle.Agreement
	if a == nil {
		return fmt.Errorf("%w: state %s without agreement", ErrVerification, res.State)
	}
	if len(pickerRanking) > 0 && a.Ritual.Title != pickerRanking[0] {
		return fmt.Errorf("%w: agreed on %q, picker %s ranked %q first",
			ErrVerification, a.Ritual.Title, res.Picker, pickerRanking[0])
	}
	if a.DayOffset != earliestShared.DayOffset || a.TimeBand != earliestShared.TimeBand {
		return fmt.Errorf("%w: agreed slot day %d %s, want day %d %s",
			ErrVerification, a.DayOffset, a.TimeBand, earliestShared.DayOffset, earliestShared.TimeBand)
	}
	if len(res.Overlap) == 0 || res.Overlap[0] != earliestShared {
		return fmt.Errorf("%w: overlap %v does not start at the earliest shared slot", ErrVerification, res.Overlap)
	}
	return nil
}

// verifyHistory checks the completion shows up in the couple's history.
func verifyHistory(h types.HistoryResponse, done model.Completion, ritual string) error {
	if done.Title != ritual {
		return fmt.Errorf("%w: completed %q, agreed %q", ErrVerification, done.Title, ritual)
	}
	for _, c := range h.Completions {
		if c.CycleID == done.CycleID && c.Title == ritual {
			return nil
		}
	}
	return fmt.Errorf("%w: completion for cycle %s missing from history", ErrVerification, done.CycleID)
}
