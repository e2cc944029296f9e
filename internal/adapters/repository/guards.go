package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/pkg/metrics"
)

// mutation applies one guarded transition to a private copy of a cycle.
// It reports whether anything changed; false means an idempotent no-op.
type mutation func(c *model.WeeklyCycle, now time.Time) (bool, error)

func newCycle(coupleID string, weekStart, now time.Time) *model.WeeklyCycle {
	return &model.WeeklyCycle{
		ID:        uuid.NewString(),
		CoupleID:  coupleID,
		WeekStart: weekStart,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func weekKey(weekStart time.Time) string {
	return weekStart.Format(time.DateOnly)
}

func submitInput(slot model.PartnerSlot, input model.PartnerInput) mutation {
	return func(c *model.WeeklyCycle, now time.Time) (bool, error) {
		if !slot.Valid() {
			return false, ErrInvalidSlot
		}
		if c.Input(slot) != nil {
			return false, ErrSlotTaken
		}
		in := input
		in.Moods = append([]string{}, input.Moods...)
		if in.SubmittedAt.IsZero() {
			in.SubmittedAt = now
		}
		if slot == model.PartnerOne {
			c.PartnerOneInput = &in
		} else {
			c.PartnerTwoInput = &in
		}
		return true, nil
	}
}

func claimGeneration(token string, claimedAt time.Time, staleAfter time.Duration) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		if c.Generated() {
			return false, ErrAlreadyGenerated
		}
		if !c.BothSubmitted() {
			return false, ErrInputsIncomplete
		}
		if c.Claim != nil && c.Claim.Token != token {
			live := staleAfter <= 0 || claimedAt.Sub(c.Claim.ClaimedAt) < staleAfter
			if live {
				return false, ErrClaimHeld
			}
		}
		c.Claim = &model.GenerationClaim{Token: token, ClaimedAt: claimedAt}
		return true, nil
	}
}

func writeProposals(proposals []model.Proposal) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		if c.Generated() {
			return false, ErrAlreadyGenerated
		}
		c.SynthesizedOutput = append([]model.Proposal{}, proposals...)
		c.Claim = nil
		c.Failure = nil
		return true, nil
	}
}

func releaseClaim(token string, failure *model.GenerationFailure) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		// A claim taken over by someone else is theirs to release.
		if c.Claim == nil || c.Claim.Token != token {
			return false, nil
		}
		c.Claim = nil
		if failure != nil && !c.Generated() {
			f := *failure
			c.Failure = &f
		}
		return true, nil
	}
}

func replaceProposal(oldTitle string, p model.Proposal) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		if c.Agreed() {
			return false, ErrAlreadyAgreed
		}
		if !c.Generated() {
			return false, ErrNotGenerated
		}
		idx := -1
		for i, existing := range c.SynthesizedOutput {
			if existing.Title == oldTitle {
				idx = i
			} else if existing.Title == p.Title {
				return false, ErrDuplicateProposal
			}
		}
		if idx < 0 {
			return false, ErrUnknownProposal
		}
		c.SynthesizedOutput[idx] = p
		for slot, prefs := range c.Preferences {
			kept := prefs[:0]
			for _, pref := range prefs {
				if pref.Title != oldTitle {
					kept = append(kept, pref)
				}
			}
			if len(kept) == 0 {
				delete(c.Preferences, slot)
				continue
			}
			c.Preferences[slot] = kept
		}
		c.Conflict = ""
		return true, nil
	}
}

func setPreferences(slot model.PartnerSlot, prefs []model.RitualPreference) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		if err := rankingPhase(c, slot); err != nil {
			return false, err
		}
		// A swap may have landed since the caller validated its titles.
		for _, pref := range prefs {
			if _, ok := c.ProposalByTitle(pref.Title); !ok {
				return false, ErrUnknownProposal
			}
		}
		if c.Preferences == nil {
			c.Preferences = make(map[model.PartnerSlot][]model.RitualPreference, 2)
		}
		c.Preferences[slot] = append([]model.RitualPreference{}, prefs...)
		c.Conflict = ""
		return true, nil
	}
}

func setAvailability(slot model.PartnerSlot, slots []model.AvailabilitySlot) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		if err := rankingPhase(c, slot); err != nil {
			return false, err
		}
		if c.Availability == nil {
			c.Availability = make(map[model.PartnerSlot][]model.AvailabilitySlot, 2)
		}
		c.Availability[slot] = append([]model.AvailabilitySlot{}, slots...)
		c.Conflict = ""
		return true, nil
	}
}

func rankingPhase(c *model.WeeklyCycle, slot model.PartnerSlot) error {
	switch {
	case !slot.Valid():
		return ErrInvalidSlot
	case c.Agreed():
		return ErrAlreadyAgreed
	case !c.Generated():
		return ErrNotGenerated
	}
	return nil
}

// commitAgreement writes an outcome computed from the cycle at version.
func commitAgreement(version int64, a *model.Agreement) mutation {
	return func(c *model.WeeklyCycle, now time.Time) (bool, error) {
		if c.Agreement != nil {
			if c.Agreement.SameOutcome(a) {
				return false, nil
			}
			return false, ErrAlreadyAgreed
		}
		if !c.Generated() {
			return false, ErrNotGenerated
		}
		if c.Version != version {
			return false, ErrStale
		}
		agreement := *a
		agreement.Hour = nil
		if agreement.AgreedAt.IsZero() {
			agreement.AgreedAt = now
		}
		c.Agreement = &agreement
		c.Conflict = ""
		return true, nil
	}
}

func setAgreedHour(hour int) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		if c.Agreement == nil {
			return false, ErrNotAgreed
		}
		if c.Agreement.Hour != nil && *c.Agreement.Hour == hour {
			return false, nil
		}
		h := hour
		c.Agreement.Hour = &h
		return true, nil
	}
}

func recordConflict(version int64, conflict string) mutation {
	return func(c *model.WeeklyCycle, _ time.Time) (bool, error) {
		if c.Agreed() {
			return false, ErrAlreadyAgreed
		}
		if c.Version != version {
			return false, ErrStale
		}
		if c.Conflict == conflict {
			return false, nil
		}
		c.Conflict = conflict
		return true, nil
	}
}

// observe records a store operation with its outcome.
func observe(driver, operation string, start time.Time, err error) {
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case isGuardError(err):
		status = "rejected"
	default:
		status = "error"
	}
	metrics.RecordStoreOperation(driver, operation, status, time.Since(start))
}

func isGuardError(err error) bool {
	for _, guard := range []error{
		ErrCoupleExists, ErrSlotTaken, ErrInputsIncomplete, ErrClaimHeld, ErrAlreadyGenerated,
		ErrNotGenerated, ErrUnknownProposal, ErrDuplicateProposal, ErrAlreadyAgreed, ErrNotAgreed,
		ErrAlreadyCompleted, ErrInvalidSlot, ErrStale,
	} {
		if errors.Is(err, guard) {
			return true
		}
	}
	return false
}
