package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/reconcile"
	"github.com/okian/ritual/pkg/logger"
	"github.com/okian/ritual/pkg/metrics"
)

// Rating bounds for completed rituals.
const (
	MinRating = 1
	MaxRating = 5
)

// AgreementResult is the reconciliation state plus the cycle after any write.
type AgreementResult struct {
	State   reconcile.State
	Picker  model.PartnerSlot
	Overlap []model.AvailabilitySlot
	Mutual  []reconcile.Candidate
	Cycle   *model.WeeklyCycle
}

// Conflict reports whether the partners need to adjust their input.
func (r AgreementResult) Conflict() bool { return r.State.Conflict() }

// SetRankings stores the caller's top picks among the current proposals.
func (s *Service) SetRankings(ctx context.Context, sess Session, cycleID string, prefs []model.RitualPreference) (*model.WeeklyCycle, error) {
	c, slot, err := s.authorize(ctx, sess, cycleID)
	if err != nil {
		return nil, err
	}
	if !c.Generated() {
		return nil, translate(repository.ErrNotGenerated)
	}
	if err := reconcile.ValidateRankings(prefs, c.SynthesizedOutput); err != nil {
		return nil, translate(err)
	}
	out, err := s.store.SetPreferences(ctx, cycleID, slot, prefs)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// SetAvailability stores the caller's open (day, band) slots for the week.
func (s *Service) SetAvailability(ctx context.Context, sess Session, cycleID string, slots []model.AvailabilitySlot) (*model.WeeklyCycle, error) {
	normalized, err := reconcile.NormalizeAvailability(slots)
	if err != nil {
		return nil, translate(err)
	}
	_, slot, err := s.authorize(ctx, sess, cycleID)
	if err != nil {
		return nil, err
	}
	out, err := s.store.SetAvailability(ctx, cycleID, slot, normalized)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// agreementAttempts bounds how often ComputeAgreement recomputes after a
// partner's edit lands between its read and its write.
const agreementAttempts = 5

// ComputeAgreement reconciles rankings and availability. It is idempotent:
// an agreed cycle returns its stored agreement unchanged, and a commit is a
// single guarded write so two partners computing at once agree on one
// outcome. Conflicts are recorded on the cycle for both partners to see.
// Outcomes are only written against the version they were computed from.
func (s *Service) ComputeAgreement(ctx context.Context, sess Session, cycleID string) (AgreementResult, error) {
	c, _, err := s.authorize(ctx, sess, cycleID)
	if err != nil {
		return AgreementResult{}, err
	}
	for attempt := 1; ; attempt++ {
		res, err := s.commitOutcome(ctx, c)
		if err == nil {
			return res, nil
		}
		retry := errors.Is(err, repository.ErrStale) || errors.Is(err, repository.ErrAlreadyAgreed)
		if !retry || attempt == agreementAttempts {
			return AgreementResult{}, translate(err)
		}
		s.logger.Debug(ctx, "cycle moved during reconcile",
			logger.String("cycle_id", cycleID),
			logger.Int("attempt", attempt),
		)
		if c, err = s.store.GetCycle(ctx, cycleID); err != nil {
			return AgreementResult{}, translate(err)
		}
	}
}

// commitOutcome runs the engine on c and writes the outcome guarded by c.Version.
func (s *Service) commitOutcome(ctx context.Context, c *model.WeeklyCycle) (AgreementResult, error) {
	outcome := s.engine.Compute(reconcile.InputFromCycle(c))
	res := AgreementResult{
		State:   outcome.State,
		Picker:  outcome.Picker,
		Overlap: outcome.Overlap,
		Mutual:  outcome.Mutual,
		Cycle:   c,
	}
	if c.Agreed() {
		res.State = reconcile.Agreed
		return res, nil
	}

	switch {
	case outcome.State == reconcile.Agreed:
		committed, err := s.store.CommitAgreement(ctx, c.ID, c.Version, outcome.Agreement(c.WeekStart, s.now()))
		if err != nil {
			return AgreementResult{}, err
		}
		res.Cycle = committed
		s.logger.Info(ctx, "ritual agreed",
			logger.String("cycle_id", c.ID),
			logger.String("title", committed.Agreement.Ritual.Title),
			logger.String("date", committed.Agreement.Date),
			logger.String("band", string(committed.Agreement.TimeBand)),
		)
	case outcome.State.Conflict():
		updated, err := s.store.RecordConflict(ctx, c.ID, c.Version, string(outcome.State))
		if err != nil {
			return AgreementResult{}, err
		}
		res.Cycle = updated
	}
	metrics.RecordAgreement(string(res.State))
	return res, nil
}

// RefineTime lets this week's picker pin an hour inside the agreed band.
// The agreed ritual, day and band never change.
func (s *Service) RefineTime(ctx context.Context, sess Session, cycleID string, hour int) (*model.WeeklyCycle, error) {
	c, slot, err := s.authorize(ctx, sess, cycleID)
	if err != nil {
		return nil, err
	}
	if !c.Agreed() {
		return nil, translate(repository.ErrNotAgreed)
	}
	if picker := s.engine.Picker(c.WeekStart); slot != picker {
		return nil, fmt.Errorf("%w: only %s picks the time this week", ErrForbidden, picker)
	}
	if err := reconcile.ValidateHour(c.Agreement.TimeBand, hour); err != nil {
		return nil, translate(err)
	}
	out, err := s.store.SetAgreedHour(ctx, cycleID, hour)
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

// RecordCompletion logs that the agreed ritual happened, with a 1..5 rating.
// Completions feed the history used by later generations.
func (s *Service) RecordCompletion(ctx context.Context, sess Session, cycleID string, rating int) (model.Completion, error) {
	if rating < MinRating || rating > MaxRating {
		return model.Completion{}, fmt.Errorf("%w: rating must be %d to %d", ErrValidation, MinRating, MaxRating)
	}
	c, _, err := s.authorize(ctx, sess, cycleID)
	if err != nil {
		return model.Completion{}, err
	}
	if !c.Agreed() {
		return model.Completion{}, translate(repository.ErrNotAgreed)
	}
	done := model.Completion{
		CoupleID:    c.CoupleID,
		CycleID:     c.ID,
		Title:       c.Agreement.Ritual.Title,
		Rating:      rating,
		CompletedAt: s.now(),
	}
	if err := s.store.RecordCompletion(ctx, &done); err != nil {
		return model.Completion{}, translate(err)
	}
	return done, nil
}

// History is a couple's past cycles and completed rituals.
type History struct {
	Cycles      []*model.WeeklyCycle `json:"cycles"`
	Completions []model.Completion   `json:"completions"`
}

// History returns up to limit recent cycles and every completion.
func (s *Service) History(ctx context.Context, sess Session, limit int) (History, error) {
	if _, err := sess.Slot(); err != nil {
		return History{}, err
	}
	cycles, err := s.store.ListCycles(ctx, sess.Couple.ID, limit)
	if err != nil {
		return History{}, translate(err)
	}
	completions, err := s.store.ListCompletions(ctx, sess.Couple.ID)
	if err != nil {
		return History{}, translate(err)
	}
	return History{Cycles: cycles, Completions: completions}, nil
}
