// Package repository holds the shared weekly-cycle record. Every mutation
// is a single conditional write so two partners racing on the same cycle
// can never both win a guarded transition.
package repository

import (
	"context"
	"time"

	"github.com/okian/ritual/internal/domain/model"
)

// ChangeHook is called after every successful cycle mutation.
type ChangeHook func(ctx context.Context, cycleID string, version int64)

// Store provides guarded read/write access to couples, cycles and history.
type Store interface {
	// CreateCouple stores a new couple. Returns ErrCoupleExists if either
	// partner already belongs to a couple.
	CreateCouple(ctx context.Context, c *model.Couple) error
	GetCouple(ctx context.Context, id string) (*model.Couple, error)
	// CoupleForUser returns the couple userID belongs to, or ErrNotFound.
	CoupleForUser(ctx context.Context, userID string) (*model.Couple, error)

	// GetOrCreateCycle returns the cycle for (coupleID, weekStart), creating it lazily.
	GetOrCreateCycle(ctx context.Context, coupleID string, weekStart time.Time) (*model.WeeklyCycle, error)
	GetCycle(ctx context.Context, id string) (*model.WeeklyCycle, error)
	// ListCycles returns a couple's cycles, newest week first.
	ListCycles(ctx context.Context, coupleID string, limit int) ([]*model.WeeklyCycle, error)

	// SubmitInput writes a partner's input only while the slot is empty.
	SubmitInput(ctx context.Context, id string, slot model.PartnerSlot, input model.PartnerInput) (*model.WeeklyCycle, error)
	// ClaimGeneration marks generation in flight. Claims older than staleAfter may be taken over.
	ClaimGeneration(ctx context.Context, id, token string, now time.Time, staleAfter time.Duration) (*model.WeeklyCycle, error)
	// WriteProposals sets the output only while it is still nil.
	WriteProposals(ctx context.Context, id string, proposals []model.Proposal) (*model.WeeklyCycle, error)
	// ReleaseClaim drops the claim held under token and records failure if given.
	ReleaseClaim(ctx context.Context, id, token string, failure *model.GenerationFailure) (*model.WeeklyCycle, error)
	// ReplaceProposal swaps one proposal and drops rankings that referenced it.
	ReplaceProposal(ctx context.Context, id, oldTitle string, p model.Proposal) (*model.WeeklyCycle, error)

	SetPreferences(ctx context.Context, id string, slot model.PartnerSlot, prefs []model.RitualPreference) (*model.WeeklyCycle, error)
	SetAvailability(ctx context.Context, id string, slot model.PartnerSlot, slots []model.AvailabilitySlot) (*model.WeeklyCycle, error)
	// CommitAgreement writes the agreement only while none exists and the
	// cycle is still at version, the one the outcome was computed from.
	// Committing the same outcome again succeeds without a change. A cycle
	// that moved on returns ErrStale.
	CommitAgreement(ctx context.Context, id string, version int64, a *model.Agreement) (*model.WeeklyCycle, error)
	SetAgreedHour(ctx context.Context, id string, hour int) (*model.WeeklyCycle, error)
	// RecordConflict stores a reconciliation conflict computed at version.
	RecordConflict(ctx context.Context, id string, version int64, conflict string) (*model.WeeklyCycle, error)

	// RecordCompletion stores the outcome of an agreed ritual, once per cycle.
	RecordCompletion(ctx context.Context, c *model.Completion) error
	ListCompletions(ctx context.Context, coupleID string) ([]model.Completion, error)

	Close() error
}
