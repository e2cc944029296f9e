package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/domain/model"
)

// ErrNoCouple is returned when the caller has not joined a couple yet.
var ErrNoCouple = fmt.Errorf("%w: user has no couple", ErrNotFound)

// Session is the authenticated caller and the couple they belong to. The
// partner slot is always derived from it, never from request data.
type Session struct {
	UserID string
	Couple *model.Couple
}

// Slot returns the caller's partner slot.
func (s Session) Slot() (model.PartnerSlot, error) {
	if s.Couple == nil {
		return "", ErrNoCouple
	}
	slot, err := s.Couple.SlotFor(s.UserID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrForbidden, err)
	}
	return slot, nil
}

// Session resolves the caller's couple.
func (s *Service) Session(ctx context.Context, userID string) (Session, error) {
	if userID == "" {
		return Session{}, fmt.Errorf("%w: missing user", ErrForbidden)
	}
	couple, err := s.store.CoupleForUser(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{UserID: userID}, ErrNoCouple
	}
	if err != nil {
		return Session{}, translate(err)
	}
	return Session{UserID: userID, Couple: couple}, nil
}

// authorize loads a cycle and checks it belongs to the caller's couple.
func (s *Service) authorize(ctx context.Context, sess Session, cycleID string) (*model.WeeklyCycle, model.PartnerSlot, error) {
	slot, err := sess.Slot()
	if err != nil {
		return nil, "", err
	}
	c, err := s.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, "", translate(err)
	}
	if c.CoupleID != sess.Couple.ID {
		return nil, "", fmt.Errorf("%w: cycle belongs to another couple", ErrForbidden)
	}
	return c, slot, nil
}
