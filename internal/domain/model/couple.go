// Package model contains domain models passed between layers.
package model

import (
	"errors"
	"time"
)

// ErrNotPartner is returned when a user does not belong to a couple.
var ErrNotPartner = errors.New("user is not a partner of this couple")

// PartnerSlot identifies which half of a couple a value belongs to.
type PartnerSlot string

// Partner slots.
const (
	PartnerOne PartnerSlot = "partner_one"
	PartnerTwo PartnerSlot = "partner_two"
)

// Other returns the opposite slot.
func (s PartnerSlot) Other() PartnerSlot {
	if s == PartnerOne {
		return PartnerTwo
	}
	return PartnerOne
}

// Valid reports whether s is a known slot.
func (s PartnerSlot) Valid() bool {
	return s == PartnerOne || s == PartnerTwo
}

// Couple is the owning pair of every weekly cycle.
type Couple struct {
	ID           string    `json:"id"`
	PartnerOneID string    `json:"partner_one_id"`
	PartnerTwoID string    `json:"partner_two_id"`
	Location     string    `json:"location,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SlotFor maps a caller identity to the partner slot stored on the couple.
// The slot is never taken from the request itself.
func (c *Couple) SlotFor(userID string) (PartnerSlot, error) {
	switch {
	case userID == "":
		return "", ErrNotPartner
	case userID == c.PartnerOneID:
		return PartnerOne, nil
	case userID == c.PartnerTwoID:
		return PartnerTwo, nil
	default:
		return "", ErrNotPartner
	}
}

// Completion is a history record of a ritual the couple actually did.
type Completion struct {
	CoupleID    string    `json:"couple_id"`
	CycleID     string    `json:"cycle_id"`
	Title       string    `json:"title"`
	Rating      int       `json:"rating"`
	CompletedAt time.Time `json:"completed_at"`
}

// HighlyRatedThreshold is the minimum rating that marks a completion as a favourite.
const HighlyRatedThreshold = 4
