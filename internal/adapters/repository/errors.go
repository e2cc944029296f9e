package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrCoupleExists      = errors.New("partner already belongs to a couple")
	ErrSlotTaken         = errors.New("partner input already submitted")
	ErrInputsIncomplete  = errors.New("both partner inputs are required")
	ErrClaimHeld         = errors.New("generation already in progress")
	ErrAlreadyGenerated  = errors.New("proposals already generated")
	ErrNotGenerated      = errors.New("proposals not generated yet")
	ErrUnknownProposal   = errors.New("proposal not in cycle")
	ErrDuplicateProposal = errors.New("proposal title already in cycle")
	ErrAlreadyAgreed     = errors.New("cycle already agreed")
	ErrNotAgreed         = errors.New("cycle has no agreement")
	ErrAlreadyCompleted  = errors.New("completion already recorded")
	ErrInvalidSlot       = errors.New("invalid partner slot")
	ErrConflict          = errors.New("concurrent modification")
	ErrStale             = errors.New("cycle changed since it was read")
)
