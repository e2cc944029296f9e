package service

import (
	"errors"
	"fmt"

	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/reconcile"
	"github.com/okian/ritual/internal/generation"
)

// Error kinds surfaced to callers. Transport layers map them to responses.
var (
	ErrPersistence          = errors.New("persistence error")
	ErrGenerationTimeout    = errors.New("generation is still running")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrConcurrentSubmission = errors.New("input already submitted for this partner")
	ErrNotFound             = errors.New("not found")
	ErrForbidden            = errors.New("forbidden")
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("conflict")
)

// GenerationError is a generation failure with its classified code.
type GenerationError struct {
	Code generation.Code
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrGenerationFailed, e.Code)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrGenerationFailed) match.
func (e *GenerationError) Is(target error) bool { return target == ErrGenerationFailed }

// translate maps lower layer errors onto the service error kinds.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var genErr *generation.Error
	switch {
	case errors.As(err, &genErr):
		return &GenerationError{Code: genErr.Code, Err: err}
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrValidation), errors.Is(err, ErrConflict), errors.Is(err, ErrConcurrentSubmission),
		errors.Is(err, ErrGenerationFailed), errors.Is(err, ErrGenerationTimeout):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repository.ErrSlotTaken):
		return fmt.Errorf("%w: %w", ErrConcurrentSubmission, err)
	case errors.Is(err, model.ErrNotPartner):
		return fmt.Errorf("%w: %w", ErrForbidden, err)
	case errors.Is(err, repository.ErrInvalidSlot),
		errors.Is(err, repository.ErrUnknownProposal),
		errors.Is(err, reconcile.ErrInvalidRankings),
		errors.Is(err, reconcile.ErrInvalidAvailability),
		errors.Is(err, reconcile.ErrInvalidHour):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	case errors.Is(err, repository.ErrCoupleExists),
		errors.Is(err, repository.ErrInputsIncomplete),
		errors.Is(err, repository.ErrNotGenerated),
		errors.Is(err, repository.ErrAlreadyGenerated),
		errors.Is(err, repository.ErrDuplicateProposal),
		errors.Is(err, repository.ErrAlreadyAgreed),
		errors.Is(err, repository.ErrNotAgreed),
		errors.Is(err, repository.ErrAlreadyCompleted),
		errors.Is(err, repository.ErrStale):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}
