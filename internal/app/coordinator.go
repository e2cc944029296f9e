package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	workerpool "github.com/okian/ritual/internal/adapters/mq/worker"
	"github.com/okian/ritual/internal/adapters/notify"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/generation"
	"github.com/okian/ritual/pkg/logger"
	"github.com/okian/ritual/pkg/metrics"
)

// Input limits.
const (
	MaxMoods        = 8
	MaxMoodLength   = 40
	MaxDesireLength = 500
)

// claimPollInterval backs up the change feed while waiting on another run.
const claimPollInterval = 250 * time.Millisecond

// InputPayload is what a partner submits for the week.
type InputPayload struct {
	Moods  []string `json:"moods"`
	Desire string   `json:"desire"`
}

// Validate checks and normalizes the payload.
func (p InputPayload) Validate() (model.PartnerInput, error) {
	moods := make([]string, 0, len(p.Moods))
	for _, m := range p.Moods {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if utf8.RuneCountInString(m) > MaxMoodLength {
			return model.PartnerInput{}, fmt.Errorf("%w: mood longer than %d characters", ErrValidation, MaxMoodLength)
		}
		moods = append(moods, m)
	}
	switch {
	case len(moods) == 0:
		return model.PartnerInput{}, fmt.Errorf("%w: at least one mood is required", ErrValidation)
	case len(moods) > MaxMoods:
		return model.PartnerInput{}, fmt.Errorf("%w: at most %d moods", ErrValidation, MaxMoods)
	}
	desire := strings.TrimSpace(p.Desire)
	if utf8.RuneCountInString(desire) > MaxDesireLength {
		return model.PartnerInput{}, fmt.Errorf("%w: desire longer than %d characters", ErrValidation, MaxDesireLength)
	}
	return model.PartnerInput{Moods: moods, Desire: desire}, nil
}

// CreateCouple pairs the caller, as partner one, with partnerID.
func (s *Service) CreateCouple(ctx context.Context, userID, partnerID, location string) (*model.Couple, error) {
	userID = strings.TrimSpace(userID)
	partnerID = strings.TrimSpace(partnerID)
	switch {
	case userID == "":
		return nil, fmt.Errorf("%w: missing user", ErrForbidden)
	case partnerID == "" || partnerID == userID:
		return nil, fmt.Errorf("%w: a different partner id is required", ErrValidation)
	}
	c := &model.Couple{
		ID:           uuid.NewString(),
		PartnerOneID: userID,
		PartnerTwoID: partnerID,
		Location:     strings.TrimSpace(location),
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateCouple(ctx, c); err != nil {
		return nil, translate(err)
	}
	s.logger.Info(ctx, "couple created", logger.String("couple_id", c.ID))
	return c, nil
}

// EnsureCurrentCycle returns this week's cycle, creating it on first use.
// Weeks start Monday 00:00 in the configured zone.
func (s *Service) EnsureCurrentCycle(ctx context.Context, sess Session) (*model.WeeklyCycle, error) {
	if _, err := sess.Slot(); err != nil {
		return nil, err
	}
	weekStart := model.WeekStartOf(s.now(), s.location)
	c, err := s.store.GetOrCreateCycle(ctx, sess.Couple.ID, weekStart)
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

// GetCycle returns a cycle owned by the caller's couple.
func (s *Service) GetCycle(ctx context.Context, sess Session, cycleID string) (*model.WeeklyCycle, error) {
	c, _, err := s.authorize(ctx, sess, cycleID)
	return c, err
}

// SubmitInput stores the caller's weekly input with a single conditional
// write. If that completes the pair, generation is scheduled in the
// background and never awaited: the returned status reflects the write only.
func (s *Service) SubmitInput(ctx context.Context, sess Session, cycleID string, payload InputPayload) (model.CycleStatus, error) {
	input, err := payload.Validate()
	if err != nil {
		metrics.RecordSubmission("invalid")
		return "", err
	}
	_, slot, err := s.authorize(ctx, sess, cycleID)
	if err != nil {
		metrics.RecordSubmission("rejected")
		return "", err
	}

	input.SubmittedAt = s.now()
	c, err := s.store.SubmitInput(ctx, cycleID, slot, input)
	if err != nil {
		err = translate(err)
		if errors.Is(err, ErrConcurrentSubmission) {
			metrics.RecordSubmission("conflict")
		} else {
			metrics.RecordSubmission("error")
		}
		return "", err
	}
	metrics.RecordSubmission("accepted")

	if c.BothSubmitted() && !c.Generated() {
		s.scheduleGeneration(ctx, cycleID)
	}
	return c.Status(), nil
}

// scheduleGeneration queues background generation; failures only get logged.
func (s *Service) scheduleGeneration(ctx context.Context, cycleID string) {
	err := s.pool.Schedule(context.WithoutCancel(ctx), cycleID)
	switch {
	case err == nil:
		s.logger.Debug(ctx, "generation scheduled", logger.String("cycle_id", cycleID))
	case errors.Is(err, workerpool.ErrAlreadyScheduled):
		s.logger.Debug(ctx, "generation already scheduled", logger.String("cycle_id", cycleID))
	default:
		s.logger.Warn(ctx, "generation not scheduled", logger.String("cycle_id", cycleID), logger.Error(err))
	}
}

// InvokeGeneration runs generation for the cycle and waits up to the
// generation wait ceiling. The work itself is detached from ctx: when the
// ceiling passes, or the caller goes away, it keeps running and the cycle
// is returned as it stands together with ErrGenerationTimeout. A run
// already in flight elsewhere is waited on rather than repeated.
func (s *Service) InvokeGeneration(ctx context.Context, sess Session, cycleID string) (*model.WeeklyCycle, error) {
	if _, _, err := s.authorize(ctx, sess, cycleID); err != nil {
		return nil, err
	}

	type outcome struct {
		res generation.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.invoker.Invoke(context.WithoutCancel(ctx), cycleID)
		done <- outcome{res: res, err: err}
	}()

	deadline := time.Now().Add(s.generationWait)
	timer := time.NewTimer(s.generationWait)
	defer timer.Stop()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, translate(o.err)
		}
		if o.res.Status == generation.StatusGenerating {
			return s.awaitGeneration(ctx, cycleID, deadline)
		}
		c, err := s.store.GetCycle(ctx, cycleID)
		if err != nil {
			return nil, translate(err)
		}
		if o.res.Status == generation.StatusFailed {
			return c, &GenerationError{Code: o.res.Code, Err: o.res.Err}
		}
		return c, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	c, err := s.store.GetCycle(context.WithoutCancel(ctx), cycleID)
	if err != nil {
		return nil, translate(err)
	}
	return c, ErrGenerationTimeout
}

// awaitGeneration follows a run started by someone else until it writes
// proposals, fails, or the deadline passes.
func (s *Service) awaitGeneration(ctx context.Context, cycleID string, deadline time.Time) (*model.WeeklyCycle, error) {
	sub := s.broker.Subscribe(cycleID)
	defer sub.Unsubscribe()

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var c *model.WeeklyCycle
	err := notify.Wait(waitCtx, sub.Events(), claimPollInterval, func(ctx context.Context) (bool, error) {
		cur, err := s.store.GetCycle(ctx, cycleID)
		if err != nil {
			return false, err
		}
		c = cur
		return cur.Generated() || (cur.Claim == nil && !cur.Failure.RetryPending()), nil
	})
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		c, err = s.store.GetCycle(context.WithoutCancel(ctx), cycleID)
		if err != nil {
			return nil, translate(err)
		}
		return c, ErrGenerationTimeout
	case err != nil:
		return nil, translate(err)
	case !c.Generated() && c.Failure != nil:
		return c, &GenerationError{Code: generation.Code(c.Failure.Code), Err: errors.New(c.Failure.Message)}
	default:
		return c, nil
	}
}

// Swap replaces one proposal with a new one before the cycle is agreed.
func (s *Service) Swap(ctx context.Context, sess Session, cycleID, title string) (*model.WeeklyCycle, error) {
	if strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("%w: title is required", ErrValidation)
	}
	if _, _, err := s.authorize(ctx, sess, cycleID); err != nil {
		return nil, err
	}
	c, err := s.invoker.Swap(ctx, cycleID, title)
	if err != nil {
		return nil, translate(err)
	}
	return c, nil
}

// Subscribe streams change notifications for a cycle the caller may read.
// The caller must Unsubscribe.
func (s *Service) Subscribe(ctx context.Context, sess Session, cycleID string) (*notify.Subscription, error) {
	if _, _, err := s.authorize(ctx, sess, cycleID); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(cycleID), nil
}
