package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/ritual/internal/domain/model"
)

const driverMemory = "memory"

// MemoryStore is a mutex-guarded in-memory Store. Values handed out are
// deep copies, so callers can never mutate stored state directly.
type MemoryStore struct {
	mu   sync.RWMutex
	opts options

	couples     map[string]*model.Couple
	userCouple  map[string]string
	cycles      map[string]*model.WeeklyCycle
	cycleByWeek map[string]map[string]string // couple -> week -> cycle
	completions map[string][]model.Completion
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryStore{
		opts:        o,
		couples:     make(map[string]*model.Couple),
		userCouple:  make(map[string]string),
		cycles:      make(map[string]*model.WeeklyCycle),
		cycleByWeek: make(map[string]map[string]string),
		completions: make(map[string][]model.Completion),
	}
}

func (s *MemoryStore) CreateCouple(_ context.Context, c *model.Couple) (err error) {
	defer func(start time.Time) { observe(driverMemory, "create_couple", start, err) }(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range []string{c.PartnerOneID, c.PartnerTwoID} {
		if _, ok := s.userCouple[user]; ok {
			return ErrCoupleExists
		}
	}
	stored := *c
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.opts.now()
	}
	s.couples[c.ID] = &stored
	s.userCouple[c.PartnerOneID] = c.ID
	s.userCouple[c.PartnerTwoID] = c.ID
	return nil
}

func (s *MemoryStore) GetCouple(_ context.Context, id string) (*model.Couple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.couples[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) CoupleForUser(ctx context.Context, userID string) (*model.Couple, error) {
	s.mu.RLock()
	id, ok := s.userCouple[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.GetCouple(ctx, id)
}

func (s *MemoryStore) GetOrCreateCycle(ctx context.Context, coupleID string, weekStart time.Time) (*model.WeeklyCycle, error) {
	start := time.Now()
	s.mu.Lock()
	if _, ok := s.couples[coupleID]; !ok {
		s.mu.Unlock()
		observe(driverMemory, "get_or_create_cycle", start, ErrNotFound)
		return nil, ErrNotFound
	}
	weeks := s.cycleByWeek[coupleID]
	if weeks == nil {
		weeks = make(map[string]string)
		s.cycleByWeek[coupleID] = weeks
	}
	if id, ok := weeks[weekKey(weekStart)]; ok {
		out := s.cycles[id].Clone()
		s.mu.Unlock()
		return out, nil
	}
	c := newCycle(coupleID, weekStart, s.opts.now())
	s.cycles[c.ID] = c
	weeks[weekKey(weekStart)] = c.ID
	out := c.Clone()
	s.mu.Unlock()

	observe(driverMemory, "get_or_create_cycle", start, nil)
	s.notify(ctx, out)
	return out, nil
}

func (s *MemoryStore) GetCycle(_ context.Context, id string) (*model.WeeklyCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cycles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListCycles(_ context.Context, coupleID string, limit int) ([]*model.WeeklyCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.WeeklyCycle, 0, len(s.cycleByWeek[coupleID]))
	for _, id := range s.cycleByWeek[coupleID] {
		out = append(out, s.cycles[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.After(out[j].WeekStart) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SubmitInput(ctx context.Context, id string, slot model.PartnerSlot, input model.PartnerInput) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "submit_input", id, submitInput(slot, input))
}

func (s *MemoryStore) ClaimGeneration(ctx context.Context, id, token string, now time.Time, staleAfter time.Duration) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "claim_generation", id, claimGeneration(token, now, staleAfter))
}

func (s *MemoryStore) WriteProposals(ctx context.Context, id string, proposals []model.Proposal) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "write_proposals", id, writeProposals(proposals))
}

func (s *MemoryStore) ReleaseClaim(ctx context.Context, id, token string, failure *model.GenerationFailure) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "release_claim", id, releaseClaim(token, failure))
}

func (s *MemoryStore) ReplaceProposal(ctx context.Context, id, oldTitle string, p model.Proposal) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "replace_proposal", id, replaceProposal(oldTitle, p))
}

func (s *MemoryStore) SetPreferences(ctx context.Context, id string, slot model.PartnerSlot, prefs []model.RitualPreference) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "set_preferences", id, setPreferences(slot, prefs))
}

func (s *MemoryStore) SetAvailability(ctx context.Context, id string, slot model.PartnerSlot, slots []model.AvailabilitySlot) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "set_availability", id, setAvailability(slot, slots))
}

func (s *MemoryStore) CommitAgreement(ctx context.Context, id string, version int64, a *model.Agreement) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "commit_agreement", id, commitAgreement(version, a))
}

func (s *MemoryStore) SetAgreedHour(ctx context.Context, id string, hour int) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "set_agreed_hour", id, setAgreedHour(hour))
}

func (s *MemoryStore) RecordConflict(ctx context.Context, id string, version int64, conflict string) (*model.WeeklyCycle, error) {
	return s.mutate(ctx, "record_conflict", id, recordConflict(version, conflict))
}

func (s *MemoryStore) RecordCompletion(_ context.Context, c *model.Completion) (err error) {
	defer func(start time.Time) { observe(driverMemory, "record_completion", start, err) }(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	cycle, ok := s.cycles[c.CycleID]
	if !ok || cycle.CoupleID != c.CoupleID {
		return ErrNotFound
	}
	if !cycle.Agreed() {
		return ErrNotAgreed
	}
	for _, existing := range s.completions[c.CoupleID] {
		if existing.CycleID == c.CycleID {
			return ErrAlreadyCompleted
		}
	}
	stored := *c
	if stored.CompletedAt.IsZero() {
		stored.CompletedAt = s.opts.now()
	}
	s.completions[c.CoupleID] = append(s.completions[c.CoupleID], stored)
	return nil
}

func (s *MemoryStore) ListCompletions(_ context.Context, coupleID string) ([]model.Completion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Completion{}, s.completions[coupleID]...), nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) mutate(ctx context.Context, op, id string, fn mutation) (*model.WeeklyCycle, error) {
	start := time.Now()
	s.mu.Lock()
	current, ok := s.cycles[id]
	if !ok {
		s.mu.Unlock()
		observe(driverMemory, op, start, ErrNotFound)
		return nil, ErrNotFound
	}
	now := s.opts.now()
	work := current.Clone()
	changed, err := fn(work, now)
	if err != nil {
		s.mu.Unlock()
		observe(driverMemory, op, start, err)
		return nil, err
	}
	if changed {
		work.Version++
		work.UpdatedAt = now
		s.cycles[id] = work
	}
	out := work.Clone()
	s.mu.Unlock()

	observe(driverMemory, op, start, nil)
	if changed {
		s.notify(ctx, out)
	}
	return out, nil
}

func (s *MemoryStore) notify(ctx context.Context, c *model.WeeklyCycle) {
	if s.opts.hook != nil {
		s.opts.hook(ctx, c.ID, c.Version)
	}
}
