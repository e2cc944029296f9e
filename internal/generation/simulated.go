package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/ritual/internal/domain/model"
)

// SimulatedProvider generates rituals locally from a fixed catalog with a
// configurable latency. It is the default for development and tests.
type SimulatedProvider struct {
	minLatency time.Duration
	maxLatency time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	failNext []error

	calls atomic.Int64
}

// SimulatedOption configures a SimulatedProvider.
type SimulatedOption func(*SimulatedProvider)

// WithLatencyRange sets the min and max simulated latency.
func WithLatencyRange(minLatency, maxLatency time.Duration) SimulatedOption {
	return func(s *SimulatedProvider) {
		s.minLatency = minLatency
		s.maxLatency = maxLatency
	}
}

// WithSeed fixes the random source used for latency and catalog order.
func WithSeed(seed int64) SimulatedOption {
	return func(s *SimulatedProvider) {
		s.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // not security sensitive
	}
}

// NewSimulatedProvider creates a local provider.
func NewSimulatedProvider(opts ...SimulatedOption) *SimulatedProvider {
	s := &SimulatedProvider{
		minLatency: 200 * time.Millisecond,
		maxLatency: 800 * time.Millisecond,
		rng:        rand.New(rand.NewSource(42)), //nolint:gosec // deterministic seed for reproducible runs
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Provider.
func (s *SimulatedProvider) Name() string { return "simulated" }

// Calls returns how many times Generate was entered.
func (s *SimulatedProvider) Calls() int64 { return s.calls.Load() }

// FailNext queues errors returned by the next calls, in order.
func (s *SimulatedProvider) FailNext(errs ...error) {
	s.mu.Lock()
	s.failNext = append(s.failNext, errs...)
	s.mu.Unlock()
}

// Generate implements Provider.
func (s *SimulatedProvider) Generate(ctx context.Context, p Prompt) (Response, error) {
	s.calls.Add(1)

	s.mu.Lock()
	latency := s.minLatency
	if s.maxLatency > s.minLatency {
		latency = s.minLatency + time.Duration(s.rng.Int63n(int64(s.maxLatency-s.minLatency)))
	}
	var fail error
	if len(s.failNext) > 0 {
		fail = s.failNext[0]
		s.failNext = s.failNext[1:]
	}
	order := s.rng.Perm(len(catalog))
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return Response{}, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(latency):
		}
	}
	if fail != nil {
		return Response{}, fail
	}

	excluded := make(map[string]struct{}, len(p.Exclude))
	for _, t := range p.Exclude {
		excluded[strings.ToLower(t)] = struct{}{}
	}
	count := p.Count
	if count <= 0 {
		count = ProposalCount
	}
	picked := make([]model.Proposal, 0, count)
	for _, i := range order {
		if len(picked) == count {
			break
		}
		if _, skip := excluded[strings.ToLower(catalog[i].Title)]; skip {
			continue
		}
		picked = append(picked, catalog[i])
	}

	body, err := json.Marshal(ProposalSet{Rituals: picked})
	if err != nil {
		return Response{}, fmt.Errorf("marshal simulated rituals: %w", err)
	}
	return Response{
		Content: string(body),
		Usage:   Usage{PromptTokens: len(p.Text) / 4, CompletionTokens: len(body) / 4, TotalTokens: (len(p.Text) + len(body)) / 4, Model: "simulated"},
	}, nil
}

var catalog = []model.Proposal{
	{Title: "Night hike", Description: "Walk a short lit trail after dark and stop to look at the stars.", TimeEstimate: "2 hours", BudgetBand: "free", Category: "adventure", Why: "Fresh air with a little thrill."},
	{Title: "Home pasta night", Description: "Make fresh pasta together from scratch and eat by candlelight.", TimeEstimate: "3 hours", BudgetBand: "$", Category: "cozy", Why: "Hands busy, phones away."},
	{Title: "Sunrise coffee walk", Description: "Grab coffee early and watch the sunrise from the nearest viewpoint.", TimeEstimate: "1 hour", BudgetBand: "$", Category: "calm", Why: "A slow start to the day together."},
	{Title: "Board game marathon", Description: "Pick three games neither of you has won recently and play them back to back.", TimeEstimate: "3 hours", BudgetBand: "free", Category: "playful", Why: "Friendly competition and lots of laughing."},
	{Title: "Museum late opening", Description: "Visit a museum evening session and pick one favourite piece each.", TimeEstimate: "2 hours", BudgetBand: "$$", Category: "curious", Why: "Something new to talk about."},
	{Title: "Picnic in the park", Description: "Pack simple food and a blanket and claim a spot under a tree.", TimeEstimate: "2 hours", BudgetBand: "$", Category: "outdoors", Why: "Easy, sunny and unhurried."},
	{Title: "Dance class", Description: "Drop into a beginner salsa or swing class and practise at home after.", TimeEstimate: "90 minutes", BudgetBand: "$$", Category: "active", Why: "Learning something side by side."},
	{Title: "Letter exchange", Description: "Each write a letter about the past month and read them aloud over tea.", TimeEstimate: "1 hour", BudgetBand: "free", Category: "reflective", Why: "Space to say what usually goes unsaid."},
	{Title: "Farmers market brunch", Description: "Shop the market for ingredients and cook brunch with whatever you find.", TimeEstimate: "3 hours", BudgetBand: "$", Category: "food", Why: "A small adventure that ends with a meal."},
	{Title: "Movie double feature", Description: "Each pick one film the other has never seen and watch both with homemade popcorn.", TimeEstimate: "4 hours", BudgetBand: "free", Category: "cozy", Why: "Sharing tastes without leaving the sofa."},
	{Title: "Bike to a new cafe", Description: "Cycle to a cafe in a neighbourhood you rarely visit.", TimeEstimate: "2 hours", BudgetBand: "$", Category: "active", Why: "Movement plus a reward."},
	{Title: "Pottery taster", Description: "Book a one-off wheel throwing session and make a mug for each other.", TimeEstimate: "2 hours", BudgetBand: "$$$", Category: "creative", Why: "Messy, tactile and memorable."},
}
