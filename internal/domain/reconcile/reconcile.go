// Package reconcile computes the agreed ritual and time slot from both
// partners' rankings and availability. Everything here is pure and
// deterministic so both partners can audit why a ritual won.
package reconcile

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/okian/ritual/internal/domain/model"
)

// Ranking bounds.
const (
	MinRank = 1
	MaxRank = 3
)

// Sentinel kinds for reconciliation input errors.
var (
	ErrInvalidRankings     = errors.New("invalid rankings")
	ErrInvalidAvailability = errors.New("invalid availability")
	ErrInvalidHour         = errors.New("hour outside agreed time band")
	ErrUnknownPickerRule   = errors.New("unknown picker rule")
)

// State is the reconciliation state of a cycle.
type State string

// Reconciliation states.
const (
	AwaitingRankings            State = "awaiting_rankings"
	AwaitingAvailabilityOverlap State = "awaiting_availability_overlap"
	Agreed                      State = "agreed"
	NoOverlap                   State = "no_overlap"
	NoMutualRitual              State = "no_mutual_ritual"
)

// Conflict reports whether the state needs the partners to adjust their input.
func (s State) Conflict() bool {
	return s == NoOverlap || s == NoMutualRitual
}

// PickerRule selects which partner picks in a given week.
type PickerRule string

// Picker rotation rules.
const (
	// RuleEpochWeek alternates on the count of Monday-aligned weeks since 1970-01-01.
	RuleEpochWeek PickerRule = "epoch_week"
	// RuleISOWeek alternates on the ISO 8601 week number.
	RuleISOWeek PickerRule = "iso_week"
)

// ParsePickerRule validates a configured rule name. Empty selects the default.
func ParsePickerRule(s string) (PickerRule, error) {
	switch PickerRule(s) {
	case "", RuleEpochWeek:
		return RuleEpochWeek, nil
	case RuleISOWeek:
		return RuleISOWeek, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPickerRule, s)
	}
}

// WeekIndex returns the counter the picker parity is taken from.
func WeekIndex(weekStart time.Time, rule PickerRule) int {
	if rule == RuleISOWeek {
		_, week := weekStart.ISOWeek()
		return week
	}
	// Calendar date only, so the result does not depend on the zone offset.
	y, m, d := weekStart.Date()
	days := int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
	// 1970-01-01 was a Thursday; shift so weeks start on Monday.
	return (days + 3) / 7
}

// Picker returns the partner who breaks ties and refines the hour this week.
func Picker(weekStart time.Time, rule PickerRule) model.PartnerSlot {
	if WeekIndex(weekStart, rule)%2 == 0 {
		return model.PartnerOne
	}
	return model.PartnerTwo
}

// Candidate is a proposal ranked by both partners.
type Candidate struct {
	Proposal model.Proposal
	RankOne  int
	RankTwo  int
}

// Combined is the sum of both ranks; lower is better.
func (c Candidate) Combined() int { return c.RankOne + c.RankTwo }

// RankOf returns the rank given by slot.
func (c Candidate) RankOf(slot model.PartnerSlot) int {
	if slot == model.PartnerOne {
		return c.RankOne
	}
	return c.RankTwo
}

// MutualCandidates keeps only proposals both partners ranked, in proposal order.
func MutualCandidates(proposals []model.Proposal, one, two []model.RitualPreference) []Candidate {
	rankOne := ranksByTitle(one)
	rankTwo := ranksByTitle(two)
	out := make([]Candidate, 0, len(proposals))
	for _, p := range proposals {
		r1, ok1 := rankOne[p.Title]
		r2, ok2 := rankTwo[p.Title]
		if !ok1 || !ok2 {
			continue
		}
		out = append(out, Candidate{Proposal: p, RankOne: r1, RankTwo: r2})
	}
	return out
}

func ranksByTitle(prefs []model.RitualPreference) map[string]int {
	m := make(map[string]int, len(prefs))
	for _, p := range prefs {
		if p.Rank < MinRank || p.Rank > MaxRank {
			continue
		}
		m[p.Title] = p.Rank
	}
	return m
}

// SelectRitual picks the candidate with the lowest combined rank. Ties go
// to whichever candidate the picker ranked higher; ranks are unique per
// partner, so the result is always unique.
func SelectRitual(candidates []Candidate, picker model.PartnerSlot) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Combined() < best.Combined():
			best = c
		case c.Combined() == best.Combined() && c.RankOf(picker) < best.RankOf(picker):
			best = c
		}
	}
	return best, true
}

// Overlap intersects both partners' availability on exact (day, band)
// tuples, ordered by day then band.
func Overlap(one, two []model.AvailabilitySlot) []model.AvailabilitySlot {
	seen := make(map[model.AvailabilitySlot]struct{}, len(one))
	for _, s := range one {
		seen[s] = struct{}{}
	}
	out := make([]model.AvailabilitySlot, 0)
	added := make(map[model.AvailabilitySlot]struct{})
	for _, s := range two {
		if _, ok := seen[s]; !ok {
			continue
		}
		if _, dup := added[s]; dup {
			continue
		}
		added[s] = struct{}{}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Input is everything the engine needs for one cycle.
type Input struct {
	WeekStart    time.Time
	Proposals    []model.Proposal
	Preferences  map[model.PartnerSlot][]model.RitualPreference
	Availability map[model.PartnerSlot][]model.AvailabilitySlot
}

// InputFromCycle builds an engine input from a stored cycle.
func InputFromCycle(c *model.WeeklyCycle) Input {
	return Input{
		WeekStart:    c.WeekStart,
		Proposals:    c.SynthesizedOutput,
		Preferences:  c.Preferences,
		Availability: c.Availability,
	}
}

// Outcome is the result of one reconciliation run.
type Outcome struct {
	State   State
	Picker  model.PartnerSlot
	Ritual  Candidate
	Slot    model.AvailabilitySlot
	Overlap []model.AvailabilitySlot
	Mutual  []Candidate
}

// Agreement converts an Agreed outcome into the committed record.
func (o Outcome) Agreement(weekStart, now time.Time) *model.Agreement {
	if o.State != Agreed {
		return nil
	}
	return &model.Agreement{
		Ritual:    o.Ritual.Proposal,
		DayOffset: o.Slot.DayOffset,
		TimeBand:  o.Slot.TimeBand,
		Date:      model.DateFor(weekStart, o.Slot.DayOffset),
		AgreedAt:  now,
	}
}

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithPickerRule sets the weekly picker rotation rule.
func WithPickerRule(rule PickerRule) Option {
	return func(e *Engine) {
		if rule != "" {
			e.rule = rule
		}
	}
}

// Engine runs the reconciliation state machine.
type Engine struct {
	rule PickerRule
}

// NewEngine creates an engine; the default picker rule is RuleEpochWeek.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{rule: RuleEpochWeek}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rule returns the configured picker rule.
func (e *Engine) Rule() PickerRule { return e.rule }

// Picker returns the picker for the given week under the engine's rule.
func (e *Engine) Picker(weekStart time.Time) model.PartnerSlot {
	return Picker(weekStart, e.rule)
}

// Compute advances the state machine as far as the input allows.
// The first overlapping slot (earliest day, earliest band) is chosen.
func (e *Engine) Compute(in Input) Outcome {
	out := Outcome{State: AwaitingRankings, Picker: e.Picker(in.WeekStart)}

	one := in.Preferences[model.PartnerOne]
	two := in.Preferences[model.PartnerTwo]
	if len(in.Proposals) == 0 || len(one) == 0 || len(two) == 0 {
		return out
	}

	out.State = AwaitingAvailabilityOverlap
	availOne := in.Availability[model.PartnerOne]
	availTwo := in.Availability[model.PartnerTwo]
	if len(availOne) == 0 || len(availTwo) == 0 {
		return out
	}

	out.Mutual = MutualCandidates(in.Proposals, one, two)
	ritual, ok := SelectRitual(out.Mutual, out.Picker)
	if !ok {
		out.State = NoMutualRitual
		return out
	}
	out.Ritual = ritual

	out.Overlap = Overlap(availOne, availTwo)
	if len(out.Overlap) == 0 {
		out.State = NoOverlap
		return out
	}
	out.Slot = out.Overlap[0]
	out.State = Agreed
	return out
}
