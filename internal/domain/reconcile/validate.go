package reconcile

import (
	"fmt"

	"github.com/okian/ritual/internal/domain/model"
)

// MaxAvailabilitySlots caps the tuples a partner may mark in one week.
const MaxAvailabilitySlots = model.DaysPerCycle * 3

// ValidateRankings checks one partner's ranking list against the proposals:
// 1..3 entries, ranks unique and within 1..3, titles unique and proposed.
func ValidateRankings(prefs []model.RitualPreference, proposals []model.Proposal) error {
	if len(prefs) == 0 || len(prefs) > MaxRank {
		return fmt.Errorf("%w: expected 1 to %d rankings, got %d", ErrInvalidRankings, MaxRank, len(prefs))
	}
	known := make(map[string]struct{}, len(proposals))
	for _, p := range proposals {
		known[p.Title] = struct{}{}
	}
	ranks := make(map[int]struct{}, len(prefs))
	titles := make(map[string]struct{}, len(prefs))
	for _, p := range prefs {
		if p.Rank < MinRank || p.Rank > MaxRank {
			return fmt.Errorf("%w: rank %d out of range %d..%d", ErrInvalidRankings, p.Rank, MinRank, MaxRank)
		}
		if _, dup := ranks[p.Rank]; dup {
			return fmt.Errorf("%w: rank %d used twice", ErrInvalidRankings, p.Rank)
		}
		ranks[p.Rank] = struct{}{}
		if _, ok := known[p.Title]; !ok {
			return fmt.Errorf("%w: %q is not a proposed ritual", ErrInvalidRankings, p.Title)
		}
		if _, dup := titles[p.Title]; dup {
			return fmt.Errorf("%w: %q ranked twice", ErrInvalidRankings, p.Title)
		}
		titles[p.Title] = struct{}{}
	}
	return nil
}

// NormalizeAvailability validates slots and drops duplicates, keeping order.
func NormalizeAvailability(slots []model.AvailabilitySlot) ([]model.AvailabilitySlot, error) {
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: at least one slot is required", ErrInvalidAvailability)
	}
	out := make([]model.AvailabilitySlot, 0, len(slots))
	seen := make(map[model.AvailabilitySlot]struct{}, len(slots))
	for _, s := range slots {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAvailability, err)
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) > MaxAvailabilitySlots {
		return nil, fmt.Errorf("%w: at most %d slots", ErrInvalidAvailability, MaxAvailabilitySlots)
	}
	return out, nil
}

// ValidateHour checks a refined hour lies inside the agreed band.
func ValidateHour(band model.TimeBand, hour int) error {
	if !band.Contains(hour) {
		first, last := band.Hours()
		return fmt.Errorf("%w: %d not in %s (%d-%d)", ErrInvalidHour, hour, band, first, last)
	}
	return nil
}
