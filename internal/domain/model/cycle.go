package model

import (
	"time"
)

// CycleStatus is the derived lifecycle state of a weekly cycle.
type CycleStatus string

// Lifecycle states, in order of normal progression.
const (
	StatusEmpty            CycleStatus = "empty"
	StatusOneSubmitted     CycleStatus = "one_submitted"
	StatusBothSubmitted    CycleStatus = "both_submitted"
	StatusGenerating       CycleStatus = "generating"
	StatusGenerationFailed CycleStatus = "generation_failed"
	StatusProposalsReady   CycleStatus = "proposals_ready"
	StatusRanking          CycleStatus = "ranking"
	StatusNoOverlap        CycleStatus = "no_overlap"
	StatusAgreed           CycleStatus = "agreed"
)

// Terminal reports whether clients can stop waiting for further changes.
func (s CycleStatus) Terminal() bool {
	return s == StatusAgreed || s == StatusGenerationFailed || s == StatusNoOverlap
}

// PartnerInput is one partner's weekly preference payload.
type PartnerInput struct {
	Moods       []string  `json:"moods"`
	Desire      string    `json:"desire"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Proposal is a generated candidate ritual. The JSON shape is the contract
// with the generation service.
type Proposal struct {
	Title        string `json:"title" jsonschema:"required,description=Short name of the ritual"`
	Description  string `json:"description" jsonschema:"required,description=Two or three sentences on what the couple does"`
	TimeEstimate string `json:"time_estimate" jsonschema:"description=Rough duration such as 2 hours"`
	BudgetBand   string `json:"budget_band" jsonschema:"enum=free,enum=$,enum=$$,enum=$$$"`
	Category     string `json:"category" jsonschema:"description=One word category such as cozy or adventure"`
	Why          string `json:"why" jsonschema:"description=Why this fits both partners this week"`
}

// RitualPreference is a partner's rank for one proposal title.
type RitualPreference struct {
	Rank         int     `json:"rank"`
	Title        string  `json:"title"`
	ProposedDate *string `json:"proposed_date,omitempty"`
	ProposedTime *string `json:"proposed_time,omitempty"`
}

// GenerationClaim marks a generation run in flight.
type GenerationClaim struct {
	Token     string    `json:"token"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// GenerationFailure records the last failed generation attempt. RetryAt is
// set while a background retry of that attempt is still scheduled.
type GenerationFailure struct {
	Code    string     `json:"code"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

// RetryPending reports whether another attempt is scheduled.
func (f *GenerationFailure) RetryPending() bool {
	return f != nil && f.RetryAt != nil
}

// Agreement is the committed outcome of a cycle.
type Agreement struct {
	Ritual    Proposal  `json:"ritual"`
	DayOffset int       `json:"day_offset"`
	TimeBand  TimeBand  `json:"time_band"`
	Date      string    `json:"date"`
	Hour      *int      `json:"hour,omitempty"`
	AgreedAt  time.Time `json:"agreed_at"`
}

// SameOutcome compares the ritual/day/band resolution, ignoring timestamps
// and the optional hour refinement.
func (a *Agreement) SameOutcome(b *Agreement) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Ritual.Title == b.Ritual.Title && a.DayOffset == b.DayOffset && a.TimeBand == b.TimeBand
}

// WeeklyCycle is one week's shared planning record for a couple.
type WeeklyCycle struct {
	ID                string                              `json:"id"`
	CoupleID          string                              `json:"couple_id"`
	WeekStart         time.Time                           `json:"week_start"`
	PartnerOneInput   *PartnerInput                       `json:"partner_one_input,omitempty"`
	PartnerTwoInput   *PartnerInput                       `json:"partner_two_input,omitempty"`
	SynthesizedOutput []Proposal                          `json:"synthesized_output,omitempty"`
	Claim             *GenerationClaim                    `json:"claim,omitempty"`
	Failure           *GenerationFailure                  `json:"failure,omitempty"`
	Preferences       map[PartnerSlot][]RitualPreference  `json:"preferences,omitempty"`
	Availability      map[PartnerSlot][]AvailabilitySlot  `json:"availability,omitempty"`
	Agreement         *Agreement                          `json:"agreement,omitempty"`
	Conflict          string                              `json:"conflict,omitempty"`
	Version           int64                               `json:"version"`
	CreatedAt         time.Time                           `json:"created_at"`
	UpdatedAt         time.Time                           `json:"updated_at"`
}

// Input returns the payload stored for slot, or nil.
func (c *WeeklyCycle) Input(slot PartnerSlot) *PartnerInput {
	if slot == PartnerOne {
		return c.PartnerOneInput
	}
	return c.PartnerTwoInput
}

// BothSubmitted reports whether both partner inputs are present.
func (c *WeeklyCycle) BothSubmitted() bool {
	return c.PartnerOneInput != nil && c.PartnerTwoInput != nil
}

// Generated reports whether proposals exist for the cycle.
func (c *WeeklyCycle) Generated() bool {
	return c.SynthesizedOutput != nil
}

// Agreed reports whether the cycle reached its terminal agreement.
func (c *WeeklyCycle) Agreed() bool {
	return c.Agreement != nil
}

// ProposalByTitle finds a proposal in the synthesized output.
func (c *WeeklyCycle) ProposalByTitle(title string) (Proposal, bool) {
	for _, p := range c.SynthesizedOutput {
		if p.Title == title {
			return p, true
		}
	}
	return Proposal{}, false
}

// Status derives the lifecycle state from the stored fields.
func (c *WeeklyCycle) Status() CycleStatus {
	switch {
	case c.Agreement != nil:
		return StatusAgreed
	case c.Generated() && c.Conflict != "":
		return StatusNoOverlap
	case c.Generated() && (len(c.Preferences) > 0 || len(c.Availability) > 0):
		return StatusRanking
	case c.Generated():
		return StatusProposalsReady
	case c.Claim != nil, c.Failure.RetryPending() && c.BothSubmitted():
		return StatusGenerating
	case c.Failure != nil && c.BothSubmitted():
		return StatusGenerationFailed
	case c.BothSubmitted():
		return StatusBothSubmitted
	case c.PartnerOneInput != nil || c.PartnerTwoInput != nil:
		return StatusOneSubmitted
	default:
		return StatusEmpty
	}
}

// Clone returns a deep copy so stores can hand out values without sharing state.
func (c *WeeklyCycle) Clone() *WeeklyCycle {
	if c == nil {
		return nil
	}
	out := *c
	out.PartnerOneInput = cloneInput(c.PartnerOneInput)
	out.PartnerTwoInput = cloneInput(c.PartnerTwoInput)
	if c.SynthesizedOutput != nil {
		out.SynthesizedOutput = append([]Proposal{}, c.SynthesizedOutput...)
	}
	if c.Claim != nil {
		claim := *c.Claim
		out.Claim = &claim
	}
	if c.Failure != nil {
		failure := *c.Failure
		if c.Failure.RetryAt != nil {
			at := *c.Failure.RetryAt
			failure.RetryAt = &at
		}
		out.Failure = &failure
	}
	if c.Preferences != nil {
		out.Preferences = make(map[PartnerSlot][]RitualPreference, len(c.Preferences))
		for k, v := range c.Preferences {
			out.Preferences[k] = append([]RitualPreference{}, v...)
		}
	}
	if c.Availability != nil {
		out.Availability = make(map[PartnerSlot][]AvailabilitySlot, len(c.Availability))
		for k, v := range c.Availability {
			out.Availability[k] = append([]AvailabilitySlot{}, v...)
		}
	}
	if c.Agreement != nil {
		agreement := *c.Agreement
		if c.Agreement.Hour != nil {
			h := *c.Agreement.Hour
			agreement.Hour = &h
		}
		out.Agreement = &agreement
	}
	return &out
}

func cloneInput(in *PartnerInput) *PartnerInput {
	if in == nil {
		return nil
	}
	out := *in
	out.Moods = append([]string{}, in.Moods...)
	return &out
}
