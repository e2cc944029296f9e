// Package types contains the wire shapes shared by the HTTP API and its client.
package types

import (
	"time"

	"github.com/okian/ritual/internal/domain/model"
)

// CycleView is one partner's view of a weekly cycle. The other partner's
// raw input stays private; only whether it was submitted is shown.
type CycleView struct {
	ID               string                   `json:"id"`
	CoupleID         string                   `json:"couple_id"`
	WeekStart        string                   `json:"week_start"`
	Status           model.CycleStatus        `json:"status"`
	Version          int64                    `json:"version"`
	YourSlot         model.PartnerSlot        `json:"your_slot"`
	Picker           model.PartnerSlot        `json:"picker"`
	YourInput        *model.PartnerInput      `json:"your_input,omitempty"`
	PartnerSubmitted bool                     `json:"partner_submitted"`
	Proposals        []model.Proposal         `json:"proposals,omitempty"`
	YourRankings     []model.RitualPreference `json:"your_rankings,omitempty"`
	PartnerRanked    bool                     `json:"partner_ranked"`
	YourAvailability []model.AvailabilitySlot `json:"your_availability,omitempty"`
	PartnerAvailable bool                     `json:"partner_available"`
	Agreement        *model.Agreement         `json:"agreement,omitempty"`
	Conflict         string                   `json:"conflict,omitempty"`
	Failure          *model.GenerationFailure `json:"failure,omitempty"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// NewCycleView projects a cycle for the partner in slot.
func NewCycleView(c *model.WeeklyCycle, slot, picker model.PartnerSlot) CycleView {
	return CycleView{
		ID:               c.ID,
		CoupleID:         c.CoupleID,
		WeekStart:        c.WeekStart.Format(time.DateOnly),
		Status:           c.Status(),
		Version:          c.Version,
		YourSlot:         slot,
		Picker:           picker,
		YourInput:        c.Input(slot),
		PartnerSubmitted: c.Input(slot.Other()) != nil,
		Proposals:        c.SynthesizedOutput,
		YourRankings:     c.Preferences[slot],
		PartnerRanked:    len(c.Preferences[slot.Other()]) > 0,
		YourAvailability: c.Availability[slot],
		PartnerAvailable: len(c.Availability[slot.Other()]) > 0,
		Agreement:        c.Agreement,
		Conflict:         c.Conflict,
		Failure:          c.Failure,
		UpdatedAt:        c.UpdatedAt,
	}
}

// ProposalTitles lists the proposal titles in order.
func (v CycleView) ProposalTitles() []string {
	out := make([]string, 0, len(v.Proposals))
	for _, p := range v.Proposals {
		out = append(out, p.Title)
	}
	return out
}

// CreateCoupleRequest pairs the caller with a partner.
type CreateCoupleRequest struct {
	PartnerID string `json:"partner_id"`
	Location  string `json:"location,omitempty"`
}

// InputRequest is a partner's weekly submission.
type InputRequest struct {
	Moods  []string `json:"moods"`
	Desire string   `json:"desire"`
}

// InputResponse reports the cycle status after a submission.
type InputResponse struct {
	Status model.CycleStatus `json:"status"`
}

// SwapRequest names the proposal to replace.
type SwapRequest struct {
	Title string `json:"title"`
}

// RankingsRequest carries up to three ranked proposal titles.
type RankingsRequest struct {
	Rankings []model.RitualPreference `json:"rankings"`
}

// AvailabilityRequest carries the caller's open slots.
type AvailabilityRequest struct {
	Slots []model.AvailabilitySlot `json:"slots"`
}

// RefineTimeRequest sets the hour inside the agreed band.
type RefineTimeRequest struct {
	Hour int `json:"hour"`
}

// CompletionRequest rates a completed ritual.
type CompletionRequest struct {
	Rating int `json:"rating"`
}

// AgreementResponse is the result of a reconciliation run. Conflict is set
// when the partners have to adjust rankings or availability.
type AgreementResponse struct {
	State    string                   `json:"state"`
	Conflict bool                     `json:"conflict"`
	Picker   model.PartnerSlot        `json:"picker"`
	Mutual   []string                 `json:"mutual,omitempty"`
	Overlap  []model.AvailabilitySlot `json:"overlap,omitempty"`
	Cycle    CycleView                `json:"cycle"`
}

// GenerationResponse is returned while generation is still running.
type GenerationResponse struct {
	Code  string    `json:"code"`
	Cycle CycleView `json:"cycle"`
}

// HistoryResponse lists past cycles and completed rituals.
type HistoryResponse struct {
	Cycles      []CycleView        `json:"cycles"`
	Completions []model.Completion `json:"completions"`
}

// ChangeEvent is the payload of a cycle change notification.
type ChangeEvent struct {
	CycleID string `json:"cycle_id"`
	Version int64  `json:"version"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	GenerationCode string `json:"generation_code,omitempty"`
}
