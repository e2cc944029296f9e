package simulation

import (
	"time"

	"github.com/okian/ritual/internal/adapters/http/api"
	"github.com/okian/ritual/internal/client"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/types"
	"github.com/okian/ritual/pkg/logger"
)

const tokenTTL = time.Hour

// partner is one simulated half of the couple.
type partner struct {
	id     string
	slot   model.PartnerSlot
	client *client.Client
	input  types.InputRequest
}

func newPartner(cfg *Config, id string, slot model.PartnerSlot, log logger.Logger) (*partner, error) {
	token, err := api.SignToken(cfg.Secret, id, tokenTTL)
	if err != nil {
		return nil, err
	}
	opts := []client.Option{client.WithLogger(log.With(logger.String("partner", id)))}
	if cfg.PollInterval > 0 {
		opts = append(opts, client.WithPollInterval(cfg.PollInterval))
	}
	return &partner{
		id:     id,
		slot:   slot,
		client: client.New(cfg.BaseURL, token, opts...),
		input:  inputFor(slot),
	}, nil
}

func inputFor(slot model.PartnerSlot) types.InputRequest {
	if slot == model.PartnerOne {
		return types.InputRequest{
			Moods:  []string{"cozy", "curious"},
			Desire: "something slow where we can talk",
		}
	}
	return types.InputRequest{
		Moods:  []string{"playful", "outdoorsy"},
		Desire: "get some fresh air together",
	}
}

// rankings returns the partner's top three titles. Partner two reverses
// partner one's order so the tie-break decides the ritual.
func (p *partner) rankings(titles []string) []string {
	top := titles
	if len(top) > 3 {
		top = top[:3]
	}
	out := make([]string, len(top))
	copy(out, top)
	if p.slot == model.PartnerTwo {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// availability returns the partner's open slots. Both partners share the
// Saturday afternoon and Sunday evening slots.
func (p *partner) availability() []model.AvailabilitySlot {
	shared := []model.AvailabilitySlot{
		{DayOffset: 5, TimeBand: model.Afternoon},
		{DayOffset: 6, TimeBand: model.Evening},
	}
	if p.slot == model.PartnerOne {
		return append([]model.AvailabilitySlot{
			{DayOffset: 1, TimeBand: model.Evening},
			{DayOffset: 3, TimeBand: model.Evening},
		}, shared...)
	}
	return append([]model.AvailabilitySlot{
		{DayOffset: 2, TimeBand: model.Morning},
		{DayOffset: 4, TimeBand: model.Evening},
	}, shared...)
}
