package generation

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/okian/ritual/internal/domain/model"
)

// MaxProposals caps how many proposals are kept from one response.
const MaxProposals = 8

var fenceReplacer = strings.NewReplacer("```json", "", "```JSON", "", "```", "")

// ParseProposals decodes a batch response. Entries without a title or
// description are dropped, duplicate titles collapse to the first one and
// the list is capped at MaxProposals. An empty result is malformed.
func ParseProposals(raw string) ([]model.Proposal, error) {
	items, err := decodeProposals(raw)
	if err != nil {
		return nil, err
	}
	out := make([]model.Proposal, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, p := range items {
		p = cleanProposal(p)
		if p.Title == "" || p.Description == "" {
			continue
		}
		key := strings.ToLower(p.Title)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
		if len(out) == MaxProposals {
			break
		}
	}
	if len(out) == 0 {
		return nil, newError(CodeMalformed, "response contained no usable rituals")
	}
	return out, nil
}

// ParseProposal decodes a single replacement, accepting the same shapes as
// ParseProposals and keeping the first usable entry.
func ParseProposal(raw string) (model.Proposal, error) {
	trimmed := strings.TrimSpace(fenceReplacer.Replace(raw))
	if strings.HasPrefix(trimmed, "{") {
		var single model.Proposal
		if err := json.Unmarshal([]byte(trimmed), &single); err == nil && single.Title != "" {
			single = cleanProposal(single)
			if single.Title != "" && single.Description != "" {
				return single, nil
			}
		}
	}
	list, err := ParseProposals(raw)
	if err != nil {
		return model.Proposal{}, err
	}
	return list[0], nil
}

func decodeProposals(raw string) ([]model.Proposal, error) {
	trimmed := bytes.TrimSpace([]byte(fenceReplacer.Replace(raw)))
	if len(trimmed) == 0 {
		return nil, newError(CodeMalformed, "empty response")
	}
	switch trimmed[0] {
	case '[':
		var list []model.Proposal
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, newError(CodeMalformed, "decode ritual list: %w; content: %.200s", err, raw)
		}
		return list, nil
	case '{':
		var set ProposalSet
		if err := json.Unmarshal(trimmed, &set); err != nil {
			return nil, newError(CodeMalformed, "decode ritual set: %w; content: %.200s", err, raw)
		}
		return set.Rituals, nil
	default:
		return nil, newError(CodeMalformed, "response is not JSON; content: %.200s", raw)
	}
}

func cleanProposal(p model.Proposal) model.Proposal {
	p.Title = Sanitize(p.Title)
	p.Description = Sanitize(p.Description)
	p.TimeEstimate = Sanitize(p.TimeEstimate)
	p.BudgetBand = strings.TrimSpace(p.BudgetBand)
	p.Category = Sanitize(p.Category)
	p.Why = Sanitize(p.Why)
	return p
}
