// Package simulation drives one full weekly cycle against a running ritual
// service, acting as both partners of a couple.
package simulation

import (
	"time"

	"github.com/okian/ritual/internal/domain/model"
)

// Config holds configuration for a simulated week.
type Config struct {
	BaseURL      string        // Base URL of the service
	Secret       string        // HS256 secret used to mint partner tokens
	PartnerOne   string        // User id of the partner who creates the couple
	PartnerTwo   string        // User id of the invited partner
	Location     string        // Couple location passed to generation
	Timeout      time.Duration // Ceiling for the whole run
	PollInterval time.Duration // Fallback poll interval while waiting
	Rating       int           // Rating recorded on completion; 0 skips completion
	Verbose      bool          // Enable debug logging
}

// Report summarizes a simulated week.
type Report struct {
	CoupleID   string
	CycleID    string
	Picker     model.PartnerSlot
	Proposals  []string
	Ritual     string
	Date       string
	Band       model.TimeBand
	Hour       int
	Conflict   string
	Completed  bool
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Generation time.Duration
}
