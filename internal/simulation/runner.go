package simulation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/ritual/internal/client"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/types"
	"github.com/okian/ritual/pkg/logger"
)

// Sentinel errors for a simulated week.
var (
	ErrInvalidConfig = errors.New("invalid simulation config")
	ErrCycleStarted  = errors.New("current cycle already has input")
	ErrVerification  = errors.New("verification failed")
)

const defaultTimeout = 2 * time.Minute

// Run plays one week for a couple: both partners submit, wait for
// proposals, rank, mark availability, and the picker pins the time.
func Run(ctx context.Context, cfg *Config) (*Report, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logger.Get().Named("simulation")
	report := &Report{StartTime: time.Now()}

	log.Info(ctx, "starting ritual simulation",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("partnerOne", cfg.PartnerOne),
		logger.String("partnerTwo", cfg.PartnerTwo),
		logger.Duration("timeout", timeout),
		logger.Bool("verbose", cfg.Verbose))

	// Step 1: Check service health
	if err := checkServiceHealth(ctx, cfg.BaseURL, log); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	one, err := newPartner(cfg, cfg.PartnerOne, model.PartnerOne, log)
	if err != nil {
		return nil, fmt.Errorf("partner one: %w", err)
	}
	two, err := newPartner(cfg, cfg.PartnerTwo, model.PartnerTwo, log)
	if err != nil {
		return nil, fmt.Errorf("partner two: %w", err)
	}

	// Step 2: Pair the partners
	couple, err := one.client.CreateCouple(ctx, two.id, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("create couple: %w", err)
	}
	report.CoupleID = couple.ID

	// Step 3: Both partners open the week
	cycle, err := openCycle(ctx, one, two)
	if err != nil {
		return nil, err
	}
	report.CycleID = cycle.ID
	report.Picker = cycle.Picker
	if cycle.Status != model.StatusEmpty {
		return report, fmt.Errorf("%w: %s", ErrCycleStarted, cycle.Status)
	}

	// Step 4: Submit input and wait for proposals
	genStart := time.Now()
	views, err := submitAndWait(ctx, cycle.ID, log, one, two)
	if err != nil {
		return report, fmt.Errorf("proposals: %w", err)
	}
	report.Generation = time.Since(genStart)
	report.Proposals = views[0].ProposalTitles()
	if err := verifySharedProposals(views[0], views[1]); err != nil {
		return report, err
	}

	// Step 5: Rank and mark availability
	if err := rankAndSchedule(ctx, cycle.ID, report.Proposals, one, two); err != nil {
		return report, fmt.Errorf("preferences: %w", err)
	}

	// Step 6: Reconcile
	res, err := one.client.Agreement(ctx, cycle.ID)
	if err != nil {
		return report, fmt.Errorf("agreement: %w", err)
	}
	report.Picker = res.Picker
	if res.Conflict {
		report.Conflict = res.State
		return report, fmt.Errorf("%w: unexpected conflict %s", ErrVerification, res.State)
	}
	if err := verifyAgreement(res, byslot(res.Picker, one, two).rankings(report.Proposals)); err != nil {
		return report, err
	}

	// Step 7: Picker pins the hour; the other partner may not
	agreed, err := refine(ctx, cycle.ID, res, one, two)
	if err != nil {
		return report, err
	}
	a := agreed.Agreement
	report.Ritual = a.Ritual.Title
	report.Date = a.Date
	report.Band = a.TimeBand
	report.Hour = *a.Hour

	// Step 8: Partner two sees the pinned hour through the event stream
	if _, err := two.client.WaitFor(ctx, cycle.ID, func(v types.CycleView) bool {
		return v.Agreement != nil && v.Agreement.Hour != nil && *v.Agreement.Hour == report.Hour
	}); err != nil {
		return report, fmt.Errorf("wait for agreement: %w", err)
	}

	// Step 9: Complete and check history
	if cfg.Rating > 0 {
		if err := complete(ctx, cycle.ID, cfg.Rating, report.Ritual, two); err != nil {
			return report, err
		}
		report.Completed = true
	}

	report.EndTime = time.Now()
	report.Duration = report.EndTime.Sub(report.StartTime)
	displayReport(ctx, log, report)

	log.Info(ctx, "simulation completed successfully")
	return report, nil
}

func validate(cfg *Config) error {
	switch {
	case cfg == nil:
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	case strings.TrimSpace(cfg.BaseURL) == "":
		return fmt.Errorf("%w: base url is required", ErrInvalidConfig)
	case cfg.Secret == "":
		return fmt.Errorf("%w: secret is required", ErrInvalidConfig)
	case cfg.PartnerOne == "" || cfg.PartnerTwo == "" || cfg.PartnerOne == cfg.PartnerTwo:
		return fmt.Errorf("%w: two distinct partner ids are required", ErrInvalidConfig)
	case cfg.Rating < 0 || cfg.Rating > 5:
		return fmt.Errorf("%w: rating %d out of range 0..5", ErrInvalidConfig, cfg.Rating)
	}
	return nil
}

// checkServiceHealth verifies the service is running.
func checkServiceHealth(ctx context.Context, baseURL string, log logger.Logger) error {
	log.Info(ctx, "checking service health")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/healthz", http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Error(context.Background(), "failed to close response body", logger.Error(err))
		}
	}()

	// Any 200 is healthy; the body is Prometheus exposition.
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.StatusCode)
	}

	log.Info(ctx, "service is healthy")
	return nil
}

// openCycle has both partners open the current week and checks they land
// on the same cycle.
func openCycle(ctx context.Context, one, two *partner) (types.CycleView, error) {
	var views [2]types.CycleView
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range []*partner{one, two} {
		g.Go(func() error {
			v, err := p.client.CurrentCycle(gctx)
			if err != nil {
				return fmt.Errorf("%s current cycle: %w", p.id, err)
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.CycleView{}, err
	}
	if views[0].ID != views[1].ID {
		return types.CycleView{}, fmt.Errorf("%w: partners opened different cycles %s and %s", ErrVerification, views[0].ID, views[1].ID)
	}
	return views[0], nil
}

// submitAndWait submits both inputs concurrently, then waits on each
// partner's event stream for proposals.
func submitAndWait(ctx context.Context, cycleID string, log logger.Logger, partners ...*partner) ([]types.CycleView, error) {
	views := make([]types.CycleView, len(partners))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range partners {
		g.Go(func() error {
			status, err := p.client.SubmitInput(gctx, cycleID, p.input)
			if err != nil {
				return fmt.Errorf("%s submit: %w", p.id, err)
			}
			log.Debug(gctx, "input submitted", logger.String("partner", p.id), logger.String("status", string(status)))

			v, err := p.client.WaitForProposals(gctx, cycleID)
			if err != nil {
				if errors.Is(err, client.ErrTerminal) && v.Failure != nil {
					return fmt.Errorf("%s: generation failed with %s: %w", p.id, v.Failure.Code, err)
				}
				return fmt.Errorf("%s wait: %w", p.id, err)
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return views, nil
}

func rankAndSchedule(ctx context.Context, cycleID string, titles []string, partners ...*partner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range partners {
		g.Go(func() error {
			if _, err := p.client.SetRankings(gctx, cycleID, p.rankings(titles)...); err != nil {
				return fmt.Errorf("%s rankings: %w", p.id, err)
			}
			if _, err := p.client.SetAvailability(gctx, cycleID, p.availability()); err != nil {
				return fmt.Errorf("%s availability: %w", p.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// refine pins an hour one past the start of the agreed band.
func refine(ctx context.Context, cycleID string, res types.AgreementResponse, one, two *partner) (types.CycleView, error) {
	a := res.Cycle.Agreement
	if a == nil {
		return types.CycleView{}, fmt.Errorf("%w: agreed cycle carries no agreement", ErrVerification)
	}
	first, _ := a.TimeBand.Hours()
	hour := first + 1

	picker := byslot(res.Picker, one, two)
	other := byslot(res.Picker.Other(), one, two)

	_, err := other.client.RefineTime(ctx, cycleID, hour)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		return types.CycleView{}, fmt.Errorf("%w: non-picker refine returned %v", ErrVerification, err)
	}

	v, err := picker.client.RefineTime(ctx, cycleID, hour)
	if err != nil {
		return types.CycleView{}, fmt.Errorf("refine time: %w", err)
	}
	if v.Agreement == nil || v.Agreement.Hour == nil || *v.Agreement.Hour != hour {
		return types.CycleView{}, fmt.Errorf("%w: hour %d was not pinned", ErrVerification, hour)
	}
	return v, nil
}

func complete(ctx context.Context, cycleID string, rating int, ritual string, p *partner) error {
	done, err := p.client.Complete(ctx, cycleID, rating)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	history, err := p.client.History(ctx, 1)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return verifyHistory(history, done, ritual)
}

func byslot(slot model.PartnerSlot, one, two *partner) *partner {
	if slot == model.PartnerTwo {
		return two
	}
	return one
}

// displayReport logs the final summary.
func displayReport(ctx context.Context, log logger.Logger, r *Report) {
	log.Info(ctx, "final report",
		logger.String("coupleID", r.CoupleID),
		logger.String("cycleID", r.CycleID),
		logger.String("picker", string(r.Picker)),
		logger.Int("proposals", len(r.Proposals)),
		logger.String("ritual", r.Ritual),
		logger.String("date", r.Date),
		logger.String("band", string(r.Band)),
		logger.Int("hour", r.Hour),
		logger.Bool("completed", r.Completed),
		logger.Duration("generation", r.Generation),
		logger.Duration("duration", r.Duration))
}
