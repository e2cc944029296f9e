package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/okian/ritual/internal/adapters/repository"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/pkg/logger"
	"github.com/okian/ritual/pkg/metrics"
)

const tracerName = "github.com/okian/ritual/internal/generation"

// Status is the outcome of one Invoke call.
type Status string

// Invoke outcomes.
const (
	StatusReady      Status = "ready"
	StatusGenerating Status = "generating"
	StatusWaiting    Status = "waiting"
	StatusFailed     Status = "failed"
)

// Result describes what Invoke observed or did.
type Result struct {
	Status    Status
	Proposals []model.Proposal
	Code      Code
	Err       error
}

// History is the couple's past rituals fed into the prompt.
type History struct {
	Completed  []string
	Favourites []string
}

// HistoryFrom splits completions into done titles and highly rated titles.
func HistoryFrom(completions []model.Completion) History {
	var h History
	seen := make(map[string]struct{}, len(completions))
	for _, c := range completions {
		key := strings.ToLower(c.Title)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		h.Completed = append(h.Completed, c.Title)
		if c.Rating >= model.HighlyRatedThreshold {
			h.Favourites = append(h.Favourites, c.Title)
		}
	}
	return h
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithTimeout bounds a single provider call.
func WithTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithClaimStaleAfter sets how old a claim must be before it can be taken over.
// Zero keeps claims until released.
func WithClaimStaleAfter(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.staleAfter = d }
}

// WithRateLimit caps provider calls per minute. Zero or less disables the limit.
func WithRateLimit(perMinute int) InvokerOption {
	return func(i *Invoker) {
		if perMinute <= 0 {
			i.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		i.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

// WithInvokerClock overrides the time source.
func WithInvokerClock(now func() time.Time) InvokerOption {
	return func(i *Invoker) {
		if now != nil {
			i.now = now
		}
	}
}

// WithInvokerLogger sets the logger.
func WithInvokerLogger(l logger.Logger) InvokerOption {
	return func(i *Invoker) {
		if l != nil {
			i.log = l
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) InvokerOption {
	return func(i *Invoker) {
		if t != nil {
			i.tracer = t
		}
	}
}

// Invoker runs generation for a cycle and writes the result at most once.
type Invoker struct {
	store      repository.Store
	provider   Provider
	limiter    *rate.Limiter
	timeout    time.Duration
	staleAfter time.Duration
	now        func() time.Time
	log        logger.Logger
	tracer     trace.Tracer
}

// NewInvoker creates an invoker over store and provider.
func NewInvoker(store repository.Store, provider Provider, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		store:      store,
		provider:   provider,
		limiter:    rate.NewLimiter(rate.Inf, 0),
		timeout:    45 * time.Second,
		staleAfter: 90 * time.Second,
		now:        time.Now,
		log:        logger.Discard(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

type retryKey struct{}

// WithRetryAfter marks ctx as an attempt that gets retried after delay if
// it fails with a retryable code. The failure then stays pending on the
// cycle instead of being reported as final.
func WithRetryAfter(ctx context.Context, delay time.Duration) context.Context {
	return context.WithValue(ctx, retryKey{}, delay)
}

// RetryAfter returns the delay set by WithRetryAfter.
func RetryAfter(ctx context.Context) (time.Duration, bool) {
	d, ok := ctx.Value(retryKey{}).(time.Duration)
	return d, ok
}

// Provider returns the configured provider.
func (i *Invoker) Provider() Provider { return i.provider }

// Invoke generates proposals for the cycle if both inputs are present and
// no output exists yet. Store failures are returned as errors; generation
// outcomes, including failures, are reported through Result.
//
// Once the claim is held the remaining work runs detached from ctx so a
// caller that stops waiting never leaves a half-finished run behind.
func (i *Invoker) Invoke(ctx context.Context, cycleID string) (Result, error) {
	ctx, span := i.tracer.Start(ctx, "generation.Invoke", trace.WithAttributes(
		attribute.String("cycle.id", cycleID),
		attribute.String("provider", i.provider.Name()),
	))
	defer span.End()

	res, err := i.invoke(ctx, cycleID)
	span.SetAttributes(attribute.String("result.status", string(res.Status)))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		metrics.RecordGenerationInvocation("error")
	case res.Status == StatusFailed:
		span.SetStatus(otelcodes.Error, string(res.Code))
		metrics.RecordGenerationInvocation(string(StatusFailed))
	default:
		metrics.RecordGenerationInvocation(string(res.Status))
	}
	return res, err
}

func (i *Invoker) invoke(ctx context.Context, cycleID string) (Result, error) {
	c, err := i.store.GetCycle(ctx, cycleID)
	if err != nil {
		return Result{}, fmt.Errorf("read cycle: %w", err)
	}
	if c.Generated() {
		return Result{Status: StatusReady, Proposals: c.SynthesizedOutput}, nil
	}
	if !c.BothSubmitted() {
		return Result{Status: StatusWaiting}, nil
	}

	token := uuid.NewString()
	c, err = i.store.ClaimGeneration(ctx, cycleID, token, i.now(), i.staleAfter)
	switch {
	case errors.Is(err, repository.ErrClaimHeld):
		metrics.RecordClaimContention()
		return Result{Status: StatusGenerating}, nil
	case errors.Is(err, repository.ErrAlreadyGenerated):
		return i.readReady(ctx, cycleID)
	case errors.Is(err, repository.ErrInputsIncomplete):
		return Result{Status: StatusWaiting}, nil
	case err != nil:
		return Result{}, fmt.Errorf("claim generation: %w", err)
	}

	work := context.WithoutCancel(ctx)
	log := i.log.With(logger.String("cycle_id", cycleID), logger.String("provider", i.provider.Name()))

	if !i.limiter.Allow() {
		return i.fail(work, log, cycleID, token, newError(CodeRateLimited, "local generation rate limit reached"))
	}

	history, location := i.promptContext(work, c)
	prompt, err := BuildBatchPrompt(c, location, history)
	if err != nil {
		return i.fail(work, log, cycleID, token, newError(CodeMalformed, "%w", err))
	}

	callCtx, cancel := context.WithTimeout(work, i.timeout)
	start := time.Now()
	resp, err := i.provider.Generate(callCtx, prompt)
	cancel()
	metrics.RecordGenerationLatency(i.provider.Name(), float64(time.Since(start).Milliseconds()))
	if err != nil {
		return i.fail(work, log, cycleID, token, err)
	}

	proposals, err := ParseProposals(resp.Content)
	if err != nil {
		return i.fail(work, log, cycleID, token, err)
	}

	written, err := i.store.WriteProposals(work, cycleID, proposals)
	if errors.Is(err, repository.ErrAlreadyGenerated) {
		// A takeover of a stale claim finished first; its output stands.
		i.release(work, log, cycleID, token)
		return i.readReady(work, cycleID)
	}
	if err != nil {
		i.release(work, log, cycleID, token)
		return Result{}, fmt.Errorf("write proposals: %w", err)
	}

	log.Info(work, "proposals generated",
		logger.Int("count", len(written.SynthesizedOutput)),
		logger.Int("total_tokens", resp.Usage.TotalTokens),
		logger.Duration("latency", time.Since(start)))
	return Result{Status: StatusReady, Proposals: written.SynthesizedOutput}, nil
}

func (i *Invoker) readReady(ctx context.Context, cycleID string) (Result, error) {
	c, err := i.store.GetCycle(ctx, cycleID)
	if err != nil {
		return Result{}, fmt.Errorf("read cycle: %w", err)
	}
	return Result{Status: StatusReady, Proposals: c.SynthesizedOutput}, nil
}

// promptContext loads history and location; a failed lookup only degrades the prompt.
func (i *Invoker) promptContext(ctx context.Context, c *model.WeeklyCycle) (History, string) {
	var location string
	if couple, err := i.store.GetCouple(ctx, c.CoupleID); err == nil {
		location = couple.Location
	} else {
		i.log.Warn(ctx, "couple lookup failed", logger.String("couple_id", c.CoupleID), logger.Error(err))
	}
	completions, err := i.store.ListCompletions(ctx, c.CoupleID)
	if err != nil {
		i.log.Warn(ctx, "history lookup failed", logger.String("couple_id", c.CoupleID), logger.Error(err))
		return History{}, location
	}
	return HistoryFrom(completions), location
}

// release drops the claim without recording a failure. A failed release
// leaves the claim to go stale.
func (i *Invoker) release(ctx context.Context, log logger.Logger, cycleID, token string) {
	if _, err := i.store.ReleaseClaim(ctx, cycleID, token, nil); err != nil {
		metrics.RecordErrorByComponent("generation", "release_claim")
		log.Error(ctx, "release claim failed", logger.Error(err))
	}
}

func (i *Invoker) fail(ctx context.Context, log logger.Logger, cycleID, token string, cause error) (Result, error) {
	code := Classify(cause)
	metrics.RecordGenerationError(string(code))
	log.Warn(ctx, "generation failed", logger.String("code", string(code)), logger.Error(cause))

	failure := &model.GenerationFailure{Code: string(code), Message: cause.Error(), At: i.now()}
	if delay, ok := RetryAfter(ctx); ok && code.Retryable() {
		at := failure.At.Add(delay)
		failure.RetryAt = &at
	}
	if _, err := i.store.ReleaseClaim(ctx, cycleID, token, failure); err != nil {
		return Result{}, fmt.Errorf("release claim: %w", err)
	}
	return Result{Status: StatusFailed, Code: code, Err: cause}, nil
}

// Swap replaces one proposal with a freshly generated one. The new title
// never repeats the replaced title, any current title or any completed
// ritual. Generation failures are returned as *Error.
func (i *Invoker) Swap(ctx context.Context, cycleID, title string) (*model.WeeklyCycle, error) {
	ctx, span := i.tracer.Start(ctx, "generation.Swap", trace.WithAttributes(
		attribute.String("cycle.id", cycleID),
		attribute.String("provider", i.provider.Name()),
	))
	defer span.End()

	out, err := i.swap(ctx, cycleID, title)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
		metrics.RecordSwap("error")
		return nil, err
	}
	metrics.RecordSwap("success")
	return out, nil
}

func (i *Invoker) swap(ctx context.Context, cycleID, title string) (*model.WeeklyCycle, error) {
	c, err := i.store.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("read cycle: %w", err)
	}
	switch {
	case !c.Generated():
		return nil, repository.ErrNotGenerated
	case c.Agreed():
		return nil, repository.ErrAlreadyAgreed
	}
	if _, ok := c.ProposalByTitle(title); !ok {
		return nil, fmt.Errorf("%w: %q", repository.ErrUnknownProposal, title)
	}
	if !i.limiter.Allow() {
		return nil, newError(CodeRateLimited, "local generation rate limit reached")
	}

	history, location := i.promptContext(ctx, c)
	exclude := make([]string, 0, len(c.SynthesizedOutput)+len(history.Completed))
	for _, p := range c.SynthesizedOutput {
		exclude = append(exclude, p.Title)
	}
	exclude = append(exclude, history.Completed...)

	prompt, err := BuildSwapPrompt(c, location, title, exclude)
	if err != nil {
		return nil, newError(CodeMalformed, "%w", err)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.timeout)
	defer cancel()
	start := time.Now()
	resp, err := i.provider.Generate(callCtx, prompt)
	metrics.RecordGenerationLatency(i.provider.Name(), float64(time.Since(start).Milliseconds()))
	if err != nil {
		code := Classify(err)
		metrics.RecordGenerationError(string(code))
		return nil, &Error{Code: code, Err: err}
	}

	p, err := ParseProposal(resp.Content)
	if err != nil {
		return nil, err
	}
	for _, t := range exclude {
		if strings.EqualFold(t, p.Title) {
			return nil, newError(CodeMalformed, "replacement %q repeats an excluded ritual", p.Title)
		}
	}

	return i.store.ReplaceProposal(ctx, cycleID, title, p)
}
