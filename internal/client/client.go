// Package client is a partner-side client for the ritual HTTP API. It wraps
// the endpoints, follows the cycle event stream, and falls back to polling
// when the stream is unavailable.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/types"
	"github.com/okian/ritual/pkg/logger"
)

// Sentinel kinds for client errors.
var (
	// ErrGenerating is returned by Generate when the server is still working.
	ErrGenerating = errors.New("generation still running")
	// ErrTerminal is returned by WaitFor when the cycle reached a terminal
	// state other than the one awaited.
	ErrTerminal = errors.New("cycle reached a terminal state")
)

// APIError is a non-2xx response.
type APIError struct {
	Status         int
	Code           string
	Message        string
	GenerationCode string
}

func (e *APIError) Error() string {
	if e.GenerationCode != "" {
		return fmt.Sprintf("api %d %s (%s): %s", e.Status, e.Code, e.GenerationCode, e.Message)
	}
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether a read that failed this way is worth retrying.
func (e *APIError) Retryable() bool {
	return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithPollInterval sets the fallback poll interval used while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithRetry bounds read retries.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.retryInitial = initial
		}
		if maxElapsed > 0 {
			c.retryMaxElapsed = maxElapsed
		}
	}
}

// WithLogger sets the client's logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client calls the API as one authenticated partner.
type Client struct {
	base            string
	token           string
	http            *http.Client
	log             logger.Logger
	pollInterval    time.Duration
	retryInitial    time.Duration
	retryMaxElapsed time.Duration
}

// New creates a client for baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		base:            strings.TrimRight(baseURL, "/"),
		token:           token,
		http:            http.DefaultClient,
		log:             logger.Discard(),
		pollInterval:    2 * time.Second,
		retryInitial:    100 * time.Millisecond,
		retryMaxElapsed: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCouple pairs the caller, as partner one, with partnerID.
func (c *Client) CreateCouple(ctx context.Context, partnerID, location string) (*model.Couple, error) {
	var out model.Couple
	if err := c.do(ctx, http.MethodPost, "/v1/couples", types.CreateCoupleRequest{PartnerID: partnerID, Location: location}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentCycle returns this week's cycle, creating it on first use.
func (c *Client) CurrentCycle(ctx context.Context) (types.CycleView, error) {
	var out types.CycleView
	err := c.do(ctx, http.MethodPost, "/v1/cycles/current", nil, &out)
	return out, err
}

// Cycle reads a cycle, retrying transient failures.
func (c *Client) Cycle(ctx context.Context, id string) (types.CycleView, error) {
	var out types.CycleView
	err := c.read(ctx, cyclePath(id, ""), &out)
	return out, err
}

// History reads up to limit past cycles and every completion.
func (c *Client) History(ctx context.Context, limit int) (types.HistoryResponse, error) {
	var out types.HistoryResponse
	err := c.read(ctx, "/v1/cycles?limit="+strconv.Itoa(limit), &out)
	return out, err
}

// SubmitInput sends the caller's weekly moods and desire.
func (c *Client) SubmitInput(ctx context.Context, id string, in types.InputRequest) (model.CycleStatus, error) {
	var out types.InputResponse
	err := c.do(ctx, http.MethodPost, cyclePath(id, "/input"), in, &out)
	return out.Status, err
}

// Generate runs or retries generation. ErrGenerating is returned with the
// current view when the server stopped waiting.
func (c *Client) Generate(ctx context.Context, id string) (types.CycleView, error) {
	resp, err := c.send(ctx, http.MethodPost, cyclePath(id, "/generate"), nil)
	if err != nil {
		return types.CycleView{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		var pending types.GenerationResponse
		if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
			return types.CycleView{}, fmt.Errorf("decode response: %w", err)
		}
		return pending.Cycle, ErrGenerating
	}
	var out types.CycleView
	return out, decodeResponse(resp, &out)
}

// Swap replaces a proposal.
func (c *Client) Swap(ctx context.Context, id, title string) (types.CycleView, error) {
	var out types.CycleView
	err := c.do(ctx, http.MethodPost, cyclePath(id, "/swap"), types.SwapRequest{Title: title}, &out)
	return out, err
}

// SetRankings stores the caller's ranked titles; the first title is rank 1.
func (c *Client) SetRankings(ctx context.Context, id string, titles ...string) (types.CycleView, error) {
	req := types.RankingsRequest{Rankings: make([]model.RitualPreference, 0, len(titles))}
	for i, t := range titles {
		req.Rankings = append(req.Rankings, model.RitualPreference{Rank: i + 1, Title: t})
	}
	var out types.CycleView
	err := c.do(ctx, http.MethodPut, cyclePath(id, "/rankings"), req, &out)
	return out, err
}

// SetAvailability stores the caller's open slots.
func (c *Client) SetAvailability(ctx context.Context, id string, slots []model.AvailabilitySlot) (types.CycleView, error) {
	var out types.CycleView
	err := c.do(ctx, http.MethodPut, cyclePath(id, "/availability"), types.AvailabilityRequest{Slots: slots}, &out)
	return out, err
}

// Agreement runs reconciliation.
func (c *Client) Agreement(ctx context.Context, id string) (types.AgreementResponse, error) {
	var out types.AgreementResponse
	err := c.do(ctx, http.MethodPost, cyclePath(id, "/agreement"), nil, &out)
	return out, err
}

// RefineTime pins the agreed hour; only the week's picker may.
func (c *Client) RefineTime(ctx context.Context, id string, hour int) (types.CycleView, error) {
	var out types.CycleView
	err := c.do(ctx, http.MethodPut, cyclePath(id, "/agreement/time"), types.RefineTimeRequest{Hour: hour}, &out)
	return out, err
}

// Complete records the agreed ritual as done.
func (c *Client) Complete(ctx context.Context, id string, rating int) (model.Completion, error) {
	var out model.Completion
	err := c.do(ctx, http.MethodPost, cyclePath(id, "/completion"), types.CompletionRequest{Rating: rating}, &out)
	return out, err
}

func cyclePath(id, suffix string) string {
	return "/v1/cycles/" + url.PathEscape(id) + suffix
}

// read GETs path into out with exponential backoff on transient failures.
func (c *Client) read(ctx context.Context, path string, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxElapsedTime = c.retryMaxElapsed

	op := func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		c.log.Debug(ctx, "retrying read", logger.String("path", path), logger.Duration("wait", wait), logger.Error(err))
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), onRetry)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= http.StatusMultipleChoices {
		apiErr := &APIError{Status: resp.StatusCode}
		var body types.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			apiErr.Code = body.Code
			apiErr.Message = body.Message
			apiErr.GenerationCode = body.GenerationCode
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
