// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/ritual/internal/adapters/notify"
	service "github.com/okian/ritual/internal/app"
	"github.com/okian/ritual/internal/domain/model"
	"github.com/okian/ritual/internal/domain/types"
	"github.com/okian/ritual/pkg/logger"
)

// Request limits.
const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 12
	maxHistoryLimit     = 52
	defaultHeartbeat    = 15 * time.Second
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	Session(ctx context.Context, userID string) (service.Session, error)
	CreateCouple(ctx context.Context, userID, partnerID, location string) (*model.Couple, error)

	EnsureCurrentCycle(ctx context.Context, sess service.Session) (*model.WeeklyCycle, error)
	GetCycle(ctx context.Context, sess service.Session, cycleID string) (*model.WeeklyCycle, error)
	History(ctx context.Context, sess service.Session, limit int) (service.History, error)
	Picker(weekStart time.Time) model.PartnerSlot

	SubmitInput(ctx context.Context, sess service.Session, cycleID string, payload service.InputPayload) (model.CycleStatus, error)
	InvokeGeneration(ctx context.Context, sess service.Session, cycleID string) (*model.WeeklyCycle, error)
	Swap(ctx context.Context, sess service.Session, cycleID, title string) (*model.WeeklyCycle, error)

	SetRankings(ctx context.Context, sess service.Session, cycleID string, prefs []model.RitualPreference) (*model.WeeklyCycle, error)
	SetAvailability(ctx context.Context, sess service.Session, cycleID string, slots []model.AvailabilitySlot) (*model.WeeklyCycle, error)
	ComputeAgreement(ctx context.Context, sess service.Session, cycleID string) (service.AgreementResult, error)
	RefineTime(ctx context.Context, sess service.Session, cycleID string, hour int) (*model.WeeklyCycle, error)
	RecordCompletion(ctx context.Context, sess service.Session, cycleID string, rating int) (model.Completion, error)

	Subscribe(ctx context.Context, sess service.Session, cycleID string) (*notify.Subscription, error)
}

// Option configures a Server.
type Option func(*Server)

// WithAuthSecret sets the HS256 secret bearer tokens are verified with.
func WithAuthSecret(secret string) Option {
	return func(s *Server) {
		if secret != "" {
			s.auth = NewAuthenticator(secret)
		}
	}
}

// WithLogger sets the server's logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHeartbeat sets the interval of SSE keep-alive comments.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps          Dependencies
	auth          *Authenticator
	log           logger.Logger
	heartbeat     time.Duration
	healthHandler *HealthHandler
	statsHandler  *StatsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider, opts ...Option) *Server {
	s := &Server{
		deps:          deps,
		log:           logger.Discard(),
		heartbeat:     defaultHeartbeat,
		healthHandler: NewHealthHandler(),
		statsHandler:  NewStatsHandler(statsProvider),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = NewAuthenticator("")
	}
	return s
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	routes := []struct {
		pattern string
		name    string
		handler http.HandlerFunc
	}{
		{"POST /v1/couples", "create_couple", s.handleCreateCouple},
		{"POST /v1/cycles/current", "current_cycle", s.handleCurrentCycle},
		{"GET /v1/cycles", "history", s.handleHistory},
		{"GET /v1/cycles/{id}", "get_cycle", s.handleGetCycle},
		{"POST /v1/cycles/{id}/input", "submit_input", s.handleSubmitInput},
		{"POST /v1/cycles/{id}/generate", "generate", s.handleGenerate},
		{"POST /v1/cycles/{id}/swap", "swap", s.handleSwap},
		{"PUT /v1/cycles/{id}/rankings", "rankings", s.handleRankings},
		{"PUT /v1/cycles/{id}/availability", "availability", s.handleAvailability},
		{"POST /v1/cycles/{id}/agreement", "agreement", s.handleAgreement},
		{"PUT /v1/cycles/{id}/agreement/time", "refine_time", s.handleRefineTime},
		{"POST /v1/cycles/{id}/completion", "completion", s.handleCompletion},
		{"GET /v1/cycles/{id}/events", "events", s.handleEvents},
	}
	for _, r := range routes {
		mux.HandleFunc(r.pattern, MetricsMiddleware(s.auth.Middleware(r.handler), r.name))
	}
}

// session resolves the caller's couple, writing the error response on failure.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (service.Session, bool) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, codeUnauthenticated, ErrUnauthenticated)
		return service.Session{}, false
	}
	sess, err := s.deps.Session(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return service.Session{}, false
	}
	return sess, true
}

func (s *Server) view(sess service.Session, c *model.WeeklyCycle) types.CycleView {
	// Session errors were handled before any cycle was loaded.
	slot, _ := sess.Slot()
	return types.NewCycleView(c, slot, s.deps.Picker(c.WeekStart))
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, types.ErrorResponse{Code: code, Message: msg})
}

// writeServiceError maps a service error onto its response. Persistence
// failures are logged and reported without internal detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := types.ErrorResponse{Code: code, Message: err.Error()}
	var genErr *service.GenerationError
	if errors.As(err, &genErr) {
		body.GenerationCode = string(genErr.Code)
	}
	if status >= statusInternalError {
		s.log.Error(r.Context(), "request failed",
			logger.String("path", r.URL.Path),
			logger.String("method", r.Method),
			logger.Error(err))
		body.Message = "failed to save, please retry"
	}
	writeJSON(w, status, body)
}
