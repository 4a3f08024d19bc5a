// Package api serves the operator API and the public event surface that
// delivered emails link to.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"hookline/internal/apperr"
	"hookline/pkg/artifact"
	"hookline/pkg/attack"
	"hookline/pkg/correlator"
	"hookline/pkg/objective"
	"hookline/pkg/store"
)

// Engine is the write side the operator routes drive.
type Engine interface {
	CreateObjective(ctx context.Context, o objective.Objective) (*objective.Objective, attack.CreateResult, error)
	UpdateObjective(ctx context.Context, id string, p objective.Patch) (*objective.Objective, error)
	Approve(ctx context.Context, artifactID string) (*artifact.Artifact, error)
	Reject(ctx context.Context, artifactID string) error
	Regenerate(ctx context.Context, artifactID string) (*artifact.Artifact, error)
}

// Correlator records inbound events.
type Correlator interface {
	Consume(ctx context.Context, value string) (correlator.Result, error)
	RecordOpen(ctx context.Context, contentID string) (correlator.Result, error)
}

// Prober checks mailbox insertion authorization for a domain.
type Prober interface {
	ProbeDelegation(ctx context.Context, address, from string) (bool, error)
}

// Options configure a Server.
type Options struct {
	// APIKeys guard the operator routes. With no keys every operator request is refused.
	APIKeys []string
	// ProbeFrom is the sender of delegation probe messages.
	ProbeFrom string
	// StreamInterval is how often the outcome stream polls. Defaults to 2s.
	StreamInterval time.Duration
}

// Server is the HTTP API server.
type Server struct {
	runner store.Runner
	engine Engine
	events Correlator
	probe  Prober
	log    *zap.Logger
	opts   Options
	mux    *http.ServeMux
}

// New creates a new Server.
func New(runner store.Runner, engine Engine, events Correlator, probe Prober, log *zap.Logger, opts Options) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = 2 * time.Second
	}
	s := &Server{
		runner: runner,
		engine: engine,
		events: events,
		probe:  probe,
		log:    log,
		opts:   opts,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	op := func(pattern string, h http.HandlerFunc) {
		s.mux.Handle(pattern, s.requireKey(h))
	}

	// Objectives
	op("POST /api/v1/objectives", s.handleObjectiveCreate)
	op("GET /api/v1/objectives", s.handleObjectiveList)
	op("GET /api/v1/objectives/{id}", s.handleObjectiveGet)
	op("PUT /api/v1/objectives/{id}", s.handleObjectiveUpdate)
	op("GET /api/v1/objectives/{id}/attacks", s.handleObjectiveAttacks)

	// Attacks
	op("GET /api/v1/attacks/{id}", s.handleAttackGet)
	op("GET /api/v1/attacks/{id}/outcomes", s.handleAttackOutcomes)
	op("GET /api/v1/attacks/{id}/outcomes/verify", s.handleAttackVerify)
	op("GET /api/v1/outcomes/stream", s.handleOutcomeStream)

	// Review
	op("GET /api/v1/reviews", s.handleReviewList)
	op("GET /api/v1/artifacts/{id}", s.handleArtifactGet)
	op("POST /api/v1/artifacts/{id}/approve", s.handleArtifactApprove)
	op("POST /api/v1/artifacts/{id}/reject", s.handleArtifactReject)
	op("POST /api/v1/artifacts/{id}/regenerate", s.handleArtifactRegenerate)

	// Checks
	op("POST /api/v1/checks/domain-delegation-enabled", s.handleDelegationCheck)
	op("GET /api/status", s.handleStatus)

	// Public event surface. These answer 200 whatever the token.
	s.mux.HandleFunc("GET /api/v1/phi-token/{token}", s.handleTokenConsume)
	s.mux.HandleFunc("GET /email/tracking-pixel.png", s.handleTrackingPixel)
	s.mux.HandleFunc("GET /phi/access", s.handleAccessPage)
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLoginSubmit)

	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// requireKey accepts "X-API-Key: k" or "Authorization: Api-Key k".
func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Api-Key "); ok {
				key = strings.TrimSpace(v)
			}
		}
		for _, k := range s.opts.APIKeys {
			if key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Message:   "missing or invalid API key",
			Category:  string(apperr.CategoryValidation),
			ErrorCode: "UNAUTHORIZED",
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := s.runner.Stores()
	counts, err := st.Attacks.CountByStatus(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pending, err := st.Reviews.PendingCount(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{
		"attacks":         counts,
		"pending_reviews": pending,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
	Category  string         `json:"category"`
	ErrorCode string         `json:"error_code"`
}

// writeError renders err as {message, data, category, error_code}.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	e := apperr.As(err)
	status := statusOf(e.Category)
	if status >= 500 {
		s.log.Error("request failed", zap.Error(err))
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	msg := e.Msg
	if msg == "" || status >= 500 && e.Category == apperr.CategoryError {
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Message: msg, Data: data, Category: string(e.Category), ErrorCode: e.Code})
}

func statusOf(c apperr.Category) int {
	switch c {
	case apperr.CategoryValidation, apperr.CategoryTargetNotUnique, apperr.CategoryObjectiveExpired:
		return http.StatusBadRequest
	case apperr.CategoryNotFound:
		return http.StatusNotFound
	case apperr.CategoryNotUnderReview, apperr.CategoryTargetUnderAttack:
		return http.StatusConflict
	case apperr.CategoryProfileData, apperr.CategoryTextGeneration, apperr.CategoryEmailSending, apperr.CategoryEmailInsertion:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func badRequest(format string, args ...any) error {
	return apperr.New("api", apperr.CategoryValidation, format, args...)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("invalid JSON: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
