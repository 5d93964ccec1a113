// Package rpc exposes the orchestration surface to the gateway: a JSON
// envelope at POST /v1/rpc plus the health and metrics endpoints. The
// envelope names the operation in "id" and carries its request in "body".
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cuemby/foundry/pkg/errs"
	"github.com/cuemby/foundry/pkg/graph"
	"github.com/cuemby/foundry/pkg/log"
	"github.com/cuemby/foundry/pkg/logs"
	"github.com/cuemby/foundry/pkg/metrics"
	"github.com/cuemby/foundry/pkg/objstore"
	"github.com/cuemby/foundry/pkg/planner"
	"github.com/cuemby/foundry/pkg/storage"
	"github.com/cuemby/foundry/pkg/types"
)

// Canceler is the slice of the scheduler the RPC surface needs.
type Canceler interface {
	CancelGroup(ctx context.Context, groupID int64, trigger types.Trigger, requester string) error
}

// Planner is satisfied by planner.Planner.
type Planner interface {
	Plan(ctx context.Context, req planner.Request) (*planner.Plan, error)
}

// Server handles the RPC envelope.
type Server struct {
	store    storage.Store
	graph    *graph.Graph
	planner  Planner
	canceler Canceler
	pipeline *logs.Pipeline
	archive  objstore.Store

	validate *validator.Validate
	handlers map[string]handlerFunc
	logger   zerolog.Logger
}

type handlerFunc func(ctx context.Context, body json.RawMessage) (any, error)

// NewServer wires the RPC surface. archive may be nil when log archival is
// disabled; archived log fetches then fail NotFound.
func NewServer(store storage.Store, g *graph.Graph, p Planner, canceler Canceler, pipeline *logs.Pipeline, archive objstore.Store) *Server {
	s := &Server{
		store:    store,
		graph:    g,
		planner:  p,
		canceler: canceler,
		pipeline: pipeline,
		archive:  archive,
		validate: validator.New(),
		logger:   log.WithComponent("rpc"),
	}
	s.handlers = map[string]handlerFunc{
		"JobGroupSpec":      s.jobGroupSpec,
		"JobGroupGet":       s.jobGroupGet,
		"JobGroupOriginGet": s.jobGroupOriginGet,
		"JobGroupCancel":    s.jobGroupCancel,
		"JobGet":            s.jobGet,
		"JobLogGet":         s.jobLogGet,
		"JobGraphPackageReverseDependenciesGet":        s.rdepsGet,
		"JobGraphPackageReverseDependenciesGroupedGet": s.rdepsGroupedGet,
		"JobGraphPackagePreCreate":                     s.packagePreCreate,
		"JobGraphPackageCreate":                        s.packageCreate,
	}
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Post("/v1/rpc", s.handleRPC)
	r.Get("/healthz", metrics.HealthHandler())
	r.Get("/readyz", metrics.ReadyHandler())
	r.Get("/livez", metrics.LivenessHandler())
	r.Handle("/metrics", metrics.Handler())
	return r
}

// Serve runs the HTTP server until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type envelope struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

type errorBody struct {
	Code          errs.Kind `json:"code"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, "", errs.BadRequest("malformed envelope: %v", err))
		return
	}

	handler, ok := s.handlers[env.ID]
	if !ok {
		s.writeError(w, env.ID, errs.BadRequest("unknown operation %q", env.ID))
		return
	}

	start := time.Now()
	result, err := handler(r.Context(), env.Body)
	metrics.RPCRequestDuration.WithLabelValues(env.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		s.writeError(w, env.ID, err)
		return
	}

	metrics.RPCRequestsTotal.WithLabelValues(env.ID, "ok").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"body": result}) //nolint:errcheck
}

func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	err, correlationID := errs.Correlate(err)
	kind := errs.KindOf(err)
	status := errs.HTTPStatus(kind)

	message := "internal error"
	if errs.Public(kind) {
		var e *errs.Error
		if errors.As(err, &e) {
			message = e.Message
		} else {
			message = err.Error()
		}
	}

	logEvent := s.logger.Warn()
	if status >= http.StatusInternalServerError {
		logEvent = s.logger.Error()
	}
	logEvent.Err(err).
		Str("op", op).
		Str("correlation_id", correlationID).
		Int("status", status).
		Msg("rpc request failed")
	metrics.RPCRequestsTotal.WithLabelValues(op, string(kind)).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": errorBody{ //nolint:errcheck
		Code:          kind,
		Message:       message,
		CorrelationID: correlationID,
	}})
}

// decode unmarshals and validates a request body.
func (s *Server) decode(body json.RawMessage, v any) error {
	if len(body) == 0 {
		return errs.BadRequest("missing request body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errs.BadRequest("malformed request body: %v", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return errs.BadRequest("invalid request: %v", err)
	}
	return nil
}
