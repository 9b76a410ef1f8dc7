// Package api is the HTTP admin surface over sessions, the review queue and
// the progress event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/enforcement-cli/internal/events"
	"github.com/sells-group/enforcement-cli/internal/model"
	"github.com/sells-group/enforcement-cli/internal/review"
	"github.com/sells-group/enforcement-cli/internal/session"
	"github.com/sells-group/enforcement-cli/internal/source"
	"github.com/sells-group/enforcement-cli/internal/store"
)

// Sessions is the session control surface.
type Sessions interface {
	Start(ctx context.Context, src source.Config, rng model.RangeParams) (*session.Handle, error)
	ResumeRange(ctx context.Context, src string, rng model.RangeParams) (model.RangeParams, error)
	Stop(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*model.Session, error)
	Active(ctx context.Context) ([]model.Session, error)
	Stale(ctx context.Context, olderThan time.Duration) ([]model.Session, error)
}

// Reviews is the review queue surface.
type Reviews interface {
	List(ctx context.Context, status model.ResolutionStatus, limit int) ([]model.ReviewCase, error)
	Get(ctx context.Context, id string) (*model.ReviewCase, error)
	Resolve(ctx context.Context, caseID, chosenRef string) (*model.CanonicalEntity, error)
}

// Records reads stored history.
type Records interface {
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	ListProcessingLog(ctx context.Context, sessionID string) ([]model.ProcessingLogEntry, error)
}

// Deps are the collaborators of the server.
type Deps struct {
	Sessions Sessions
	Reviews  Reviews
	Records  Records
	Bus      *events.Bus
	// Sources are the configured sources sessions may be started for.
	Sources     []source.Config
	CORSOrigins []string
}

// Server serves the admin API.
type Server struct {
	deps    Deps
	sources map[string]source.Config
	log     *zap.Logger
}

// New creates a Server.
func New(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		sources: make(map[string]source.Config, len(deps.Sources)),
		log:     zap.L().With(zap.String("component", "api")),
	}
	for _, src := range deps.Sources {
		s.sources[src.Name] = src
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleStartSession)
		r.Get("/{id}", s.handleGetSession)
		r.Delete("/{id}", s.handleStopSession)
		r.Get("/{id}/log", s.handleSessionLog)
	})

	r.Route("/reviews", func(r chi.Router) {
		r.Get("/", s.handleListReviews)
		r.Get("/{id}", s.handleGetReview)
		r.Post("/{id}/resolve", s.handleResolveReview)
	})

	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	Source    string `json:"source"`
	StartPage int    `json:"start_page"`
	EndPage   int    `json:"end_page"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Resume    bool   `json:"resume"`
}

func (req startRequest) rangeParams() (model.RangeParams, error) {
	rng := model.RangeParams{StartPage: req.StartPage, EndPage: req.EndPage}
	var err error
	if rng.StartDate, err = parseDate(req.StartDate); err != nil {
		return rng, err
	}
	if rng.EndDate, err = parseDate(req.EndDate); err != nil {
		return rng, err
	}
	return rng, nil
}

func parseDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	src, ok := s.sources[req.Source]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown source "+strconv.Quote(req.Source))
		return
	}
	rng, err := req.rangeParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
		return
	}
	if req.Resume {
		if rng, err = s.deps.Sessions.ResumeRange(r.Context(), src.Name, rng); err != nil {
			s.fail(w, err)
			return
		}
	}

	h, err := s.deps.Sessions.Start(r.Context(), src, rng)
	if err != nil {
		var ce *source.ConfigurationError
		if errors.As(err, &ce) && h != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": ce.Error(), "session_id": h.ID})
			return
		}
		s.fail(w, err)
		return
	}
	sess, err := s.deps.Sessions.Status(r.Context(), h.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		sessions []model.Session
		err      error
	)
	switch {
	case q.Get("stale") != "":
		d, perr := time.ParseDuration(q.Get("stale"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, "stale must be a duration, e.g. 30m")
			return
		}
		sessions, err = s.deps.Sessions.Stale(r.Context(), d)
	case q.Get("active") == "true":
		sessions, err = s.deps.Sessions.Active(r.Context())
	default:
		sessions, err = s.deps.Records.ListSessions(r.Context(), store.SessionFilter{
			Source: q.Get("source"),
			Limit:  queryInt(q.Get("limit")),
		})
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(sessions))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Sessions.Stop(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping", "session_id": id})
}

func (s *Server) handleSessionLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Sessions.Status(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	entries, err := s.deps.Records.ListProcessingLog(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	status := model.ResolutionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be pending or resolved")
		return
	}
	cases, err := s.deps.Reviews.List(r.Context(), status, queryInt(r.URL.Query().Get("limit")))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cases))
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	rc, err := s.deps.Reviews.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CandidateRef string `json:"candidate_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CandidateRef == "" {
		writeError(w, http.StatusBadRequest, "candidate_ref is required")
		return
	}
	ent, err := s.deps.Reviews.Resolve(r.Context(), chi.URLParam(r, "id"), req.CandidateRef)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// fail maps domain errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrTerminal), errors.Is(err, review.ErrResolved), errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, review.ErrUnknownCandidate):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.log.Error("api: request failed", zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
