package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"conversation-api/internal/config"
	"conversation-api/internal/domain/model"
	derror "conversation-api/internal/error"
	"conversation-api/internal/infra/logging"
	"conversation-api/internal/infra/metrics"
	"conversation-api/internal/infra/ratelimit"
	"conversation-api/internal/usecase"
)

// maxBodyBytes bounds request bodies; message content is the largest field.
const maxBodyBytes = 1 << 20

type Server struct {
	cfg     config.HTTPConfig
	conv    usecase.ConversationUseCase
	limiter ratelimit.Limiter
	secret  string
	dev     bool
	log     *zerolog.Logger
	server  *http.Server
}

type Options struct {
	HTTP      config.HTTPConfig
	JWTSecret string
	Limiter   ratelimit.Limiter // nil disables query throttling
	Dev       bool
}

func NewServer(conv usecase.ConversationUseCase, opts Options, logger *zerolog.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		cfg:     opts.HTTP,
		conv:    conv,
		limiter: opts.Limiter,
		secret:  opts.JWTSecret,
		dev:     opts.Dev,
		log:     logger,
	}
}

// Router builds the chi mux with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		TraceID(),
		Recover(s.log),
		RequestLog(s.log),
		Metrics(),
		Timeout(s.cfg.RequestTimeout),
	)

	metrics.MustRegister()
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(s.secret))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", s.handleCreate)
			r.Get("/", s.handleList)
			r.With(validConversationID).Get("/{id}", s.handleGet)
			r.With(validConversationID).Put("/{id}", s.handleUpdate)
			r.With(validConversationID).Delete("/{id}", s.handleDelete)
		})
		r.With(validConversationID).Post("/queries/{id}", s.handleQuery)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, derror.NotFound(""))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, derror.MethodNotAllowed())
	})
	return r
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ---- handlers ----

type createRequest struct {
	Name   *string      `json:"name"`
	Params model.Params `json:"params"`
}

type updateRequest struct {
	Name   *string      `json:"name"`
	Params model.Params `json:"params"`
}

type queryRequest struct {
	Role    *model.Role `json:"role"`
	Content *string     `json:"content"`
	Name    string      `json:"name,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, derror.InvalidParameters("", err.Error()))
		return
	}
	if req.Name == nil {
		writeError(w, derror.InvalidParameters("", "name is required"))
		return
	}
	id, err := s.conv.Create(r.Context(), *req.Name, req.Params)
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.conv.ListAll(r.Context())
	if err != nil {
		s.fail(w, r, "", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conv, err := s.conv.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateRequest
	// an empty body is an empty patch
	if err := decodeStrict(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, derror.InvalidParameters(id, err.Error()))
		return
	}
	patch := model.MetadataPatch{Name: req.Name, Params: req.Params}
	if err := s.conv.UpdateMetadata(r.Context(), id, patch); err != nil {
		s.fail(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.conv.Delete(r.Context(), id); err != nil {
		s.fail(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req queryRequest
	if err := decodeStrict(w, r, &req); err != nil {
		writeError(w, derror.InvalidParameters(id, err.Error()))
		return
	}
	if req.Role == nil || req.Content == nil {
		writeError(w, derror.InvalidParameters(id, "role and content are required"))
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), id)
		if err != nil {
			// a limiter outage does not block queries
			logging.With(r.Context(), s.log).Warn().Err(err).Msg("rate limiter unavailable")
		} else if !allowed {
			metrics.IncQueryRateLimited()
			writeError(w, derror.TooManyRequests(id))
			return
		}
	}

	msg := model.Message{Role: *req.Role, Content: *req.Content, Name: req.Name}
	if _, err := s.conv.AppendQuery(r.Context(), id, msg); err != nil {
		s.fail(w, r, id, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// validConversationID rejects ids that are not canonical UUIDs before any
// store access and tags the request context with the id.
func validConversationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "id")
		u, err := uuid.Parse(raw)
		if err != nil || u.String() != raw {
			writeError(w, derror.InvalidID(raw))
			return
		}
		next.ServeHTTP(w, r.WithContext(logging.WithConversationID(r.Context(), raw)))
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, id string, err error) {
	apiErr := derror.Classify(err, s.dev).WithRequest(id)
	if apiErr.Kind() == derror.KindInternal {
		logging.With(r.Context(), s.log).Error().Err(err).Msg("request failed")
	}
	writeError(w, apiErr)
}

// ---- encoding ----

var errEmptyBody = errors.New("request body is empty")

func decodeStrict(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("malformed request body: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *derror.APIError) {
	writeJSON(w, e.Code, e)
}
