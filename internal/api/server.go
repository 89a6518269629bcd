// Package api exposes the sync engine and the family cache over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/JohanCodinha/crmsync/internal/cache"
	"github.com/JohanCodinha/crmsync/internal/config"
	"github.com/JohanCodinha/crmsync/internal/logger"
	"github.com/JohanCodinha/crmsync/internal/sync"
	"github.com/JohanCodinha/crmsync/internal/virtuous"
)

const (
	defaultListLimit = 100
	shutdownTimeout  = 5 * time.Second
)

// Store is the part of the cache the HTTP surface reads and clears directly.
type Store interface {
	ListFamilies(ctx context.Context, opts cache.ListOptions) ([]cache.Family, int, error)
	Clear(ctx context.Context) (cache.ClearResult, error)
}

// Server serves the sync API.
type Server struct {
	cfg    config.ServerConfig
	engine *sync.Engine
	store  Store
	router chi.Router
}

// NewServer builds the router for the given engine and store.
func NewServer(cfg config.ServerConfig, engine *sync.Engine, store Store) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		store:  store,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(corsOptions(s.cfg.CORSOrigins)))

	r.Route("/api", func(r chi.Router) {
		r.Get("/", s.handleRoot)
		r.Post("/sync-patient-families", s.handleSync)
		r.Get("/patient-families", s.handleListFamilies)
		r.Post("/clear-cache", s.handleClearCache)
	})
	return r
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api: listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	logger.Info("api: server stopped")
	return nil
}

// syncRequest is the body of POST /api/sync-patient-families.
type syncRequest struct {
	Action    string `json:"action"`
	Reset     bool   `json:"reset"`
	Offset    int    `json:"offset"`
	BatchSize int    `json:"batchSize"`
}

type syncStateBody struct {
	Name            string     `json:"name"`
	LastSyncedCount int        `json:"last_synced_count"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

type familyBody struct {
	ID                 int64             `json:"id"`
	Name               string            `json:"name"`
	ContactType        *string           `json:"contactType"`
	CreatedDate        *string           `json:"created_date"`
	Tags               []json.RawMessage `json:"tags"`
	UpdatedAt          time.Time         `json:"updated_at"`
	LastEngagementDate *string           `json:"last_engagement_date,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Patient Families Sync API"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	ctx := r.Context()
	switch req.Action {
	case "get-state":
		state, err := s.engine.State(ctx)
		if err != nil {
			s.fail(w, "get-state", err)
			return
		}
		var body interface{} = struct{}{}
		if state.Cursor != nil {
			sb := syncStateBody{Name: state.Cursor.Name, LastSyncedCount: state.Cursor.LastSyncedCount}
			if !state.Cursor.UpdatedAt.IsZero() {
				sb.UpdatedAt = &state.Cursor.UpdatedAt
			}
			body = sb
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"syncState":     body,
			"totalContacts": state.CachedCount,
		})

	case "sync":
		if req.Reset {
			result, err := s.engine.Reset(ctx)
			if err != nil {
				s.fail(w, "reset", err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":     true,
				"nextSkip":    result.NextSkip,
				"cachedCount": result.CachedCount,
			})
			return
		}

		result, err := s.engine.SyncPage(ctx)
		if err != nil {
			s.fail(w, "sync", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"nextSkip":      result.NextSkip,
			"totalContacts": result.Total,
			"complete":      result.Complete,
			"cachedCount":   result.CachedCount,
		})

	case "refresh-dates":
		result, err := s.engine.RefreshEngagementDates(ctx, req.Offset, req.BatchSize)
		if err != nil {
			s.fail(w, "refresh-dates", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"nextOffset":  result.NextOffset,
			"totalCached": result.TotalCached,
			"complete":    result.Complete,
			"refreshed":   result.Refreshed,
			"failed":      result.Failed,
		})

	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown action: %s", req.Action))
	}
}

func (s *Server) handleListFamilies(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	skip, err := intParam(query.Get("skip"), 0)
	if err != nil || skip < 0 {
		writeError(w, http.StatusBadRequest, "skip must be a non-negative integer")
		return
	}
	limit, err := intParam(query.Get("limit"), defaultListLimit)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	families, total, err := s.store.ListFamilies(r.Context(), cache.ListOptions{
		Search: query.Get("search"),
		Offset: skip,
		Limit:  limit,
	})
	if err != nil {
		s.fail(w, "list families", err)
		return
	}

	out := make([]familyBody, 0, len(families))
	for _, f := range families {
		out = append(out, toFamilyBody(f))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"families": out,
		"total":    total,
	})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	result, err := s.store.Clear(r.Context())
	if err != nil {
		s.fail(w, "clear cache", err)
		return
	}

	logger.Info("api: cache cleared: %d families, %d sync states", result.Families, result.SyncStates)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Cache cleared successfully",
		"deleted": map[string]int64{
			"families":    result.Families,
			"sync_states": result.SyncStates,
		},
	})
}

// fail logs and reports an operation error as a 500.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	logger.Error("api: %s failed [%s]: %v", op, errorKind(err), err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// errorKind names the layer an operation error came from, for the logs.
func errorKind(err error) string {
	switch {
	case errors.Is(err, virtuous.ErrNotConfigured):
		return "config"
	case virtuous.IsUpstream(err):
		return "upstream"
	case cache.IsStorage(err):
		return "storage"
	default:
		return "internal"
	}
}

func toFamilyBody(f cache.Family) familyBody {
	tags := f.Tags
	if tags == nil {
		tags = []json.RawMessage{}
	}
	return familyBody{
		ID:                 f.ID,
		Name:               f.Name,
		ContactType:        optional(f.ContactType),
		CreatedDate:        optional(f.CreatedDate),
		Tags:               tags,
		UpdatedAt:          f.UpdatedAt,
		LastEngagementDate: optional(f.LastEngagementDate),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("api: failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// requestLogger logs one debug line per request through the package logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !logger.Enabled(logger.LevelDebug) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("api: %s %s -> %d in %s (request %s)",
			r.Method, r.URL.Path, ww.Status(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}

// corsOptions allows the configured origins, "*" meaning any. The allowed
// origin is echoed back so credentialed requests work with the wildcard too.
func corsOptions(origins []string) cors.Options {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return allowAll || allowed[origin]
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}
}
