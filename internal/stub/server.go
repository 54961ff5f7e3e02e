package stub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/qbanksync/internal/collection"
)

// EnvelopeStyle selects the list response shape.
type EnvelopeStyle string

const (
	EnvelopeResults EnvelopeStyle = "results"
	EnvelopeItems   EnvelopeStyle = "items"
	EnvelopeKeyed   EnvelopeStyle = "keyed"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on every /v1 route.
	Token        string
	Envelope     EnvelopeStyle
	RateLimit    float64
	RateBurst    int
	MaxBodyBytes int64
	DefaultSort  string
	DefaultOrder string
	Logger       *zap.Logger
}

type Stats struct {
	Applied  int
	Replayed int
}

type replay struct {
	fingerprint string
	status      int
	etag        string
	body        []byte
}

type fault struct {
	status     int
	remaining  int
	afterApply bool
}

type Server struct {
	store   *Store
	cfg     ServerConfig
	logger  *zap.Logger
	router  chi.Router
	limiter *rate.Limiter
	hub     *hub

	mutationMu sync.Mutex
	replays    map[string]replay
	stats      Stats

	faultMu sync.Mutex
	faults  []fault
}

func NewServer(store *Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *Store, cfg ServerConfig) *Server {
	if cfg.Envelope == "" {
		cfg.Envelope = EnvelopeResults
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.DefaultSort == "" {
		cfg.DefaultSort = "updated"
	}
	if cfg.DefaultOrder == "" {
		cfg.DefaultOrder = "desc"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		hub:     newHub(logger),
		replays: map[string]replay{},
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/questions", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.authenticate)
		r.Use(s.injectFaults)
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/events", s.handleEvents)
		r.Get("/{id}", s.handleGet)
		r.Put("/{id}", s.handlePut)
		r.Delete("/{id}", s.handleDelete)
	})
	return r
}

// Store returns the backing record store.
func (s *Server) Store() *Store {
	return s.store
}

func (s *Server) Stats() Stats {
	s.mutationMu.Lock()
	defer s.mutationMu.Unlock()
	return s.stats
}

// Subscribers reports the number of connected change-feed clients.
func (s *Server) Subscribers() int {
	return s.hub.subscribers()
}

// InjectFault makes the next count requests fail with status. With
// afterApply the mutation is applied and recorded first, as if the response
// were lost on the way back.
func (s *Server) InjectFault(status, count int, afterApply bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.faults = append(s.faults, fault{status: status, remaining: count, afterApply: afterApply})
}

func (s *Server) takeFault(afterApply bool) (int, bool) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	for i := range s.faults {
		f := &s.faults[i]
		if f.afterApply != afterApply || f.remaining <= 0 {
			continue
		}
		f.remaining--
		status := f.status
		if f.remaining == 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return status, true
	}
	return 0, false
}

// Close releases the state backend, if it holds resources.
func (s *Server) Close() error {
	if closer, ok := s.store.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("correlation_id", getCorrelationID(r)),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != s.cfg.Token {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", getCorrelationID(r))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, ok := s.takeFault(false); ok {
			writeError(w, status, "injected", "injected failure", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := listQueryFromRequest(r, s.cfg.DefaultSort, s.cfg.DefaultOrder)
	page, err := s.store.List(q)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	switch s.cfg.Envelope {
	case EnvelopeItems:
		body := map[string]any{"items": page.Records, "count": page.Total}
		if page.NextCursor != "" {
			body["nextCursor"] = page.NextCursor
		}
		writeJSON(w, http.StatusOK, body)
	case EnvelopeKeyed:
		keyed := make(map[string]collection.Record, len(page.Records))
		for _, rec := range page.Records {
			keyed[strconv.FormatInt(rec.ID, 10)] = rec
		}
		body := map[string]any{"results": keyed, "total": page.Total}
		if page.NextCursor != "" {
			body["next_cursor"] = page.NextCursor
		}
		writeJSON(w, http.StatusOK, body)
	default:
		body := map[string]any{"results": page.Records, "total": page.Total}
		if page.NextCursor != "" {
			body["next_cursor"] = page.NextCursor
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, etag, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set(collection.HeaderETag, etag)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeInput(w, r)
	if !ok {
		return
	}
	s.mutate(w, r, func() result {
		rec, etag, err := s.store.Create(in)
		if err != nil {
			return errorResult(err)
		}
		s.hub.publish(collection.ChangeEvent{Type: collection.EventCreated, ID: rec.ID, At: rec.UpdatedAt})
		return result{status: http.StatusCreated, etag: etag, body: rec}
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	in, ok := s.decodeInput(w, r)
	if !ok {
		return
	}
	restore := strings.TrimSpace(r.Header.Get(collection.HeaderIfNoneMatch)) == "*"
	ifMatch := r.Header.Get(collection.HeaderIfMatch)
	s.mutate(w, r, func() result {
		if restore {
			rec, etag, err := s.store.Restore(id, in)
			if err != nil {
				return errorResult(err)
			}
			s.hub.publish(collection.ChangeEvent{Type: collection.EventRestored, ID: rec.ID, At: rec.UpdatedAt})
			return result{status: http.StatusCreated, etag: etag, body: rec}
		}
		rec, etag, err := s.store.Update(id, in, ifMatch)
		if err != nil {
			return errorResult(err)
		}
		s.hub.publish(collection.ChangeEvent{Type: collection.EventUpdated, ID: rec.ID, At: rec.UpdatedAt})
		return result{status: http.StatusOK, etag: etag, body: rec}
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	ifMatch := r.Header.Get(collection.HeaderIfMatch)
	s.mutate(w, r, func() result {
		warning, err := s.store.Delete(id, ifMatch)
		if err != nil {
			return errorResult(err)
		}
		s.hub.publish(collection.ChangeEvent{Type: collection.EventDeleted, ID: id, At: time.Now().UTC()})
		return result{status: http.StatusOK, body: collection.DeleteResult{Warning: warning}}
	})
}

type result struct {
	status int
	etag   string
	body   any
}

func errorResult(err error) result {
	status, code := storeErrorStatus(err)
	return result{status: status, body: map[string]string{"code": code, "message": err.Error()}}
}

// mutate applies a write at most once per idempotency key. A repeated key
// replays the recorded response without touching the store; reusing a key
// for a different request is rejected.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, apply func() result) {
	key := strings.TrimSpace(r.Header.Get(collection.HeaderIdempotencyKey))
	fingerprint := r.Method + " " + r.URL.Path

	s.mutationMu.Lock()
	if key != "" {
		if prior, ok := s.replays[key]; ok {
			s.stats.Replayed++
			s.mutationMu.Unlock()
			if prior.fingerprint != fingerprint {
				writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused", "idempotency key was used for a different request", getCorrelationID(r))
				return
			}
			s.writeReplay(w, prior)
			return
		}
	}
	res := apply()
	payload, err := json.Marshal(res.body)
	if err != nil {
		s.mutationMu.Unlock()
		writeError(w, http.StatusInternalServerError, "internal", "encode response", getCorrelationID(r))
		return
	}
	rec := replay{fingerprint: fingerprint, status: res.status, etag: res.etag, body: payload}
	if res.status < 300 {
		s.stats.Applied++
	}
	if key != "" && res.status < 500 {
		s.replays[key] = rec
	}
	s.mutationMu.Unlock()

	if status, ok := s.takeFault(true); ok {
		writeError(w, status, "injected", "injected failure after apply", getCorrelationID(r))
		return
	}
	s.writeReplay(w, rec)
}

func (s *Server) writeReplay(w http.ResponseWriter, rec replay) {
	if rec.etag != "" {
		w.Header().Set(collection.HeaderETag, rec.etag)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rec.status)
	_, _ = w.Write(rec.body)
}

func (s *Server) decodeInput(w http.ResponseWriter, r *http.Request) (collection.RecordInput, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return collection.RecordInput{}, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return collection.RecordInput{}, false
	}
	if err := collection.ValidateInputJSON(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), getCorrelationID(r))
		return collection.RecordInput{}, false
	}
	var in collection.RecordInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return collection.RecordInput{}, false
	}
	return in, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := storeErrorStatus(err)
	if status >= 500 {
		s.logger.Error("store failure", zap.Error(err))
	}
	writeError(w, status, code, err.Error(), getCorrelationID(r))
}

func storeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "precondition_failed"
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	}
	return http.StatusInternalServerError, "internal"
}

func listQueryFromRequest(r *http.Request, defaultSort, defaultOrder string) ListQuery {
	values := r.URL.Query()
	q := ListQuery{
		Query:      values.Get("q"),
		Topic:      values.Get("topic"),
		Difficulty: values.Get("difficulty"),
		Status:     values.Get("status"),
		SortBy:     values.Get("sort_by"),
		Order:      values.Get("order"),
		Cursor:     values.Get("cursor"),
	}
	q.TopicID, _ = strconv.ParseInt(values.Get("topic_id"), 10, 64)
	q.Page, _ = strconv.Atoi(values.Get("page"))
	q.PageSize, _ = strconv.Atoi(values.Get("page_size"))
	if q.PageSize > 500 {
		q.PageSize = 500
	}
	if q.SortBy == "" {
		q.SortBy = defaultSort
	}
	if q.Order == "" {
		q.Order = defaultOrder
	}
	return q
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "not_found", "unknown question id", getCorrelationID(r))
		return 0, false
	}
	return id, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(collection.HeaderCorrelationID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
