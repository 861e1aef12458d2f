package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"tradegate/deal"
	"tradegate/ledger"
	"tradegate/observability"
	"tradegate/storage"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	requestTimeout       = 60 * time.Second
)

// Server is the HTTP front-end for deal settlement.
type Server struct {
	engine *deal.Engine
	auth   *Authenticator
	store  *storage.Store
	log    *slog.Logger
	nowFn  func() time.Time

	ratePerSecond rate.Limit
	rateBurst     int
	limiterMu     sync.Mutex
	limiters      map[string]*rate.Limiter

	dealMu    sync.Mutex
	dealLocks map[string]*sync.Mutex
}

// ServerOption customises Server construction.
type ServerOption func(*Server)

// WithRateLimit sets the per-client request rate.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond > 0 {
			s.ratePerSecond = rate.Limit(perSecond)
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithServerLogger overrides the request logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithServerClock overrides the time source, used by tests.
func WithServerClock(nowFn func() time.Time) ServerOption {
	return func(s *Server) {
		if nowFn != nil {
			s.nowFn = nowFn
		}
	}
}

func NewServer(engine *deal.Engine, auth *Authenticator, store *storage.Store, opts ...ServerOption) (*Server, error) {
	if engine == nil {
		return nil, errors.New("gateway: engine required")
	}
	if auth == nil {
		return nil, errors.New("gateway: authenticator required")
	}
	if store == nil {
		return nil, errors.New("gateway: store required")
	}
	s := &Server{
		engine:        engine,
		auth:          auth,
		store:         store,
		log:           slog.Default().With("component", "gateway"),
		nowFn:         time.Now,
		ratePerSecond: 10,
		rateBurst:     20,
		limiters:      make(map[string]*rate.Limiter),
		dealLocks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router assembles the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.observe)
		r.Post("/wallets", s.authenticated(s.handleCreateWallet))
		r.Post("/participants/verify", s.authenticated(s.handleVerifyParticipant))
		r.Get("/participants", s.authenticated(s.handleListParticipants))
		r.Post("/deals", s.authenticated(s.handleCreateDeal))
		r.Post("/deals/{id}/fund", s.authenticated(s.withDealLock(s.handleFundDeal)))
		r.Post("/deals/{id}/milestones/{index}/verify", s.authenticated(s.withDealLock(s.handleVerifyMilestone)))
		r.Post("/deals/{id}/milestones/{index}/release", s.authenticated(s.withDealLock(s.handleReleaseMilestone)))
		r.Post("/deals/{id}/dispute", s.authenticated(s.withDealLock(s.handleDisputeDeal)))
		r.Post("/deals/{id}/cancel", s.authenticated(s.withDealLock(s.handleCancelDeal)))
		r.Get("/deals", s.authenticated(s.handleListDeals))
		r.Get("/deals/{id}", s.authenticated(s.handleGetDeal))
		r.Get("/deals/{id}/history", s.authenticated(s.handleDealHistory))
		r.Get("/wallets/{id}/history", s.authenticated(s.handleWalletHistory))
		r.Get("/escrows/{owner}/{sequence}", s.authenticated(s.handleEscrowStatus))
	})
	return otelhttp.NewHandler(r, "tradegate-gateway")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authedHandler runs after authentication with the request body already read.
type authedHandler func(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte)

func (s *Server) authenticated(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
		if err != nil {
			writeErrorBody(w, http.StatusBadRequest, "unreadable request body")
			return
		}
		principal, err := s.auth.Authenticate(r, body)
		if err != nil {
			observability.Gateway().RecordThrottle(routePattern(r), "auth")
			writeErrorBody(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !s.limiterFor(principal.APIKey).Allow() {
			observability.Gateway().RecordThrottle(routePattern(r), "rate")
			writeErrorBody(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		var rw *recordingWriter
		if r.Method != http.MethodGet {
			if done := s.replayIdempotent(w, r, principal, body); done {
				return
			}
			rw = &recordingWriter{ResponseWriter: w, server: s, request: r, principal: principal, body: body}
			w = rw
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		next(w, r.WithContext(ctx), principal, body)
		if rw != nil {
			rw.save()
		}
	}
}

// replayIdempotent serves a cached response when the idempotency key was seen
// before. Mutating requests without a key are rejected.
func (s *Server) replayIdempotent(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) bool {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		writeErrorBody(w, http.StatusBadRequest, "missing Idempotency-Key header")
		return true
	}
	requestHash := hashRequest(r.Method, CanonicalRequestPath(r), body)
	cached, err := s.store.LookupIdempotency(r.Context(), principal.APIKey, key, requestHash)
	if err != nil {
		if errors.Is(err, storage.ErrIdempotencyMismatch) {
			writeErrorBody(w, http.StatusConflict, "idempotency key reused with a different request")
			return true
		}
		writeErrorBody(w, http.StatusInternalServerError, "idempotency lookup failed")
		return true
	}
	if cached != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(cached.Status)
		_, _ = w.Write(cached.Body)
		return true
	}
	return false
}

// recordingWriter captures the response so it can be replayed for the same
// idempotency key.
type recordingWriter struct {
	http.ResponseWriter
	server    *Server
	request   *http.Request
	principal *Principal
	body      []byte

	status int
	buf    []byte
	saved  bool
}

func (rw *recordingWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *recordingWriter) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	rw.buf = append(rw.buf, p...)
	return rw.ResponseWriter.Write(p)
}

// save runs once after the handler returns, so multi-chunk bodies are cached
// whole.
func (rw *recordingWriter) save() {
	if rw.saved || rw.status == 0 || rw.status >= http.StatusInternalServerError {
		return
	}
	rw.saved = true
	key := strings.TrimSpace(rw.request.Header.Get(headerIdempotencyKey))
	requestHash := hashRequest(rw.request.Method, CanonicalRequestPath(rw.request), rw.body)
	if err := rw.server.store.SaveIdempotency(rw.request.Context(), rw.principal.APIKey, key, requestHash, rw.status, rw.buf); err != nil {
		rw.server.log.Warn("failed to cache idempotent response", "error", err)
	}
}

func (s *Server) limiterFor(apiKey string) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	limiter, ok := s.limiters[apiKey]
	if !ok {
		limiter = rate.NewLimiter(s.ratePerSecond, s.rateBurst)
		s.limiters[apiKey] = limiter
	}
	return limiter
}

// withDealLock serialises mutating operations per deal. The settlement engine
// requires at most one in-flight mutation per deal.
func (s *Server) withDealLock(next authedHandler) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, principal *Principal, body []byte) {
		id := chi.URLParam(r, "id")
		mu := s.dealLock(id)
		mu.Lock()
		defer mu.Unlock()
		next(w, r, principal, body)
	}
}

func (s *Server) dealLock(id string) *sync.Mutex {
	s.dealMu.Lock()
	defer s.dealMu.Unlock()
	mu, ok := s.dealLocks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.dealLocks[id] = mu
	}
	return mu
}

// observe records request metrics per route.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.nowFn()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		observability.Gateway().Observe(routePattern(r), sw.status(), s.nowFn().Sub(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(status int) {
	w.code = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErrorBody(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps engine errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	payload := map[string]string{"error": err.Error(), "kind": deal.Kind(err)}
	switch deal.Kind(err) {
	case deal.KindValidation:
		status = http.StatusBadRequest
	case deal.KindNotFound:
		status = http.StatusNotFound
	case deal.KindPrecondition:
		status = http.StatusConflict
	case deal.KindLedgerRejected:
		status = http.StatusBadGateway
		var rejected *ledger.RejectedError
		if errors.As(err, &rejected) {
			payload["code"] = rejected.Code
		}
	case deal.KindLedgerUnavailable:
		status = http.StatusServiceUnavailable
	case deal.KindKeyMissing:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, payload)
}

func dealPathIndex(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, errors.New("invalid milestone index")
	}
	return index, nil
}
