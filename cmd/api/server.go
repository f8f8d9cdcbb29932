package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tellbrandz/appeal"
	"tellbrandz/auth"
	"tellbrandz/brand"
	"tellbrandz/notification"
	"tellbrandz/resolution"
	"tellbrandz/tell"
	"tellbrandz/telemetry"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

const maxBodyBytes = 1 << 20

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (auth.Identity, error)
}

type tellService interface {
	Create(ctx context.Context, params tell.CreateParams) (tell.Tell, error)
	GetVisible(ctx context.Context, id, viewerID string, admin bool) (tell.Tell, error)
	List(ctx context.Context, filters tell.Filters) (tell.ListResult, error)
	SetHidden(ctx context.Context, id string, hidden bool) (tell.Tell, error)
}

type resolutionEngine interface {
	Get(ctx context.Context, tellID string) (resolution.TellRef, resolution.Case, error)
	History(ctx context.Context, tellID string) ([]resolution.Event, error)
	SubmitBrandResponse(ctx context.Context, tellID, actorID, text string) (resolution.Case, error)
	RecordCustomerConsent(ctx context.Context, tellID, actorID string, satisfied bool, feedback *string) (resolution.Case, error)
	InitiatePayment(ctx context.Context, tellID, actorID, email string) (resolution.PaymentSession, error)
	ConfirmPayment(ctx context.Context, tellID, actorID, paymentReference string) (resolution.Case, error)
	CancelPayment(ctx context.Context, tellID, actorID string) (resolution.Case, error)
	HandlePaymentConfirmed(ctx context.Context, conf resolution.PaymentConfirmation) (resolution.Case, error)
}

type signatureVerifier interface {
	VerifySignature(body []byte, signature string) bool
}

type notificationService interface {
	List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]notification.Notification, error)
	MarkRead(ctx context.Context, userID, id string) (notification.Notification, error)
}

type appealService interface {
	List(ctx context.Context, actorID string, admin bool, status appeal.Status) ([]appeal.Record, error)
	Create(ctx context.Context, authorID, tellID, reason string) (appeal.Record, error)
	Resolve(ctx context.Context, params appeal.ResolveParams) (appeal.Record, error)
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Server holds the HTTP handlers and the services they call.
type Server struct {
	authService         authService
	brandService        *brand.Service
	tellService         tellService
	engine              resolutionEngine
	webhooks            signatureVerifier
	notificationService notificationService
	appealService       appealService
	health              []healthChecker

	logger   *zap.Logger
	metrics  *telemetry.Metrics
	registry *prometheus.Registry
	limiter  *limiterPool
}

// routes builds the router. Everything under /api except register and login
// requires a bearer token.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/webhooks/payment", s.handlePaymentWebhook).Methods(http.MethodPost)

	public := r.PathPrefix("/api/auth").Subrouter()
	public.Use(s.rateLimitByAddr)
	public.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	public.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authenticate, s.rateLimitByActor)
	api.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)

	api.HandleFunc("/brands", s.handleBrands).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/brands/{id}", s.handleBrand).Methods(http.MethodGet)
	api.HandleFunc("/brands/{id}/members", s.handleAddBrandMember).Methods(http.MethodPost)

	api.HandleFunc("/tells", s.handleTells).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/tells/{id}", s.handleTell).Methods(http.MethodGet)
	api.HandleFunc("/tells/{id}/visibility", s.handleTellVisibility).Methods(http.MethodPatch)

	api.HandleFunc("/tells/{id}/resolution", s.handleResolution).Methods(http.MethodGet)
	api.HandleFunc("/tells/{id}/resolution/history", s.handleResolutionHistory).Methods(http.MethodGet)
	api.HandleFunc("/tells/{id}/resolution/response", s.handleSubmitResponse).Methods(http.MethodPost)
	api.HandleFunc("/tells/{id}/resolution/consent", s.handleConsent).Methods(http.MethodPost)
	api.HandleFunc("/tells/{id}/resolution/payment", s.handleInitiatePayment).Methods(http.MethodPost)
	api.HandleFunc("/tells/{id}/resolution/payment/confirm", s.handleConfirmPayment).Methods(http.MethodPost)
	api.HandleFunc("/tells/{id}/resolution/payment/cancel", s.handleCancelPayment).Methods(http.MethodPost)

	api.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)
	api.HandleFunc("/notifications/{id}/read", s.handleMarkNotificationRead).Methods(http.MethodPost)

	api.HandleFunc("/appeals", s.handleAppeals).Methods(http.MethodGet, http.MethodPost)
	api.HandleFunc("/appeals/{id}", s.handleAppealDetail).Methods(http.MethodPatch)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", false)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found", false)
	})

	return otelhttp.NewHandler(r, "tellbrandz.http")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	for _, h := range s.health {
		if err := h.HealthCheck(r.Context()); err != nil {
			s.log().Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token", false)
			return
		}
		identity, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid or expired token", false)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, identity.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, identity.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) rateLimitByActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow("user:"+userIDFromContext(r.Context())) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", true)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitByAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow("addr:"+clientAddr(r)) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", true)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// observe logs each request and counts it by route template.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.ObserveRequest(route, strconv.Itoa(sw.status))
		s.log().Info("http request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// limiterIdleTTL is how long an unused bucket is kept before it is dropped.
const limiterIdleTTL = 10 * time.Minute

// limiterPool keeps one token bucket per key. Buckets unused for longer than
// idle are swept, so the pool stays bounded by the active clients.
type limiterPool struct {
	mu        sync.Mutex
	m         map[string]*limiterEntry
	rps       float64
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	idle := limiterIdleTTL
	// A bucket must not be dropped before it could have refilled.
	if rps > 0 {
		if refill := time.Duration(float64(burst) / rps * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &limiterPool{
		m:     make(map[string]*limiterEntry),
		rps:   rps,
		burst: burst,
		idle:  idle,
		now:   time.Now,
	}
}

func (p *limiterPool) Allow(key string) bool {
	now := p.now()
	p.mu.Lock()
	if now.Sub(p.lastSweep) >= p.idle {
		p.sweep(now)
	}
	e, ok := p.m[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(p.rps), p.burst)}
		p.m[key] = e
	}
	e.lastSeen = now
	p.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// sweep drops idle buckets. Callers hold p.mu.
func (p *limiterPool) sweep(now time.Time) {
	for key, e := range p.m {
		if now.Sub(e.lastSeen) >= p.idle {
			delete(p.m, key)
		}
	}
	p.lastSweep = now
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.m)
}

func userIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyUserID).(string)
	return v
}

func roleFromContext(ctx context.Context) auth.Role {
	v, _ := ctx.Value(ctxKeyRole).(auth.Role)
	return v
}

func clientAddr(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
