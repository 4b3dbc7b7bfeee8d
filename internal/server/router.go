package server

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/sync/semaphore"

	"github.com/latticehq/tenantgate/internal/database"
	"github.com/latticehq/tenantgate/internal/gateway"
	"github.com/latticehq/tenantgate/internal/middleware"
	"github.com/latticehq/tenantgate/internal/platform"
)

// Executor is the scoped data-access surface the handlers run against.
type Executor interface {
	Rows(ctx context.Context, q database.RowQuery) ([]map[string]interface{}, error)
	Raw(ctx context.Context, schema, sql string) ([]map[string]interface{}, error)
}

// AuditLogger records security-relevant events.
type AuditLogger interface {
	Log(ctx context.Context, ev platform.Event, r *http.Request)
}

// Pinger is the health-check surface of the platform pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the gateway components behind the HTTP surface.
type Server struct {
	mux      *http.ServeMux
	resolver *gateway.Resolver
	guard    *gateway.Guard
	registry *gateway.Registry
	filter   gateway.StatementFilter
	tracker  *gateway.Tracker
	executor Executor
	audit    AuditLogger

	auth       *middleware.Auth
	apiLimiter *middleware.RateLimiter // per-IP, in front of identity resolution

	// querySem bounds concurrent raw statements so a burst of expensive SQL
	// cannot exhaust the shared pool.
	querySem *semaphore.Weighted

	platformDB Pinger
}

func New(
	resolver *gateway.Resolver,
	guard *gateway.Guard,
	registry *gateway.Registry,
	filter gateway.StatementFilter,
	tracker *gateway.Tracker,
	executor Executor,
	audit AuditLogger,
	platformDB Pinger,
	queryMaxConcurrent int,
) *Server {
	if queryMaxConcurrent <= 0 {
		queryMaxConcurrent = 32
	}
	s := &Server{
		mux:        http.NewServeMux(),
		resolver:   resolver,
		guard:      guard,
		registry:   registry,
		filter:     filter,
		tracker:    tracker,
		executor:   executor,
		audit:      audit,
		auth:       middleware.NewAuth(resolver),
		apiLimiter: middleware.NewRateLimiter(30, 60), // 30 req/s, burst 60
		querySem:   semaphore.NewWeighted(int64(queryMaxConcurrent)),
		platformDB: platformDB,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return securityHeaders(middleware.RequestID(s.mux))
}

func (s *Server) registerRoutes() {
	// Health check with DB ping
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.platformDB.Ping(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unreachable"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	// Tenant data surface (rate-limited, authenticated)
	s.mux.Handle("GET /v1/verify", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleVerify))))
	s.mux.Handle("GET /v1/tables", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleListTables))))
	s.mux.Handle("GET /v1/rows", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleRows))))
	s.mux.Handle("POST /v1/query", s.apiLimiter.Middleware(maxBody(s.auth.Middleware(http.HandlerFunc(s.handleQuery)), 1<<20)))
	s.mux.Handle("GET /v1/usage", s.apiLimiter.Middleware(s.auth.Middleware(http.HandlerFunc(s.handleUsage))))
}

// securityHeaders adds security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

// maxBody caps the request body size.
func maxBody(next http.Handler, limit int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next.ServeHTTP(w, r)
	})
}
