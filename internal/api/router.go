package api

import (
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

type ServerOptions struct {
	EnableAdminHealth bool
	EnablePprof       bool
	// AdminAllowedCIDRs guards /admin and /debug/pprof. Empty means loopback only.
	AdminAllowedCIDRs []string
	// TrustedProxyCIDRs may set X-Forwarded-For. Empty means loopback only.
	TrustedProxyCIDRs   []string
	MaxWebhookBodyBytes int64
	// Registerer receives the HTTP metrics; nil uses the default registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

type Server struct {
	db       database.DB
	webhooks *service.WebhookPipeline
	queue    *jobs.Queue
	execLog  *service.ExecutionLog
	mux      *http.ServeMux
	handler  http.Handler
	logger   *slog.Logger

	clientIPs      clientIPResolver
	operators      operatorGuard
	maxWebhookBody int64
	metrics        *httpMetrics
	gatherer       prometheus.Gatherer
	opts           ServerOptions
}

func NewServer(db database.DB, webhooks *service.WebhookPipeline, queue *jobs.Queue, execLog *service.ExecutionLog) *Server {
	return NewServerWithOptions(db, webhooks, queue, execLog, ServerOptions{})
}

func NewServerWithOptions(db database.DB, webhooks *service.WebhookPipeline, queue *jobs.Queue, execLog *service.ExecutionLog, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxWebhookBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxWebhookBodyBytes
	}
	metrics := getDefaultHTTPMetrics()
	if opts.Registerer != nil {
		metrics = newHTTPMetrics(opts.Registerer)
	}

	s := &Server{
		db:             db,
		webhooks:       webhooks,
		queue:          queue,
		execLog:        execLog,
		mux:            http.NewServeMux(),
		logger:         logger,
		clientIPs:      newClientIPResolver(opts.TrustedProxyCIDRs),
		maxWebhookBody: maxBody,
		metrics:        metrics,
		gatherer:       opts.Gatherer,
		opts:           opts,
	}
	s.operators = newOperatorGuard(opts.AdminAllowedCIDRs, s.clientIPs.clientIPFromRequest)
	s.routes()
	s.handler = chainMiddleware(s.mux,
		requestTracingMiddleware,
		func(next http.Handler) http.Handler { return requestMetricsMiddleware(metrics, next) },
		func(next http.Handler) http.Handler { return requestLoggingMiddleware(logger, next) },
		func(next http.Handler) http.Handler { return requestBodyLimitMiddleware(maxBody, next) },
	)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", metricsHandler(s.gatherer))

	// Platform deliveries
	s.mux.HandleFunc("POST /webhooks/{platform}", s.handleReceiveWebhook)

	operatorRoutes := map[string]http.HandlerFunc{}
	if s.opts.EnableAdminHealth {
		operatorRoutes["GET /admin/health"] = s.handleAdminHealth
		operatorRoutes["GET /admin/webhooks/{id}"] = s.handleGetWebhookEvent
		operatorRoutes["GET /admin/batches"] = s.handleListBatches
		operatorRoutes["GET /admin/batches/{batch_id}"] = s.handleGetBatch
	}
	if s.opts.EnablePprof {
		operatorRoutes["GET /debug/pprof/"] = pprof.Index
		operatorRoutes["GET /debug/pprof/cmdline"] = pprof.Cmdline
		operatorRoutes["GET /debug/pprof/profile"] = pprof.Profile
		operatorRoutes["GET /debug/pprof/symbol"] = pprof.Symbol
		operatorRoutes["POST /debug/pprof/symbol"] = pprof.Symbol
		operatorRoutes["GET /debug/pprof/trace"] = pprof.Trace
		operatorRoutes["GET /debug/pprof/{profile}"] = servePprofProfile
	}
	for pattern, h := range operatorRoutes {
		s.mux.Handle(pattern, s.operators.protect(h))
	}
}

// servePprofProfile serves a named runtime profile such as heap or goroutine.
func servePprofProfile(w http.ResponseWriter, r *http.Request) {
	pprof.Handler(r.PathValue("profile")).ServeHTTP(w, r)
}

type middlewareFunc func(http.Handler) http.Handler

// chainMiddleware wraps h so the first middleware is outermost.
func chainMiddleware(h http.Handler, middleware ...middlewareFunc) http.Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
