package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"github.com/Vleonone/aeonsage-sub000/pkg/approvals"
	"github.com/Vleonone/aeonsage-sub000/pkg/audit"
	"github.com/Vleonone/aeonsage-sub000/pkg/auth"
	"github.com/Vleonone/aeonsage-sub000/pkg/gates"
	"github.com/Vleonone/aeonsage-sub000/pkg/hardening"
	"github.com/Vleonone/aeonsage-sub000/pkg/httpx"
	"github.com/Vleonone/aeonsage-sub000/pkg/killswitch"
	"github.com/Vleonone/aeonsage-sub000/pkg/metrics"
	"github.com/Vleonone/aeonsage-sub000/pkg/policydoc"
	"github.com/Vleonone/aeonsage-sub000/pkg/policyeval"
	"github.com/Vleonone/aeonsage-sub000/pkg/ratelimit"
	"github.com/Vleonone/aeonsage-sub000/pkg/statebus"
	"github.com/Vleonone/aeonsage-sub000/pkg/store"
	"github.com/Vleonone/aeonsage-sub000/pkg/stream"
	"github.com/Vleonone/aeonsage-sub000/pkg/telemetry"
)

// Server holds every component of the policy gateway. Handlers hang off it
// so tests can build an isolated instance with in-memory backends.
type Server struct {
	Cache   store.Cache
	Docs    *policydoc.Store
	Gates   *gates.Registry
	Queue   *approvals.Queue
	Kill    *killswitch.Controller
	Eval    *policyeval.Evaluator
	Audit   auditStore
	Bus     statebus.Publisher
	Events  *stream.Hub
	Metrics *metrics.Registry

	RateLimiter        ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerMinute int

	AuthMode      string
	AuthSecret    string
	InternalToken string
	SweepInterval time.Duration
	MetricsPeriod time.Duration
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, decisionID string) (audit.Record, error)
	Recent(ctx context.Context, target string, limit int) ([]audit.Record, error)
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, serviceName string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.sweepApprovalsLoop(context.Background())
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()

	authMode := env("AUTH_MODE", "off")
	authSecret := env("AUTH_SECRET", "")
	internalToken := env("INTERNAL_CONTROL_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "gateway",
		Environment:        env("ENVIRONMENT", "dev"),
		StrictProdSecurity: env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		AuthMode:           authMode,
		RequiredSecrets: []hardening.EnvRequirement{
			{Name: "AUTH_SECRET", Value: authSecret},
			{Name: "INTERNAL_CONTROL_TOKEN", Value: internalToken},
		},
	}); err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	docs := policydoc.NewStore(
		policydoc.NewPostgresPersister(pool),
		policydoc.WithSaveTimeout(envDurationSec("POLICY_SAVE_TIMEOUT_SEC", 5)),
	)
	registry := gates.NewRegistry(docs)
	queue := approvals.NewQueue(
		envDurationSec("APPROVAL_TTL_SEC", 300),
		approvals.WithRetention(envDurationSec("APPROVAL_RETENTION_SEC", 3600)),
	)
	kill := killswitch.New(ctx, cache)
	eval := policyeval.New(kill, registry, docs, queue)

	var bus statebus.Publisher = statebus.NopPublisher{}
	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		pub, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: brokers,
			Topic:   env("KAFKA_DECISIONS_TOPIC", "aeonsage.decisions"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer pub.Close()
		bus = pub
	}

	rateLimitWindow := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
	} else {
		limiter = ratelimit.NewInMemory(rateLimitWindow)
	}

	s := &Server{
		Cache:   cache,
		Docs:    docs,
		Gates:   registry,
		Queue:   queue,
		Kill:    kill,
		Eval:    eval,
		Audit:   &audit.Writer{DB: pool, HashSalt: []byte(env("AUDIT_HASH_SALT", "")), Redact: env("AUDIT_REDACT", "false") == "true"},
		Bus:     bus,
		Events:  stream.NewHub(),
		Metrics: metrics.NewRegistry(),

		RateLimiter:        limiter,
		RateLimitEnabled:   env("RATE_LIMIT_ENABLED", "true") == "true",
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 120),

		AuthMode:      authMode,
		AuthSecret:    authSecret,
		InternalToken: internalToken,
		SweepInterval: envDurationSec("APPROVAL_SWEEP_INTERVAL_SEC", 5),
		MetricsPeriod: envDurationSec("METRICS_PERIOD_SEC", 15),
	}

	r := s.routes()
	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.Metrics.Middleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(httpx.BodyLimitMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	authRouter.With(auth.RequireRole(auth.RoleAgent)).Post("/v1/operations", s.handleSubmitOperation)

	authRouter.Group(func(op chi.Router) {
		op.Use(auth.RequireRole(auth.RoleOperator))
		op.Get("/v1/approvals", s.handleListApprovals)
		op.Get("/v1/approvals/{request_id}", s.handleGetApproval)
		op.Post("/v1/approvals/{request_id}/decision", s.handleDecideApproval)
		op.Get("/v1/gates", s.handleListGates)
		op.Post("/v1/gates/{gate_id}/enabled", s.handleSetGateEnabled)
		op.Post("/v1/gates/{gate_id}/action", s.handleSetGateAction)
		op.Get("/v1/policy/{target}", s.handleGetPolicyDocument)
		op.Post("/v1/policy/{target}/patch", s.handlePatchPolicyDocument)
		op.Post("/v1/policy/{target}/remove", s.handleRemovePolicyPath)
		op.Post("/v1/policy/{target}/save", s.handleSavePolicyDocument)
		op.Post("/v1/policy/{target}/allowlist/remove", s.handleRemoveAllowRule)
		op.Get("/v1/audit/{decision_id}", s.handleGetAudit)
		op.Get("/v1/audit", s.handleRecentAudit)
		op.Get("/v1/stream", s.streamEvents)
	})

	// Activation stays broad on purpose: anyone who can reach the gateway
	// can stop it.
	authRouter.Post("/v1/killswitch/activate", s.handleKillSwitchActivate)
	authRouter.Get("/v1/killswitch", s.handleKillSwitchStatus)

	// Resume lives on a separate control path guarded by a deployment-local
	// token, never by the operator bearer flow.
	r.Route("/v1/control", func(ctl chi.Router) {
		ctl.Use(auth.InternalTokenOnly(s.InternalToken))
		ctl.Post("/killswitch/resume", s.handleKillSwitchResume)
	})

	r.Mount("/", authRouter)
	return r
}

// sweepApprovalsLoop expires overdue requests on a fixed interval so a
// request with no attached decision surface still fails closed on time.
func (s *Server) sweepApprovalsLoop(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepApprovalsOnce(ctx)
		}
	}
}

func (s *Server) sweepApprovalsOnce(ctx context.Context) {
	for _, req := range s.Queue.SweepExpired() {
		s.Metrics.IncApprovalState(string(approvals.StatusExpired))
		s.Events.Publish(stream.NewEvent(stream.EventApprovalExpired, req))
		s.appendAudit(ctx, auditRecordFor(req, "deny", "APPROVAL_EXPIRED", ""))
		evt := statebus.NewDecisionEvent(stream.EventApprovalExpired, targetKeyForHost(req.Host))
		evt.AgentID = req.AgentID
		evt.RequestID = req.ID
		evt.Verdict = "deny"
		evt.Reason = "APPROVAL_EXPIRED"
		s.publishBus(ctx, evt)
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	period := s.MetricsPeriod
	if period <= 0 {
		period = 15 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Metrics.SetGauge("approvals_pending", float64(len(s.Queue.Pending())))
			s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
			killed := 0.0
			if s.Kill.Active() {
				killed = 1
			}
			s.Metrics.SetGauge("kill_switch_active", killed)
		}
	}
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
