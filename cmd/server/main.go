// Sentinel triages cybersecurity news: keyword and LLM relevancy scoring,
// automated publish/review/drop routing, and a human review queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article/memstore"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/article/pgstore"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/authmw"
	sc "github.com/Virgo-Alpha/Sentinel-sub001/internal/cfg"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/dedup"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/escalation"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/events"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/guardrail"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/keywords"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/llm/claude"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/notify/slack"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/opx"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/policy"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/postgres"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/review"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/reviewapi"
	"github.com/Virgo-Alpha/Sentinel-sub001/internal/triage"
)

const (
	appName   = "sentinel"
	component = "server"
	envPrefix = "SENTINEL_"

	// ingest payloads carry full article bodies and batches up to 100 decisions
	maxRequestBody = 1 << 20
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

// configs bundles every flag-backed config struct in the process.
type configs struct {
	app    sc.Config
	http   httpserver.Config
	httpmw httpmw.Config
	log    log.Config
	ops    opshttp.Config
	prof   prof.Config
	trace  otelx.Config
}

func (c *configs) register(fs *flag.FlagSet) {
	c.app.RegisterFlags(fs)
	c.http.RegisterFlags(fs)
	c.httpmw.RegisterFlags(fs)
	c.log.RegisterFlags(fs)
	c.ops.RegisterFlags(fs)
	c.prof.RegisterFlags(fs)
	c.trace.RegisterFlags(fs)
}

func (c *configs) validate() error {
	if err := errors.Join(
		c.app.Validate(),
		c.http.Validate(),
		c.httpmw.Validate(),
		c.log.Validate(),
		c.ops.Validate(),
		c.prof.Validate(),
		c.trace.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.app.APIPort == c.ops.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", c.app.APIPort)
	}
	return nil
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	var c configs
	c.register(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline first; env and .env only fill flags left unset
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	if err := loadEnvFile(c.app.EnvFile); err != nil {
		return err
	}
	cfg.FillFromEnv(flag.CommandLine, envPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := c.validate(); err != nil {
		return err
	}

	pol, err := policy.Load(c.app.PolicyFile)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	tokens, err := c.app.Tokens()
	if err != nil {
		return fmt.Errorf("api tokens: %w", err)
	}

	lg, err := log.New(c.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", c.app.APIPort,
		"admin_port", c.ops.Port,
		"enable_pyroscope", c.prof.EnablePyroscope,
		"enable_tracing", c.trace.EnableTracing,
		"policy_file", c.app.PolicyFile,
		"keyword_categories", len(pol.Keywords.Categories),
		"auto_publish_threshold", pol.Triage.Thresholds.AutoPublish,
		"review_threshold", pol.Triage.Thresholds.Review,
		"reviewers", len(tokens),
		"llm_model", c.app.ClaudeModel,
		"llm_max_attempts", c.app.LLMMaxAttempts,
	)

	profiling, stopTelemetry := startTelemetry(ctx, L, &c, map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	})
	defer stopTelemetry()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profiling)
	observeDBQueries(m.Registry())

	store, closeStore, err := openStore(ctx, &c.app, L)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := buildPipeline(ctx, L, &c.app, pol, store, m.Registry())

	// readiness flips to draining on the first signal so load balancers stop routing here
	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	api := reviewapi.New(L, reviewapi.Deps{
		Triage:    svc.triage,
		Decisions: svc.decisions,
		Queue:     svc.queue,
		Priority:  svc.priority,
		Auth:      authmw.BearerTokens(tokens),
	})
	clientIP := httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: c.httpmw.TrustedProxyHops})
	h := buildHandler(L, m.Middleware, clientIP, func(r chi.Router) {
		r.Get("/-/healthy", health.HealthzHandler(liveness))
		r.Get("/-/ready", health.ReadyzHandler(readiness))
		api.RegisterRoutes(r)
	})

	apiOpts, err := c.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		_ = opsHTTPStop(context.Background())
		return err
	}
	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", c.app.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		_ = opsHTTPStop(context.Background())
		return err
	}

	if err := notifySystemd(); err != nil {
		// not fatal; systemd falls back to its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")
	drain(L, time.Duration(c.app.DrainSeconds)*time.Second)

	shutdown(L, time.Duration(c.app.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	})
	L.Info(context.Background(), "shutdown complete")
	return nil
}

// startTelemetry starts pyroscope and OTel tracing. When both are running,
// spans carry profile IDs. It reports whether profiling is active and returns
// a func that flushes both.
func startTelemetry(ctx context.Context, L log.Logger, c *configs, profTags map[string]string) (bool, func()) {
	profOpts := c.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = profTags
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}
	profiling := profErr == nil && c.prof.EnablePyroscope

	traceOpts := c.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	if profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	return profiling, func() {
		if shutdownOtelx != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := shutdownOtelx(ctx); err != nil {
				L.Error(ctx, err, "otel shutdown")
			}
			cancel()
		}
		if stopProf != nil {
			stopProf()
		}
	}
}

// observeDBQueries registers the per-query histogram and points the
// postgres tracer at it.
func observeDBQueries(reg prometheus.Registerer) {
	dur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	reg.MustRegister(dur)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, d time.Duration) {
			dur.WithLabelValues(method, route, outcome).Observe(d.Seconds())
		},
	))
}

// openStore returns Postgres when a database URL is configured and the
// in-memory store otherwise. The returned close func is never nil.
func openStore(ctx context.Context, appCfg *sc.Config, L log.Logger) (article.Store, func(), error) {
	if appCfg.DatabaseURL == "" {
		L.Warn(ctx, "no database-url configured, articles are kept in memory only")
		return memstore.New(), func() {}, nil
	}

	pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL,
		postgres.WithMaxConns(int32(appCfg.DBMaxConns)), //nolint:gosec // validated >= 0
		postgres.WithSlowQueryThreshold(appCfg.SlowQuery()),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	st, err := pgstore.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pgstore init: %w", err)
	}
	L.Info(ctx, "using postgres store", "max_conns", pool.Config().MaxConns)
	return st, st.Close, nil
}

type services struct {
	triage    *triage.Service
	decisions *review.Processor
	queue     *escalation.Manager
	priority  *escalation.PriorityCalculator
}

// buildPipeline wires the triage pipeline and the review side onto store.
func buildPipeline(ctx context.Context, L log.Logger, appCfg *sc.Config, pol policy.Policy, store article.Store, reg prometheus.Registerer) services {
	triageMetrics := triage.NewMetrics(reg)
	reviewMetrics := review.NewMetrics(reg)

	evaluator := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel,
		claude.WithHTTPClient(&http.Client{
			// per-attempt deadline comes from the service; this only catches a stuck transport
			Timeout:   appCfg.ClaudeTimeout() + 5*time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)

	// interfaces stay nil without a webhook so both managers skip notices
	var (
		escalationNotifier  escalation.Notifier
		publicationNotifier review.PublicationNotifier
	)
	if appCfg.SlackWebhookURL != "" {
		n := slack.New(appCfg.SlackWebhookURL, L)
		escalationNotifier, publicationNotifier = n, n
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	publisher := events.NewLogPublisher(L)
	priority := escalation.NewPriorityCalculator(pol.Priority, nil)
	queue := escalation.NewManager(store, escalationNotifier, L,
		escalation.WithHooks(triageMetrics.EscalationHooks()),
	)

	triageSvc := triage.NewService(triage.Deps{
		Store:     store,
		Matcher:   keywords.NewMatcher(pol.Keywords),
		Extractor: evaluator,
		Dedup:     dedup.New(store, pol.Dedup, nil),
		Guardrail: guardrail.New(pol.Guardrail),
		Engine:    triage.NewEngine(pol.Triage.Thresholds, pol.Triage.Fusion),
		Priority:  priority,
		Escalator: queue,
		Publisher: publisher,
	}, L,
		triage.WithHooks(triageMetrics.Hooks()),
		triage.WithLLMTimeout(appCfg.ClaudeTimeout()),
		triage.WithRetry(opx.RetryConfig{
			MaxTries:   uint(appCfg.LLMMaxAttempts), //nolint:gosec // validated 1..10
			MaxElapsed: 3 * appCfg.ClaudeTimeout(),
		}),
	)

	processor := review.NewProcessor(store,
		review.NewAuditTrailManager(store, nil),
		review.NewDownstreamActionManager(publisher, publicationNotifier, L),
		L,
		review.WithHooks(reviewMetrics.Hooks()),
	)

	return services{triage: triageSvc, decisions: processor, queue: queue, priority: priority}
}

// buildHandler assembles the public listener around the routes mount
// registers. The first wrappers applied run innermost: chi middleware sees
// the routed request, the outer stack sees the raw one.
func buildHandler(L log.Logger, metricsMW, clientIP func(http.Handler) http.Handler, mount func(chi.Router)) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(dbStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	mount(r)

	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// renamed to the chi pattern once routing resolves
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = metricsMW(h)
	h = clientIP(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)
	return h
}

// dbStats labels queries with the request method and collects per-request
// query counts for the access log.
func dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.NewReqDBStatsContext(postgres.WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// drain waits out the drain period so in-flight requests finish while
// readiness reports draining. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	L.Info(context.Background(), "draining", "drain_seconds", d.Seconds())
	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	select {
	case <-time.After(d):
		L.Info(context.Background(), "drain period complete")
	case <-force:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
}

type stopFn struct {
	name string
	fn   func(context.Context) error
}

// shutdown stops each component in order, giving each an equal slice of
// budget.
func shutdown(L log.Logger, budget time.Duration, fns []stopFn) {
	if len(fns) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	per := budget / time.Duration(len(fns))
	for _, s := range fns {
		cctx, ccancel := context.WithTimeout(ctx, per)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}

// loadEnvFile loads path into the environment, or ./.env when path is empty
// and the file exists. Variables already set are never overwritten.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func notifySystemd() error {
	// set by systemd for Type=notify units
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
