package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tripwire/detection-engine/internal/account"
	"tripwire/detection-engine/internal/alert"
	"tripwire/detection-engine/internal/anomaly"
	"tripwire/detection-engine/internal/api"
	"tripwire/detection-engine/internal/audit"
	"tripwire/detection-engine/internal/blocklist"
	"tripwire/detection-engine/internal/bruteforce"
	"tripwire/detection-engine/internal/config"
	"tripwire/detection-engine/internal/httputil"
	"tripwire/detection-engine/internal/incident"
	"tripwire/detection-engine/internal/intel"
	"tripwire/detection-engine/internal/metrics"
	"tripwire/detection-engine/internal/ratelimit"
	"tripwire/detection-engine/internal/reputation"
	"tripwire/detection-engine/internal/response"
	"tripwire/detection-engine/internal/sched"
	"tripwire/detection-engine/internal/signature"
	"tripwire/detection-engine/internal/store"
)

var startTime = time.Now()

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides TRIPWIRE_CONFIG env var)")
	flag.Parse()

	// Config path: CLI flag > env var > default
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("TRIPWIRE_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Str("store_backend", cfg.Store.Backend).
		Int("rate_limit_policies", len(cfg.RateLimit.Policies)).
		Bool("intel_enabled", cfg.Intel.Enabled).
		Msg("tripwire starting")

	trustedProxies, err := httputil.ParseCIDRs(cfg.Server.TrustedProxyCIDRs)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid trusted proxy configuration")
	}

	// Durable store. Redis is wrapped in the failover layer so a primary
	// outage degrades to in-process state instead of allow-by-default.
	var kv store.Store
	memStore := store.NewMemory()
	if cfg.Store.Backend == "redis" {
		redisStore := store.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisPass, cfg.Store.RedisDB, cfg.Store.PoolSize, log.Logger)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisStore.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Store.RedisAddr).Msg("redis unreachable at startup, failover will serve from memory")
		}
		cancel()
		kv = store.NewFailover(redisStore, memStore, log.Logger)
	} else {
		kv = memStore
	}

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	auditRec := audit.NewAsyncRecorder(log.Logger, cfg.Audit.Buffer, cfg.Audit.HashIPKey)

	var notifier alert.Notifier
	if cfg.Alerting.WebhookURL != "" {
		notifier = alert.NewWebhookNotifier(cfg.Alerting.WebhookURL, time.Duration(cfg.Alerting.TimeoutMs)*time.Millisecond, log.Logger)
	} else {
		notifier = &alert.LogNotifier{Logger: log.Logger}
	}

	var accounts account.Service
	if cfg.Account.SuspendEndpoint != "" {
		accounts = account.NewHTTPService(cfg.Account.SuspendEndpoint, time.Duration(cfg.Account.TimeoutMs)*time.Millisecond, log.Logger)
	} else {
		accounts = &account.LogService{Logger: log.Logger}
	}

	blocks := blocklist.New(kv, log.Logger)
	emergency := response.NewEmergencyMode()
	mgr := incident.NewManager(kv, notifier, auditRec, log.Logger)
	executor := response.NewExecutor(mgr, blocks, accounts, emergency, kv, log.Logger)
	mgr.SetResponder(executor)

	intelStore := intel.NewStore(cfg.Intel.CacheCapacity)
	lib := signature.NewLibrary(signature.DefaultTable())
	attacks := signature.NewDetector(lib, auditRec)

	scorer := reputation.NewScorer(
		blocks,
		reputation.NewAbuseDBClient(cfg.Reputation.AbuseDBEndpoint, cfg.Reputation.AbuseDBKey, time.Duration(cfg.Reputation.AbuseDBTimeoutMs)*time.Millisecond),
		intelStore,
		reputation.StaticGeoResolver{},
		reputation.StaticASNResolver{},
		reputation.NewDNSBLChecker(cfg.Reputation.DNSBLZone, time.Duration(cfg.Reputation.DNSBLTimeoutMs)*time.Millisecond),
		cfg.Reputation,
		auditRec,
		log.Logger,
	)

	limiter := ratelimit.New(kv, blocks, notifier, log.Logger)
	brute := bruteforce.New(kv, blocks, notifier, auditRec, cfg.BruteForce, log.Logger)
	agg := anomaly.NewAggregator(mgr, log.Logger,
		anomaly.NewRateDetector(kv, cfg.Anomaly),
		anomaly.NewSignatureDetector(lib),
		anomaly.NewBehaviorDetector(),
		anomaly.PatternDetector{},
		anomaly.ResourceDetector{},
	)

	// Background tasks: hourly intel refresh, 1-minute housekeeping.
	scheduler := sched.New(log.Logger)
	if cfg.Intel.Enabled {
		feed := intel.NewFeedClient(cfg.Intel.FeedURL, time.Duration(cfg.Intel.FetchTimeoutMs)*time.Millisecond, log.Logger)
		scheduler.Add(sched.Task{
			Name:     "intel_refresh",
			Interval: time.Duration(cfg.Intel.RefreshSec) * time.Second,
			Timeout:  time.Duration(cfg.Intel.FetchTimeoutMs) * time.Millisecond,
			Run: func(ctx context.Context) error {
				version, entries, err := intel.Refresh(ctx, feed, intelStore)
				if err != nil {
					return err
				}
				// Pattern entries become signature rules under the feed's
				// version tag; address entries stay in the intel store.
				var feedRules []signature.FeedRule
				for _, e := range entries {
					if e.Type == intel.EntryPattern && e.IsActive() {
						feedRules = append(feedRules, signature.FeedRule{
							Pattern:    e.Value,
							Confidence: float64(e.Confidence) / 100,
						})
					}
				}
				if version == "" {
					version = "feed-" + time.Now().UTC().Format("20060102T150405")
				}
				table, added := signature.TableWithFeedRules(version, feedRules)
				old := lib.Swap(table)
				log.Info().
					Str("old_version", old).
					Str("version", table.Version).
					Int("feed_rules", added).
					Msg("signature rule table rebuilt")
				return nil
			},
		})
	}
	scheduler.Add(sched.Task{
		Name:     "housekeeping",
		Interval: time.Minute,
		Run: func(ctx context.Context) error {
			expired := blocks.Sweep(ctx)
			swept := memStore.Sweep()
			gone := mgr.GC(ctx, 24*time.Hour)
			log.Debug().Int("blocks_expired", expired).Int("keys_swept", swept).Int("incidents_gc", gone).Msg("housekeeping pass")
			return nil
		},
	})
	scheduler.Start()

	go func() {
		for state := range emergency.Subscribe() {
			log.Warn().Bool("active", state).Msg("emergency mode changed")
		}
	}()

	handler := api.NewHandler(cfg, scorer, attacks, limiter, brute, agg, mgr, emergency, blocks, log.Logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /admin/stats", func(w http.ResponseWriter, r *http.Request) {
		handleAdminStats(w, r, blocks, mgr, emergency, intelStore)
	})

	root := Chain(
		httputil.RequestIDMiddleware(log.Logger, trustedProxies),
		withCommonHeaders,
	)(mux)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           root,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Msg("tripwire detection engine listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		log.Fatal().Err(err).Msg("server error")
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		scheduler.Stop()
		intelStore.Close()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
			srv.Close()
		}

		auditRec.Close()
		if err := kv.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		log.Info().Msg("shutdown complete")
	}
}

// handleAdminStats aggregates engine state and Prometheus counters into one
// JSON summary for the ops dashboard.
func handleAdminStats(w http.ResponseWriter, _ *http.Request, blocks *blocklist.Blocklist, mgr *incident.Manager, emergency *response.EmergencyMode, intelStore *intel.Store) {
	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		httputil.WriteError(w, http.StatusInternalServerError, "metrics_error")
		return
	}
	findMF := func(name string) *dto.MetricFamily {
		for _, mf := range mfs {
			if mf.GetName() == name {
				return mf
			}
		}
		return nil
	}

	stats := map[string]map[string]any{
		"verdicts":  {},
		"incidents": {},
		"blocklist": {},
		"system":    {},
	}

	if mf := findMF("tripwire_verdicts_total"); mf != nil {
		for _, m := range mf.Metric {
			for _, label := range m.Label {
				if label.GetName() == "action" {
					stats["verdicts"][label.GetValue()] = m.Counter.GetValue()
				}
			}
		}
	}
	if mf := findMF("tripwire_incidents_total"); mf != nil {
		for _, m := range mf.Metric {
			for _, label := range m.Label {
				if label.GetName() == "severity" {
					stats["incidents"][label.GetValue()] = m.Counter.GetValue()
				}
			}
		}
	}
	stats["incidents"]["open"] = len(mgr.List())
	stats["blocklist"]["cached_entries"] = blocks.Len()
	if mf := findMF("tripwire_rate_limit_denied_total"); mf != nil {
		total := 0.0
		for _, m := range mf.Metric {
			total += m.Counter.GetValue()
		}
		stats["blocklist"]["rate_limit_denied"] = total
	}
	stats["system"]["emergency_mode"] = emergency.Active()
	stats["system"]["intel_entries"] = intelStore.Len()
	stats["system"]["uptime_sec"] = time.Since(startTime).Seconds()
	if mf := findMF("go_goroutines"); mf != nil && len(mf.Metric) > 0 {
		stats["system"]["goroutines"] = mf.Metric[0].Gauge.GetValue()
	}

	httputil.WriteJSON(w, http.StatusOK, stats)
}

// Middleware wraps an http.Handler and returns a new handler.
type Middleware func(http.Handler) http.Handler

// Chain composes middlewares: Chain(a, b)(h) => a(b(h)).
func Chain(middlewares ...Middleware) Middleware {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

func withCommonHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
