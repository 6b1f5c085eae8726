package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"

	"layeredge/api_posts/internal/fetcher"
	"layeredge/api_posts/internal/handlers"
	"layeredge/api_posts/internal/sources"
	"layeredge/api_posts/internal/storage"
	"layeredge/api_posts/internal/submission"
	"layeredge/pkg/breaker"
	"layeredge/pkg/cache"
	"layeredge/pkg/clients"
	"layeredge/pkg/config"
	"layeredge/pkg/logging"
	"layeredge/pkg/models"
	"layeredge/pkg/monitoring"
	"layeredge/pkg/ratelimit"
	"layeredge/pkg/redis"
	"layeredge/pkg/server"
	"layeredge/pkg/version"
)

func main() {
	logger := logging.NewLoggerWithService("posts")
	config.LoadEnv(logger)

	port := config.GetEnv("PORT", "18040")

	redisConfig := redis.Config{
		URL:        config.GetEnv("REDIS_URL", ""),
		Mode:       redis.Mode(config.GetEnv("REDIS_MODE", string(redis.ModeSingle))),
		Addrs:      config.GetEnvList("REDIS_ADDRS", nil),
		MasterName: config.GetEnv("REDIS_MASTER_NAME", ""),
		Password:   config.GetEnv("REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("REDIS_DB", 0),
		MaxRetries: 1,
	}

	var remote cache.Backend
	if redisConfig.Enabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		client, err := redis.Connect(ctx, redisConfig)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, using in-memory cache only")
		} else {
			defer func() { _ = client.Close() }()
			remote = cache.NewRedisBackend(client, config.GetEnv("CACHE_KEY_PREFIX", "posts:"))
		}
	}

	store := cache.NewTieredStore(remote, cache.Config{
		DailyOperationLimit: config.GetEnvInt("CACHE_DAILY_OPERATION_LIMIT", 10000),
		Memory: cache.Options{
			MaxEntries: config.GetEnvInt("CACHE_MEMORY_MAX_ENTRIES", 10000),
		},
		Logger: logger,
	})

	breakers := breaker.NewRegistry(store, breaker.Config{
		FailureThreshold: config.GetEnvInt("BREAKER_FAILURE_THRESHOLD", 8),
		RecoveryTimeout:  config.GetEnvDuration("BREAKER_RECOVERY_TIMEOUT", 10*time.Minute),
		MonitoringPeriod: config.GetEnvDuration("BREAKER_MONITORING_PERIOD", 5*time.Minute),
		IsFailure:        fetcher.CountsAsFailure,
	}, breaker.WithLogger(logger))

	keywords := models.DefaultKeywords()
	if words := config.GetEnvList("REQUIRED_KEYWORDS", nil); len(words) > 0 {
		keywords = models.NewKeywordSet(words...)
	}

	requester := clients.NewRequester(nil, clients.DefaultHTTPExecutorConfig())
	sourceOptions := func(baseURLKey, timeoutKey string) sources.Options {
		timeout := config.GetEnvDuration(timeoutKey, 10*time.Second)
		return sources.Options{
			BaseURL:   config.GetEnv(baseURLKey, ""),
			Timeout:   timeout,
			Keywords:  keywords,
			Requester: requester,
			Logger:    logger,
		}
	}

	bearerToken := config.GetEnv("X_BEARER_TOKEN", "")
	apiAdapter := sources.NewAPI(sourceOptions("API_BASE_URL", "API_TIMEOUT"), bearerToken, config.GetEnvInt("API_REQUESTS_PER_MINUTE", 15))
	scrapeAdapter := sources.NewScrape(sourceOptions("SYNDICATION_BASE_URL", "SCRAPE_TIMEOUT"))
	adapters := fetcher.Adapters{
		Embed:    sources.NewEmbed(sourceOptions("EMBED_BASE_URL", "EMBED_TIMEOUT")),
		Scrape:   scrapeAdapter,
		Profiles: []sources.UserAdapter{scrapeAdapter},
	}
	preferAPI := config.GetEnvBool("PREFER_API", false)
	if apiAdapter.Configured() {
		adapters.API = apiAdapter
		// The API has the full profile; the widget data is the fallback.
		adapters.Profiles = []sources.UserAdapter{apiAdapter, scrapeAdapter}
	} else if preferAPI {
		logger.Warn("PREFER_API is set but X_BEARER_TOKEN is empty, API source disabled")
	}

	orchestrator := fetcher.New(store, breakers, adapters, fetcher.Config{
		PostTTL:       config.GetEnvDuration("POST_CACHE_TTL", 30*time.Minute),
		EngagementTTL: config.GetEnvDuration("ENGAGEMENT_CACHE_TTL", time.Minute),
		UserTTL:       config.GetEnvDuration("USER_CACHE_TTL", 30*time.Minute),
		PreferAPI:     preferAPI && adapters.API != nil,
		APICooldown:   config.GetEnvDuration("API_COOLDOWN", 15*time.Minute),
		AllowedHosts:  config.GetEnvList("ALLOWED_POST_HOSTS", nil),
	}, fetcher.WithLogger(logger))

	limiter := ratelimit.New(store, ratelimit.Config{
		Max:                config.GetEnvInt("RATE_LIMIT_MAX", 10),
		Window:             config.GetEnvDuration("RATE_LIMIT_WINDOW", time.Hour),
		SubmissionCooldown: config.GetEnvDuration("SUBMISSION_COOLDOWN", 2*time.Minute),
	}, ratelimit.WithLogger(logger))

	databasePath := config.GetEnv("DATABASE_PATH", "posts.db")
	db, err := storage.NewSQLite(databasePath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open submission ledger")
	}
	defer func() { _ = db.Close() }()

	submissions := submission.NewService(limiter, orchestrator, db, submission.AllowAllPolicy{}, submission.Config{
		BasePoints: config.GetEnvInt("SUBMISSION_BASE_POINTS", 10),
		Keywords:   keywords,
	}, logger)

	healthChecker := monitoring.NewHealthChecker("posts", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("posts", version.Version, version.GitCommit)
	metricsCollector.Register(cache.Collectors()...)
	metricsCollector.Register(breaker.Collectors()...)
	metricsCollector.Register(ratelimit.Collectors()...)
	metricsCollector.Register(fetcher.Collectors()...)
	metricsCollector.Register(collectors.NewDBStatsCollector(db.DB(), "ledger"))

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_PATH": databasePath,
	}))
	healthChecker.AddCheck("sqlite", monitoring.PingHealthCheck("SQLite", db))
	healthChecker.AddCheck("cache", monitoring.CacheHealthCheck(store, remote != nil))
	if remote != nil {
		healthChecker.AddCheck("redis", monitoring.PingHealthCheck("Redis", store))
	}
	healthChecker.AddCheck("breakers", monitoring.BreakerHealthCheck(orchestrator))

	metrics := &handlers.PostMetrics{
		Requests:       metricsCollector.NewCounter("api_requests_total", "Post API requests by endpoint and result", []string{"endpoint", "status"}),
		SubmitDuration: metricsCollector.NewHistogram("submission_duration_seconds", "Submission handling latency", []string{"status"}, nil),
	}

	app := server.SetupServiceRouter(logger, "posts", healthChecker, metricsCollector)

	requestTimeout := config.GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second)
	handlers.Register(app,
		handlers.NewPostsHandler(orchestrator, requestTimeout, logger, metrics),
		handlers.NewUsersHandler(orchestrator, requestTimeout, logger, metrics),
		handlers.NewSubmissionHandler(submissions, requestTimeout, logger, metrics).
			TrustActorHeader(config.GetEnv("TRUSTED_ACTOR_HEADER", "")),
		handlers.NewAdminHandler(orchestrator, logger),
		config.GetEnv("ADMIN_TOKEN", ""),
	)

	serverConfig := server.DefaultConfig("posts", port)
	if err := server.Start(serverConfig, app, logger); err != nil {
		logger.Fatal(err.Error())
	}
}
