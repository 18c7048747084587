// Command server starts the chunked upload and transcode HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"vodforge/internal/api"
	"vodforge/internal/catalog"
	"vodforge/internal/kv"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/server"
	"vodforge/internal/transcode"
	"vodforge/internal/upload"
)

func main() {
	// Local overrides; missing file is the normal case in production.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	chunkDir := flag.String("chunk-dir", "", "directory holding in-flight chunk files")
	sourceDir := flag.String("source-dir", "", "directory holding assembled source files")
	mediaDir := flag.String("media-dir", "", "directory holding published HLS output")

	redisAddr := flag.String("redis-addr", "", "Redis address for the session store")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the session store")
	redisUsername := flag.String("redis-username", "", "Redis username for the session store")
	redisPassword := flag.String("redis-password", "", "Redis password for the session store")
	redisDB := flag.Int("redis-db", 0, "Redis database index for the session store")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name for the session store")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections for the session store")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for Redis operations")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")

	sessionActiveTTL := flag.Duration("session-active-ttl", 0, "rolling expiry for live upload sessions")
	sessionRetention := flag.Duration("session-retention", 0, "retention for completed and failed session records")
	staleAfter := flag.Duration("session-stale-after", 0, "idle duration before a session's disk is reclaimed")
	reclaimInterval := flag.Duration("reclaim-interval", time.Hour, "interval between stale-session sweeps")

	catalogDriver := flag.String("catalog-driver", "", "catalog driver (memory or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for the playlist catalog")

	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	segmentSeconds := flag.Int("hls-segment-seconds", 0, "HLS segment duration in seconds")
	liveWindow := flag.Int("hls-live-window", 0, "segments retained in the live playlist")
	maxTranscodes := flag.Int("max-transcodes", 0, "maximum concurrent ffmpeg processes")

	pipelineWorkers := flag.Int("pipeline-workers", 0, "pipeline worker count")
	pipelineQueue := flag.Int("pipeline-queue", 0, "pipeline queue depth")
	pipelineTimeout := flag.Duration("pipeline-timeout", 0, "per-session pipeline timeout")

	objectEndpoint := flag.String("object-endpoint", "", "object storage endpoint (e.g. http://127.0.0.1:9000)")
	objectRegion := flag.String("object-region", "", "object storage region")
	objectAccessKey := flag.String("object-access-key", "", "object storage access key")
	objectSecretKey := flag.String("object-secret-key", "", "object storage secret key")
	objectBucket := flag.String("object-bucket", "", "object storage bucket name")
	objectUseSSL := flag.Bool("object-use-ssl", false, "enable TLS for object storage requests")
	objectPrefix := flag.String("object-prefix", "", "object storage key prefix")
	objectPublicEndpoint := flag.String("object-public-endpoint", "", "public endpoint used for playback URLs")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "upload requests per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting upload requests")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	rateRedisUsername := flag.String("rate-redis-username", "", "Redis username for upload throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for upload throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("VODFORGE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("VODFORGE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("VODFORGE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("VODFORGE_ADDR"))

	chunkRoot := resolveDir(*chunkDir, "VODFORGE_CHUNK_DIR", "data/chunks")
	sourceRoot := resolveDir(*sourceDir, "VODFORGE_SOURCE_DIR", "data/sources")
	mediaRoot := resolveDir(*mediaDir, "VODFORGE_MEDIA_DIR", "data/media")

	redisCfg := kv.RedisConfig{
		Addr:         firstNonEmpty(*redisAddr, os.Getenv("VODFORGE_REDIS_ADDR")),
		Addrs:        splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("VODFORGE_REDIS_ADDRS"))),
		Username:     firstNonEmpty(*redisUsername, os.Getenv("VODFORGE_REDIS_USERNAME")),
		Password:     firstNonEmpty(*redisPassword, os.Getenv("VODFORGE_REDIS_PASSWORD")),
		DB:           resolveInt(*redisDB, "VODFORGE_REDIS_DB"),
		MasterName:   firstNonEmpty(*redisMasterName, os.Getenv("VODFORGE_REDIS_MASTER_NAME")),
		PoolSize:     resolveInt(*redisPoolSize, "VODFORGE_REDIS_POOL_SIZE"),
		DialTimeout:  resolveDuration(*redisTimeout, "VODFORGE_REDIS_TIMEOUT", 0),
		ReadTimeout:  resolveDuration(*redisTimeout, "VODFORGE_REDIS_TIMEOUT", 0),
		WriteTimeout: resolveDuration(*redisTimeout, "VODFORGE_REDIS_TIMEOUT", 0),
		TLS: kv.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("VODFORGE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("VODFORGE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("VODFORGE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("VODFORGE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "VODFORGE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	if err := validateProductionConfig(serverMode, redisCfg); err != nil {
		logger.Error("production configuration validation failed", "error", err)
		os.Exit(1)
	}

	var (
		kvStore  kv.Store
		kvCloser func() error
	)
	if redisCfg.Addr != "" || len(redisCfg.Addrs) > 0 {
		redisStore, err := kv.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to open redis session store", "error", err)
			os.Exit(1)
		}
		kvStore = redisStore
		kvCloser = redisStore.Close
		logger.Info("session store using redis")
	} else {
		kvStore = kv.NewMemoryStore()
		logger.Warn("session store using process memory, sessions will not survive restarts")
	}

	sessions := upload.NewSessionStore(upload.SessionStoreConfig{
		Store:        kvStore,
		ActiveTTL:    resolveDuration(*sessionActiveTTL, "VODFORGE_SESSION_ACTIVE_TTL", 0),
		RetentionTTL: resolveDuration(*sessionRetention, "VODFORGE_SESSION_RETENTION", 0),
	})

	chunks, err := upload.NewChunkStore(chunkRoot)
	if err != nil {
		logger.Error("failed to open chunk store", "error", err)
		os.Exit(1)
	}

	catalogDSN := strings.TrimSpace(firstNonEmpty(*postgresDSN, os.Getenv("VODFORGE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	catalogStore, catalogCloser, err := openCatalog(*catalogDriver, os.Getenv("VODFORGE_CATALOG_DRIVER"), catalogDSN)
	if err != nil {
		logger.Error("failed to open playlist catalog", "error", err)
		os.Exit(1)
	}

	storageClient := objectstore.NewClient(objectstore.Config{
		Endpoint:       firstNonEmpty(*objectEndpoint, os.Getenv("VODFORGE_OBJECT_ENDPOINT")),
		PublicEndpoint: firstNonEmpty(*objectPublicEndpoint, os.Getenv("VODFORGE_OBJECT_PUBLIC_ENDPOINT")),
		Bucket:         firstNonEmpty(*objectBucket, os.Getenv("VODFORGE_OBJECT_BUCKET")),
		Prefix:         strings.TrimSpace(firstNonEmpty(*objectPrefix, os.Getenv("VODFORGE_OBJECT_PREFIX"))),
		Region:         firstNonEmpty(*objectRegion, os.Getenv("VODFORGE_OBJECT_REGION")),
		AccessKey:      firstNonEmpty(*objectAccessKey, os.Getenv("VODFORGE_OBJECT_ACCESS_KEY")),
		SecretKey:      firstNonEmpty(*objectSecretKey, os.Getenv("VODFORGE_OBJECT_SECRET_KEY")),
		UseSSL:         resolveBool(*objectUseSSL, "VODFORGE_OBJECT_USE_SSL"),
	})
	if storageClient.Enabled() {
		logger.Info("publishing HLS output to object storage")
	} else {
		logger.Info("publishing HLS output locally", "media_dir", mediaRoot)
	}

	transcoder := transcode.New(transcode.Config{
		Binary:         firstNonEmpty(*ffmpegBinary, os.Getenv("VODFORGE_FFMPEG")),
		SegmentSeconds: resolveInt(*segmentSeconds, "VODFORGE_HLS_SEGMENT_SECONDS"),
		LiveWindow:     resolveInt(*liveWindow, "VODFORGE_HLS_LIVE_WINDOW"),
		MaxConcurrent:  int64(resolveInt(*maxTranscodes, "VODFORGE_MAX_TRANSCODES")),
		Logger:         logging.WithComponent(logger, "transcode"),
	})

	orchestrator := upload.NewOrchestrator(upload.OrchestratorConfig{
		Sessions:   sessions,
		Chunks:     chunks,
		Assembler:  upload.NewAssembler(chunks, logging.WithComponent(logger, "assemble")),
		Transcoder: transcoder,
		Catalog:    catalogStore,
		Publisher:  upload.NewPublisher(storageClient, logging.WithComponent(logger, "publish")),
		SourceRoot: sourceRoot,
		OutputRoot: mediaRoot,
		Workers:    resolveInt(*pipelineWorkers, "VODFORGE_PIPELINE_WORKERS"),
		QueueSize:  resolveInt(*pipelineQueue, "VODFORGE_PIPELINE_QUEUE"),
		Timeout:    resolveDuration(*pipelineTimeout, "VODFORGE_PIPELINE_TIMEOUT", 0),
		Logger:     logging.WithComponent(logger, "pipeline"),
		Metrics:    recorder,
	})
	orchestrator.Start()

	reclaimer := upload.NewReclaimer(upload.ReclaimerConfig{
		Sessions:   sessions,
		Chunks:     chunks,
		SourceRoot: sourceRoot,
		StaleAfter: resolveDuration(*staleAfter, "VODFORGE_SESSION_STALE_AFTER", 0),
		Logger:     logging.WithComponent(logger, "reclaim"),
		Metrics:    recorder,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	reclaimStop := startReclaimWorker(workerCtx, logging.WithComponent(logger, "reclaim"), reclaimer,
		resolveDuration(*reclaimInterval, "VODFORGE_RECLAIM_INTERVAL", time.Hour))
	defer reclaimStop()

	handler := api.NewHandler(orchestrator, sessions, logger)

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("VODFORGE_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VODFORGE_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "VODFORGE_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "VODFORGE_RATE_GLOBAL_BURST"),
			UploadLimit:   resolveInt(*uploadLimit, "VODFORGE_RATE_UPLOAD_LIMIT"),
			UploadWindow:  resolveDuration(*uploadWindow, "VODFORGE_RATE_UPLOAD_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("VODFORGE_RATE_REDIS_ADDR")),
			RedisUsername: firstNonEmpty(*rateRedisUsername, os.Getenv("VODFORGE_RATE_REDIS_USERNAME")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("VODFORGE_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "VODFORGE_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("VODFORGE_CORS_ORIGINS"))),
		},
		MediaDir: mediaRoot,
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("upload API listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	reclaimStop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := orchestrator.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop upload pipeline", "error", err)
	}
	if catalogCloser != nil {
		catalogCloser()
	}
	if kvCloser != nil {
		if err := kvCloser(); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func openCatalog(flagDriver, envDriver, dsn string) (catalog.Store, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return catalog.NewMemory(), nil, nil
	case "postgres":
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres catalog selected without DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := catalog.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported catalog driver %q", driver)
	}
}

func validateProductionConfig(mode string, redisCfg kv.RedisConfig) error {
	if mode != "production" {
		return nil
	}
	if strings.TrimSpace(redisCfg.Addr) == "" && len(redisCfg.Addrs) == 0 {
		return fmt.Errorf("production mode requires a Redis session store, set VODFORGE_REDIS_ADDR")
	}
	return nil
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveDir(flagValue, envKey, fallback string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		return env
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
