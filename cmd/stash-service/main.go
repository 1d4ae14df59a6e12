package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	mode := flag.String("mode", "all", "run mode: all|api|worker")
	flag.Parse()

	_ = godotenv.Load()
	cfg := loadConfig()
	st, err := newAppState(cfg)
	if err != nil {
		logger.Error("failed to initialize app state", "error", err)
		os.Exit(1)
	}
	defer st.redis.Close()
	defer st.asynqCli.Close()
	defer st.store.Close()
	defer st.inspector.Close()

	switch *mode {
	case "api":
		runAPI(st)
	case "worker":
		runWorker(st)
	case "all":
		go runWorker(st)
		runAPI(st)
	default:
		logger.Error("unknown run mode", "mode", *mode)
		os.Exit(1)
	}
}

func loadConfig() config {
	return config{
		redisAddr:        envOrDefault("REDIS_ADDR", "redis:6379"),
		redisPassword:    os.Getenv("REDIS_PASSWORD"),
		redisDB:          envInt("REDIS_DB", 0),
		queueName:        envOrDefault("ASYNQ_QUEUE", "default"),
		mediaRoot:        envOrDefault("MEDIA_ROOT", "/app/images"),
		archiveRoot:      envOrDefault("ARCHIVE_ROOT", "/app/archives"),
		archiveURLPrefix: os.Getenv("ARCHIVE_URL_PREFIX"),
		dbPath:           envOrDefault("STASH_DB_PATH", "/app/stash.db"),
		concurrency:      envInt("ASYNQ_CONCURRENCY", 10),
		downloadWorkers:  envInt("DOWNLOAD_WORKERS", 4),
		searchLimit:      envInt("SEARCH_LIMIT", 50),
		apiAddr:          envOrDefault("STASH_API_ADDR", ":8001"),
	}
}

func newAppState(cfg config) (*appState, error) {
	if err := os.MkdirAll(cfg.mediaRoot, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.archiveRoot, 0o755); err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.redisAddr,
		Password: cfg.redisPassword,
		DB:       cfg.redisDB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg.dbPath)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	redisOpt := asynq.RedisClientOpt{Addr: cfg.redisAddr, Password: cfg.redisPassword, DB: cfg.redisDB}
	return &appState{
		cfg:        cfg,
		redis:      rdb,
		asynqCli:   asynq.NewClient(redisOpt),
		store:      store,
		inspector:  asynq.NewInspector(redisOpt),
		sources:    newSourceRegistry(httpClient, cfg.searchLimit),
		httpClient: httpClient,
	}, nil
}

func runAPI(st *appState) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/ingest", st.handleIngest)
	mux.HandleFunc("/api/upload", st.handleUpload)
	mux.HandleFunc("/api/archive", st.handleArchive)
	mux.HandleFunc("/api/sources", st.handleSources)
	mux.HandleFunc("/api/tags", st.handleTags)
	mux.HandleFunc("/api/images", st.handleImages)
	mux.HandleFunc("/api/tasks/status", st.handleTaskStatus)

	logger.Info("stash api listening", "addr", st.cfg.apiAddr)
	if err := http.ListenAndServe(st.cfg.apiAddr, loggingMiddleware(mux)); err != nil {
		logger.Error("api server stopped", "error", err)
		os.Exit(1)
	}
}

func runWorker(st *appState) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: st.cfg.redisAddr, Password: st.cfg.redisPassword, DB: st.cfg.redisDB},
		asynq.Config{
			Concurrency: st.cfg.concurrency,
			Queues: map[string]int{
				st.cfg.queueName: 1,
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeIngest, st.processIngestTask)

	logger.Info("stash worker started",
		"queue", st.cfg.queueName,
		"concurrency", st.cfg.concurrency,
		"download_workers", st.cfg.downloadWorkers,
	)
	if err := srv.Run(mux); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}
