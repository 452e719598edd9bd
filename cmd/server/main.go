package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/bbiangul/ingestor"
)

func main() {
	addr := flag.String("addr", ":8080", "Listen address")
	configPath := flag.String("config", "", "Path to config file (JSON or YAML)")
	dbName := flag.String("db", "", "Database name under <data-dir>/databases/")
	dataDir := flag.String("data-dir", "", "State directory (default ~/.ingestor)")
	apiKey := flag.String("api-key", "", "Require this bearer token on every request")
	watchDir := flag.String("watch", "", "Directory to watch and auto-ingest")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	// A .env in the working directory seeds the environment before the
	// config overlay reads it. Absence is not an error.
	_ = godotenv.Load()

	cfg := ingestor.DefaultConfig()
	if *configPath != "" {
		loaded, err := ingestor.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		slog.Error("applying environment overrides", "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Storage.Dir = *dataDir
	}
	if *dbName != "" {
		cfg.Storage.DBName = *dbName
	}

	// Hosted providers usually park their key in the conventional variable.
	if cfg.AI.Credential == "" {
		switch cfg.AI.Provider {
		case "openai":
			cfg.AI.Credential = os.Getenv("OPENAI_API_KEY")
		case "groq":
			cfg.AI.Credential = os.Getenv("GROQ_API_KEY")
		case "openrouter":
			cfg.AI.Credential = os.Getenv("OPENROUTER_API_KEY")
		case "xai":
			cfg.AI.Credential = os.Getenv("XAI_API_KEY")
		case "gemini":
			cfg.AI.Credential = os.Getenv("GEMINI_API_KEY")
		}
	}

	setupLogging(cfg, *logLevel)

	key := *apiKey
	if key == "" {
		key = os.Getenv("INGESTOR_API_KEY")
	}
	corsOrigins := os.Getenv("INGESTOR_CORS_ORIGINS")

	engine, err := ingestor.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if *watchDir != "" {
		watcher, err := engine.Watch(*watchDir, ingestor.WatchConfig{Recursive: true})
		if err != nil {
			slog.Error("starting watcher", "dir", *watchDir, "error", err)
			os.Exit(1)
		}
		defer watcher.Close()
	}

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("POST /ingest/batch", h.handleIngestBatch)
	mux.HandleFunc("POST /extract", h.handleExtract)

	mux.HandleFunc("GET /search", h.handleSearch)
	mux.HandleFunc("GET /entities", h.handleListEntities)
	mux.HandleFunc("GET /entities/{id}", h.handleGetEntity)
	mux.HandleFunc("GET /entities/{id}/related", h.handleRelatedEntities)
	mux.HandleFunc("GET /entities/{id}/content", h.handleEntityContent)
	mux.HandleFunc("GET /content", h.handleListContent)
	mux.HandleFunc("GET /content/{id}", h.handleGetContent)
	mux.HandleFunc("DELETE /content/{id}", h.handleDeleteContent)

	mux.HandleFunc("GET /jobs", h.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", h.handleCancelJob)

	mux.HandleFunc("GET /events", h.handleEvents)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /stats", h.handleStats)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(key, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses (SSE, long ingests)
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "version", ingestor.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// setupLogging installs a JSON logger on stdout, teed into
// <state>/logs/server.log when the log directory is writable.
func setupLogging(cfg ingestor.Config, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if err := cfg.EnsureStateDirs(); err == nil {
		path := filepath.Join(cfg.LogDir(), "server.log")
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
			out = io.MultiWriter(os.Stdout, f)
		}
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})))
}
