// Package main implements alayasikid, the aLayaSiki GraphRAG database's
// single-process HTTP server: ingestion and query planning wired over one
// Repository, with lazy graph construction running in the background.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/alayasiki/alayasiki/internal/ingestion"
	"github.com/alayasiki/alayasiki/internal/jobs"
	"github.com/alayasiki/alayasiki/internal/modelregistry"
	"github.com/alayasiki/alayasiki/internal/queryplan"
	"github.com/alayasiki/alayasiki/internal/repository"
	"github.com/alayasiki/alayasiki/pkg/embedclient"
	"github.com/alayasiki/alayasiki/pkg/extractnlp"
	"github.com/alayasiki/alayasiki/pkg/mid"
)

// Config holds all environment-based configuration. The data directory path,
// ANN dimension, worker count, job queue depth, and retry budget are
// configuration options, not code constants. DefaultModel is read from
// DEFAULT_MODEL but is not passed on: ingestion enqueues extraction jobs
// under the fixed model id "triplex-lite".
type Config struct {
	Port         string
	DataDir      string
	Dim          int
	Workers      int
	QueueDepth   int
	MaxRetries   int
	DefaultModel string
	EmbedURL     string
	EmbedModel   string
	CORSOrigin   string
	NATSURL      string
}

func loadConfig() Config {
	return Config{
		Port:         envOr("PORT", "8080"),
		DataDir:      envOr("DATA_DIR", "/tmp/alayasiki-data"),
		Dim:          envOrInt("ANN_DIM", 768),
		Workers:      envOrInt("JOB_WORKERS", 4),
		QueueDepth:   envOrInt("JOB_QUEUE_DEPTH", 256),
		MaxRetries:   envOrInt("JOB_MAX_RETRIES", 3),
		DefaultModel: envOr("DEFAULT_MODEL", "triplex-lite"),
		EmbedURL:     envOr("EMBED_URL", "http://localhost:11434"),
		EmbedModel:   envOr("EMBED_MODEL", "nomic-embed-text"),
		CORSOrigin:   envOr("CORS_ORIGIN", "*"),
		NATSURL:      envOr("NATS_URL", ""),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	repo, err := repository.Open(cfg.DataDir, cfg.Dim, repository.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	registry := modelregistry.NewDefault()
	embedder := embedclient.New(cfg.EmbedURL, cfg.EmbedModel)

	// --- Connect to NATS (optional; lifecycle events only) ---
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
	}

	queue := jobs.New(repo, registry, extractnlp.Extract, jobs.Options{
		Depth:      cfg.QueueDepth,
		Workers:    cfg.Workers,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
		NATSConn:   nc,
	})
	go queue.Run(ctx)

	ingest := ingestion.New(repo, queue, embedder, nil, ingestion.Options{Logger: logger})

	planner := queryplan.New(repo, queryplan.Options{
		Logger: logger,
		Embed: func(ctx context.Context, text string) ([]float32, error) {
			return embedder.Embed(ctx, text)
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("POST /v1/ingest", handleIngest(ingest, cfg, logger))
	mux.HandleFunc("POST /v1/query", handleQuery(planner, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("alayasikid starting", "port", cfg.Port, "data_dir", cfg.DataDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// IngestRequest is the JSON body for POST /v1/ingest.
type IngestRequest struct {
	Source         string `json:"source"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
	AutoGraph      bool   `json:"auto_graph"`
}

func handleIngest(facade *ingestion.Facade, cfg Config, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}
		if req.Content == "" {
			http.Error(w, `{"error":"content is required"}`, http.StatusBadRequest)
			return
		}

		result, err := facade.Ingest(r.Context(), ingestion.RawDocument{
			Source:  req.Source,
			Content: req.Content,
		}, req.AutoGraph, req.IdempotencyKey, nil)
		if err != nil {
			logger.Error("ingest failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

// QueryRequest is the JSON body for POST /v1/query, matching the DSL's
// option table.
type QueryRequest struct {
	Query      string `json:"query"`
	TopK       int    `json:"top_k"`
	Mode       string `json:"mode"`        // "answer" or "evidence"
	SearchMode string `json:"search_mode"` // "local", "global", "drift", "auto"
	ModelID    string `json:"model_id"`
	SnapshotID string `json:"snapshot_id"`
	DeadlineMS int64  `json:"deadline_ms"`
	EntityType string `json:"entity_type"`
	Depth      int    `json:"depth"`
}

func handleQuery(planner *queryplan.Planner, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
			return
		}

		dsl := queryplan.DSL{
			Query:      req.Query,
			TopK:       req.TopK,
			Mode:       queryplan.ResponseMode(req.Mode),
			SearchMode: queryplan.SearchMode(req.SearchMode),
			ModelID:    req.ModelID,
			SnapshotID: req.SnapshotID,
			Filters:    queryplan.Filters{EntityType: req.EntityType},
			Traversal:  queryplan.Traversal{Depth: req.Depth},
		}
		if req.DeadlineMS > 0 {
			dsl.Deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
		}

		plan, err := planner.Plan(r.Context(), dsl)
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
			return
		}

		resp, err := planner.Execute(r.Context(), plan)
		if err != nil {
			logger.Error("query execution failed", "err", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
