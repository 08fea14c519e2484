package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"coedit/auth"
	"coedit/docstore"
	"coedit/persist"
	"coedit/server"
)

func main() {
	// Missing .env is fine; real deployments set the environment directly.
	godotenv.Load()

	logger := createLogger(envBool("COEDIT_DEBUG", false))
	defer logger.Sync()

	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter, contentResolver, err := buildBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to set up persistence backend", zap.Error(err))
	}

	storeOpts := docstore.DefaultOptions()
	storeOpts.AutosaveInterval = cfg.autosaveInterval
	storeOpts.CloseTimeout = cfg.closeTimeout
	store := docstore.New(adapter, logger, storeOpts)

	gate := auth.NewGate(
		auth.NewJWTResolver([]byte(cfg.jwtSecret)),
		contentResolver,
		auth.Policy{AllowPublishedReadOnly: cfg.publishedReadOnly},
		logger,
	)

	srv := server.New(store, gate, logger, server.Options{
		MaxSessionsPerDoc: cfg.maxSessions,
	})

	httpServer := &http.Server{
		Addr:              cfg.addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting collaboration server",
			zap.String("addr", cfg.addr),
			zap.String("persistence", cfg.persistence))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", zap.Error(err))
		}
		srv.Shutdown(shutdownCtx)
		if err := store.Shutdown(shutdownCtx); err != nil {
			logger.Error("Document store flush failed", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

type config struct {
	addr              string
	persistence       string
	redisAddr         string
	databaseURL       string
	mongoURI          string
	mongoDatabase     string
	boltPath          string
	jwtSecret         string
	publishedReadOnly bool
	autosaveInterval  time.Duration
	closeTimeout      time.Duration
	maxSessions       int
}

func loadConfig() config {
	return config{
		addr:              envString("COEDIT_ADDR", ":8080"),
		persistence:       envString("COEDIT_PERSISTENCE", "memory"),
		redisAddr:         envString("COEDIT_REDIS_ADDR", "localhost:6379"),
		databaseURL:       envString("COEDIT_DATABASE_URL", ""),
		mongoURI:          envString("COEDIT_MONGO_URI", "mongodb://localhost:27017"),
		mongoDatabase:     envString("COEDIT_MONGO_DB", "coedit"),
		boltPath:          envString("COEDIT_BOLT_PATH", "coedit.db"),
		jwtSecret:         envString("COEDIT_JWT_SECRET", ""),
		publishedReadOnly: envBool("COEDIT_PUBLISHED_READONLY", true),
		autosaveInterval:  envDuration("COEDIT_AUTOSAVE_INTERVAL", 30*time.Second),
		closeTimeout:      envDuration("COEDIT_CLOSE_TIMEOUT", 5*time.Second),
		maxSessions:       envInt("COEDIT_MAX_SESSIONS", 0),
	}
}

// buildBackend wires the snapshot adapter and, where the backend also holds
// the content records, the content resolver. Backends without content
// records fall back to a static resolver fed by the operator.
func buildBackend(ctx context.Context, cfg config, logger *zap.Logger) (persist.Adapter, auth.ContentResolver, error) {
	static := auth.NewStaticContentResolver(nil)

	switch cfg.persistence {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, err
		}
		logger.Info("Connected to Redis", zap.String("addr", cfg.redisAddr))
		return persist.NewRedisAdapter(client, "coedit"), static, nil

	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.databaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("Connected to Postgres")
		adapter := persist.NewPostgresAdapter(pool, "document_snapshots")
		return adapter, auth.NewPostgresContentResolver(pool), nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.mongoURI))
		if err != nil {
			return nil, nil, err
		}
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, err
		}
		logger.Info("Connected to MongoDB", zap.String("uri", cfg.mongoURI))
		return persist.NewMongoAdapter(client, cfg.mongoDatabase, "snapshots"), static, nil

	case "bolt":
		adapter, err := persist.NewBoltAdapter(cfg.boltPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Opened bolt database", zap.String("path", cfg.boltPath))
		return adapter, static, nil

	case "memory":
		return persist.NewMemoryAdapter(), static, nil
	}

	logger.Warn("Unknown persistence backend, using memory",
		zap.String("backend", cfg.persistence))
	return persist.NewMemoryAdapter(), static, nil
}

func createLogger(debug bool) *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
