package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/openfit/fitbridge-mcp/cmd/mcp-server/handlers"
	oauthhttp "github.com/openfit/fitbridge-mcp/cmd/mcp-server/oauth"
	"github.com/openfit/fitbridge-mcp/internal/cache"
	"github.com/openfit/fitbridge-mcp/internal/config"
	"github.com/openfit/fitbridge-mcp/internal/crypto"
	"github.com/openfit/fitbridge-mcp/internal/events"
	"github.com/openfit/fitbridge-mcp/internal/oauth"
	"github.com/openfit/fitbridge-mcp/internal/upstream"
	"github.com/openfit/fitbridge-mcp/pkg/mcp"
)

func main() {
	config.LoadEnv("../../.env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting fitbridge-mcp",
		zap.String("version", cfg.ServiceVersion),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("base_url", cfg.BaseURL))

	store, err := newStore(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}
	defer store.Close()

	cipher, err := crypto.NewTokenCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Fatal("failed to initialize token cipher", zap.Error(err))
	}
	hasher, err := crypto.NewTokenHasher(cfg.HashSecret)
	if err != nil {
		logger.Fatal("failed to initialize token hasher", zap.Error(err))
	}

	upstreamClient := upstream.New(upstream.Config{
		ClientID:     cfg.UpstreamClientID,
		ClientSecret: cfg.UpstreamClientSecret,
		AuthURL:      cfg.UpstreamAuthURL,
		TokenURL:     cfg.UpstreamTokenURL,
		APIBaseURL:   cfg.UpstreamAPIBaseURL,
		RedirectURL:  cfg.UpstreamRedirectURL(),
		Scopes:       cfg.UpstreamScopes,
		Timeout:      cfg.UpstreamTimeout,
	}, logger)

	publisher := newPublisher(cfg, logger)
	defer publisher.Close()

	registry := oauth.NewRegistry(store, logger)
	broker := oauth.NewBroker(store, cipher, hasher, upstreamClient, registry, oauth.BrokerConfig{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		AuthCodeTTL:     cfg.AuthCodeTTL,
		PKCEStateTTL:    cfg.PKCEStateTTL,
		RefreshBuffer:   cfg.RefreshBuffer,
	}, publisher, logger)

	mcpServer := mcp.NewServer(cfg.ServiceName, cfg.ServiceVersion, broker, logger)
	fitness := handlers.NewFitnessHandler(broker, upstreamClient, cache.New(), logger)
	fitness.Register(mcpServer)

	oauthServer := oauthhttp.NewServer(broker, cfg.BaseURL, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", oauthServer.HandleWellKnown)
	mux.HandleFunc("/register", oauthServer.HandleRegister)
	mux.HandleFunc("/authorize", oauthServer.HandleAuthorize)
	mux.HandleFunc("/upstream/callback", oauthServer.HandleCallback)
	mux.HandleFunc("/token", oauthServer.HandleToken)
	mux.HandleFunc("/mcp", mcpServer.HandleMCP)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, cfg.ServiceVersion)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go oauth.StartSweeper(ctx, store, cfg.SweepInterval, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Fatal("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	logger.Info("stopped")
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("LOG_FORMAT") == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newStore picks the storage backend. Postgres (with optional Redis for
// transient rows) in real deployments; in-memory when DATABASE_URL is
// unset, for local development only.
func newStore(cfg *config.Config, logger *zap.Logger) (oauth.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store; sessions will not survive restarts")
		return oauth.NewMemoryStore(), nil
	}
	return oauth.NewPostgresStore(cfg.DatabaseURL, cfg.RedisURL, oauth.PostgresOptions{})
}

func newPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.AMQPURL == "" {
		return events.Noop()
	}
	publisher, err := events.NewAMQP(cfg.AMQPURL, cfg.AuditQueue, logger)
	if err != nil {
		logger.Warn("audit event publisher unavailable, continuing without it", zap.Error(err))
		return events.Noop()
	}
	return publisher
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
