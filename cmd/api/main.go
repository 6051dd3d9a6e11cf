package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"provably-fair-backend/internal/config"
	"provably-fair-backend/internal/fairness"
	"provably-fair-backend/internal/handlers"
	"provably-fair-backend/internal/middleware"
	"provably-fair-backend/internal/policy"
	"provably-fair-backend/internal/services"
	"provably-fair-backend/internal/store"
)

const shutdownTimeout = 10 * time.Second

type CLI struct {
	EnvFile string `help:"Optional .env file to load before reading the environment." default:".env" type:"path"`
	Port    string `help:"Override PORT."`
}

func main() {
	var cli CLI
	kong.Parse(&cli,
		kong.Name("api"),
		kong.Description("Provably fair round engine HTTP server."),
	)

	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Prefix:          "api",
	})

	if err := godotenv.Load(cli.EnvFile); err != nil {
		logger.Info("no .env file found, using environment variables", "path", cli.EnvFile)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "err", err)
	}
	if cli.Port != "" {
		cfg.Port = cli.Port
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warn("unknown log level, keeping info", "level", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped", "err", err)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	clock := quartz.NewReal()

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	vault, err := openVault(cfg, logger)
	if err != nil {
		return err
	}

	defs := policy.Defaults()
	if cfg.PolicyFile != "" {
		if defs, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			return err
		}
	}
	policies := policy.NewRegistry(st, logger.WithPrefix("policy"), clock)
	if err := policies.Bootstrap(ctx, defs); err != nil {
		return err
	}

	hub := services.NewHub(logger.WithPrefix("hub"))
	var locker services.Locker = services.NewLocalLocker()
	var events services.Broadcaster = hub
	var limiter middleware.RateLimiter
	var relay *services.RedisBroadcaster
	if cfg.RedisURL != "" {
		redisService, err := services.NewRedisService(cfg, logger.WithPrefix("redis"))
		if err != nil {
			return err
		}
		defer redisService.Close()
		relay = services.NewRedisBroadcaster(redisService, hub, logger.WithPrefix("relay"))
		locker, events, limiter = redisService, relay, redisService
		logger.Info("redis enabled", "addr", cfg.RedisURL)
	} else {
		logger.Warn("REDIS_URL not set, running single instance without rate limits")
	}

	engine := services.NewRoundEngine(st, policies, vault, locker, events, clock, logger.WithPrefix("engine"), services.EngineOptions{
		RoundTimeout:    cfg.RoundTimeout,
		StartingBalance: cfg.StartingBalance,
		FlightTick:      cfg.FlightTick,
	})
	defer engine.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		Engine:          engine,
		Policies:        policies,
		JWT:             services.NewJWTService(cfg.JWTSecret, cfg.TokenTTL, clock),
		Hub:             hub,
		Store:           st,
		Logger:          logger.WithPrefix("http"),
		Limiter:         limiter,
		BetRateLimit:    cfg.BetRateLimit,
		ActionRateLimit: cfg.ActionRateLimit,
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return services.NewSweeper(engine, clock, cfg.SweepInterval, logger.WithPrefix("sweeper")).Run(ctx)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(ctx, nil)
		})
	}
	return g.Wait()
}

func openStore(cfg *config.Config, logger *log.Logger) (store.Store, error) {
	if cfg.DatabasePath == "" {
		logger.Warn("DATABASE_PATH not set, rounds and balances live in memory")
		return store.NewMemoryStore(), nil
	}
	logger.Info("opening sqlite store", "path", cfg.DatabasePath)
	return store.NewSQLiteStore(cfg.DatabasePath)
}

func openVault(cfg *config.Config, logger *log.Logger) (*fairness.Vault, error) {
	if cfg.SeedVaultKey != "" {
		return fairness.NewVault(cfg.SeedVaultKey)
	}
	logger.Warn("SEED_VAULT_KEY not set, sealed seeds will not survive a restart")
	return fairness.NewEphemeralVault()
}
