package handlers

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"provably-fair-backend/internal/middleware"
	"provably-fair-backend/internal/policy"
	"provably-fair-backend/internal/services"
	"provably-fair-backend/internal/store"
)

type RouterConfig struct {
	Engine   *services.RoundEngine
	Policies *policy.Registry
	JWT      *services.JWTService
	Hub      *services.Hub
	Store    store.Store
	Logger   *log.Logger

	// Limiter may be nil, which turns rate limiting off.
	Limiter         middleware.RateLimiter
	BetRateLimit    int
	ActionRateLimit int
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(cfg.Logger), middleware.CORS())

	rounds := NewRoundHandler(cfg.Engine, cfg.Logger)
	accounts := NewAccountHandler(cfg.Engine)
	admin := NewAdminHandler(cfg.Engine, cfg.Policies, cfg.Logger)
	ws := NewWebSocketHandler(cfg.Engine, cfg.Hub, cfg.Logger)
	health := NewHealthHandler(cfg.Store)

	router.GET("/health", health.Health)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg.JWT))
	{
		protected.GET("/me", accounts.GetCurrentUser)
		protected.GET("/balance", accounts.GetBalance)
		protected.GET("/ledger", accounts.GetLedger)
		protected.GET("/ws", ws.HandleWebSocket)

		r := protected.Group("/rounds")
		{
			r.POST("", middleware.RateLimitMiddleware(cfg.Limiter, "bet", cfg.BetRateLimit, time.Minute), rounds.OpenRound)
			r.GET("", rounds.ListRounds)
			r.GET("/:id", rounds.GetRound)
			r.GET("/:id/verify", rounds.Verify)

			steps := r.Group("/:id")
			steps.Use(middleware.RateLimitMiddleware(cfg.Limiter, "action", cfg.ActionRateLimit, time.Minute))
			{
				steps.POST("/commit", rounds.Commit)
				steps.POST("/action", rounds.Action)
				steps.POST("/resolve", rounds.Resolve)
				steps.POST("/settle", rounds.Settle)
				steps.POST("/void", rounds.Void)
			}
		}

		ops := protected.Group("/admin")
		ops.Use(middleware.RequireAdmin())
		{
			ops.GET("/policies", admin.ListPolicies)
			ops.PUT("/policies/:game", admin.UpdatePolicy)
			ops.POST("/rounds/:id/void", admin.VoidRound)
			ops.POST("/players/:id/credit", admin.CreditPlayer)
		}
	}

	return router
}
