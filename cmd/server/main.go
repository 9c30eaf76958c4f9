package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ksred/escrow-api/internal/auth"
	"github.com/ksred/escrow-api/internal/config"
	"github.com/ksred/escrow-api/internal/database"
	"github.com/ksred/escrow-api/internal/escrow"
	"github.com/ksred/escrow-api/internal/ledger"
	"github.com/ksred/escrow-api/internal/trading"
	"github.com/ksred/escrow-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// setupLogging configures the application logging based on environment
// settings. In development mode it enables pretty printing with timestamps;
// in production it writes to a rotating log file. Debug logging can be
// enabled via the DEBUG environment variable.
func setupLogging(cfg *config.Config) {
	if cfg.IsProduction() {
		zlog.Logger = zerolog.New(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
		}).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the escrow ledger API server with graceful
// shutdown support. It sets up all required services, database connections,
// and API routes
func main() {
	cfg := config.Load()
	setupLogging(cfg)

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	authService.RegisterAdminCredentials(auth.TestAdminAPIKey, auth.TestAdminAPISecret)

	ledgerService := ledger.NewService(db)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	tradingService := trading.NewService(db, ledgerService.Store())
	tradingHandlers := trading.NewGinHandlers(tradingService)

	escrowService := escrow.NewService(db, ledgerService.Store())
	escrowHandlers := escrow.NewGinHandlers(escrowService)

	// Create and start the idempotency janitor
	janitor := trading.NewJanitor(tradingService.Database())
	janitorCtx, janitorCancel := context.WithCancel(context.Background())
	defer janitorCancel()

	go janitor.Start(janitorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, ledgerHandlers, tradingHandlers, escrowHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Ledger and trade routes: Protected by JWT authentication
// - Escrow transition routes: Protected by JWT authentication; party
//   checks happen inside the engine
// - Admin routes: JWT plus the administrator claim
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	escrowHandlers *escrow.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// User routes
		user := v1.Group("")
		user.Use(middleware.JWTAuth(jwtSecret))
		{
			user.GET("/ledger", ledgerHandlers.GetLedgerHandler())
			user.POST("/trades", tradingHandlers.ExecuteTradeHandler())
			user.GET("/trades", tradingHandlers.GetTradesHandler())
			user.GET("/escrow/:trade_id", escrowHandlers.GetTradeHandler())
			user.POST("/escrow/:trade_id/confirm-payment", escrowHandlers.ConfirmPaymentHandler())
			user.POST("/escrow/:trade_id/release-funds", escrowHandlers.ReleaseFundsHandler())
		}

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(jwtSecret))
		{
			admin.GET("/escrow", escrowHandlers.ListTradesHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/escrow", escrowHandlers.CreateTradeHandler())
			internal.POST("/ledger/:user_id/deposit", ledgerHandlers.DepositHandler())
		}
	}
}
