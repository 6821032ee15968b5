package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openvelo/openvelo-server/internal/api"
	"github.com/openvelo/openvelo-server/internal/auth"
	"github.com/openvelo/openvelo-server/internal/bike"
	"github.com/openvelo/openvelo-server/internal/config"
	"github.com/openvelo/openvelo-server/internal/eventhub"
	"github.com/openvelo/openvelo-server/internal/fleet"
	"github.com/openvelo/openvelo-server/internal/httputil"
	"github.com/openvelo/openvelo-server/internal/issue"
	"github.com/openvelo/openvelo-server/internal/pickup"
	"github.com/openvelo/openvelo-server/internal/postgres"
	"github.com/openvelo/openvelo-server/internal/rental"
	"github.com/openvelo/openvelo-server/internal/reservation"
	"github.com/openvelo/openvelo-server/internal/session"
	"github.com/openvelo/openvelo-server/internal/sourcer"
	"github.com/openvelo/openvelo-server/internal/stats"
	"github.com/openvelo/openvelo-server/internal/stream"
	"github.com/openvelo/openvelo-server/internal/ticket"
	"github.com/openvelo/openvelo-server/internal/user"
	"github.com/openvelo/openvelo-server/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("mode", cfg.ServerMode).Msg("Starting OpenVelo Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer rdb.Close()
	log.Info().Msg("Valkey connected")

	// Repositories
	bikeRepo := bike.NewPGRepository(db)
	pickupRepo := pickup.NewPGRepository(db)
	rentalRepo := rental.NewPGRepository(db)
	reservationRepo := reservation.NewPGRepository(db)
	userRepo := user.NewPGRepository(db)
	issueRepo := issue.NewPGRepository(db)
	statsRepo := stats.NewPGRepository(db)

	// Event hub and the Valkey mirror of the fleet event feed
	hub := eventhub.New(log.Logger, fleet.Events)
	if err := stream.Bridge(hub, stream.NewPublisher(rdb, log.Logger)); err != nil {
		return fmt.Errorf("bridge event stream: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	// Bike sessions
	tickets := ticket.NewStore(cfg.TicketTTL, cfg.TicketMaxPerRemote, cfg.TicketSweepPeriod, log.Logger)
	go tickets.Run(bgCtx)
	tracker := session.NewTracker(bikeRepo, pickupRepo, tickets, hub, cfg.RPCTimeout, log.Logger)

	// Rental and reservation managers, rebuilt from the journal before the server accepts requests
	rentals := rental.NewManager(rentalRepo, bikeRepo, tracker, hub, log.Logger)
	if err := rentals.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild rentals: %w", err)
	}
	reservations := reservation.NewManager(reservationRepo, pickupRepo, tracker, rentals, hub,
		cfg.ReservationMinLead, cfg.ReservationWindow, log.Logger)
	if err := reservations.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild reservations: %w", err)
	}
	go reservations.RunExpiry(bgCtx)

	// Supply sourcing
	src, err := sourcer.New(reservations, hub, cfg.ReservationMinLead, cfg.SourcerPeriod, log.Logger)
	if err != nil {
		return fmt.Errorf("init sourcer: %w", err)
	}
	go src.Run(bgCtx)

	// Statistics. The recorder subscribes after the rental rebuild so the journal replay above is not double-counted
	// against the reloaded day row.
	recorder, err := stats.NewRecorder(statsRepo, hub, log.Logger)
	if err != nil {
		return fmt.Errorf("init stats recorder: %w", err)
	}
	if err := recorder.Rebuild(ctx); err != nil {
		return fmt.Errorf("rebuild stats: %w", err)
	}
	go recorder.Run(bgCtx, cfg.StatsFlushPeriod)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               cfg.ServerName,
		DisableStartupMessage: true,
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/405).
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternalError
			var e *fiber.Error
			if errors.As(err, &e) {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    code,
					Message: message,
				},
			})
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSAllowOrigins,
		AllowMethods:  "GET,POST,PUT,PATCH,DELETE,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization",
		ExposeHeaders: "X-Request-ID",
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	registerRoutes(app, cfg, db, rdb, routeDeps{
		bikes:        bikeRepo,
		pickups:      pickupRepo,
		rentals:      rentals,
		rentalRepo:   rentalRepo,
		reservations: reservations,
		users:        userRepo,
		issues:       issueRepo,
		tracker:      tracker,
		recorder:     recorder,
		statsRepo:    statsRepo,
		sourcer:      src,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		tracker.CloseAll()
		bgCancel()
		_ = app.Shutdown()
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// routeDeps bundles the shared state the route tree needs.
type routeDeps struct {
	bikes        bike.Repository
	pickups      pickup.Repository
	rentals      *rental.Manager
	rentalRepo   rental.Repository
	reservations *reservation.Manager
	users        user.Repository
	issues       issue.Repository
	tracker      *session.Tracker
	recorder     *stats.Recorder
	statsRepo    stats.Repository
	sourcer      *sourcer.Sourcer
}

func registerRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, deps routeDeps) {
	health := api.NewHealthHandler(db, rdb)
	app.Get("/api/v1/health", health.Health)

	bikeHandler := api.NewBikeHandler(deps.bikes, deps.tracker, cfg.LowBatteryThreshold, log.Logger)
	pickupHandler := api.NewPickupHandler(deps.pickups, deps.tracker, deps.rentals, deps.reservations, log.Logger)
	rentalHandler := api.NewRentalHandler(deps.rentals, deps.rentalRepo, log.Logger)
	reservationHandler := api.NewReservationHandler(deps.reservations, log.Logger)
	issueHandler := api.NewIssueHandler(deps.issues, log.Logger)
	userHandler := api.NewUserHandler(deps.users, deps.rentals, log.Logger)
	statsHandler := api.NewStatsHandler(deps.recorder, deps.statsRepo, deps.sourcer, log.Logger)

	// Bike handshake: POST issues the challenge, GET on the same path is the WebSocket upgrade that answers it.
	app.Post("/api/v1/bikes/connect", bikeHandler.Connect)
	app.Get("/api/v1/bikes/connect", bikeHandler.Upgrade)

	// Rider routes
	rider := app.Group("/api/v1", auth.RequireAuth(deps.users, cfg.JWTSecret, cfg.JWTIssuer))
	rider.Get("/pickups", pickupHandler.List)
	rider.Get("/pickups/:id/availability", pickupHandler.Availability)
	rider.Post("/rentals", rentalHandler.Start)
	rider.Get("/rentals", rentalHandler.History)
	rider.Get("/rentals/active", rentalHandler.Active)
	rider.Get("/rentals/estimate", rentalHandler.Estimate)
	rider.Post("/rentals/return", rentalHandler.Return)
	rider.Post("/rentals/cancel", rentalHandler.Cancel)
	rider.Post("/rentals/lock", rentalHandler.SetLock)
	rider.Post("/reservations", reservationHandler.Reserve)
	rider.Get("/reservations/active", reservationHandler.Active)
	rider.Post("/reservations/claim", reservationHandler.Claim)
	rider.Delete("/reservations", reservationHandler.Cancel)
	rider.Post("/issues", issueHandler.Report)
	rider.Get("/users/me", userHandler.Me)
	rider.Put("/users/me/payment", userHandler.SetPayment)
	rider.Delete("/users/me", userHandler.Delete)

	// Operations routes
	admin := rider.Group("/admin", auth.RequireAdmin())
	admin.Post("/bikes", bikeHandler.Register)
	admin.Get("/bikes", bikeHandler.List)
	admin.Patch("/bikes/:id/circulation", bikeHandler.SetCirculation)
	admin.Get("/bikes/low-battery", bikeHandler.LowBattery)
	admin.Post("/pickups", pickupHandler.Create)
	admin.Get("/issues", issueHandler.ListOpen)
	admin.Post("/issues/:id/close", issueHandler.Close)
	admin.Get("/stats/today", statsHandler.Today)
	admin.Get("/stats", statsHandler.Range)
	admin.Get("/shortages", statsHandler.Shortages)
	admin.Patch("/users/:id/admin", userHandler.SetAdmin)
}

// fiberStatusToCode maps an HTTP status code from Fiber's built-in errors (404, 405, etc.) to the closest API error
// code.
func fiberStatusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusTooManyRequests:
		return httputil.CodeRateLimited
	case status == fiber.StatusServiceUnavailable:
		return httputil.CodeServiceUnavailable
	case status >= 400 && status < 500:
		return httputil.CodeValidationError
	default:
		return httputil.CodeInternalError
	}
}
