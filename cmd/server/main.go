package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/application"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/channel"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/config"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/domain/route"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/events"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/handler"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/database"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/kafka"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/logger"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/metrics"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/pkg/middleware"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/repository"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/routing"
	"github.com/Kilat-Pet-Delivery/service-dispatch/internal/statemachine"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const serviceName = "service-dispatch"

func main() {
	configFile := pflag.StringP("config", "c", "", "path to a YAML config file")
	pflag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewNamed(cfg.AppEnv, serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	log.Info("starting service-dispatch",
		zap.Int("port", cfg.Server.Port),
		zap.String("node_id", nodeID),
	)

	// Connect to database
	db, err := database.Connect(cfg.Database.Postgres(), log)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := db.AutoMigrate(&repository.AppointmentModel{}); err != nil {
		log.Fatal("failed to run auto-migration", zap.Error(err))
	}
	appointmentRepo := repository.NewGormAppointmentRepository(db)

	// Live channel
	var ch channel.Channel
	if cfg.NATS.Embedded {
		ch = channel.NewMemoryBus().Endpoint()
		log.Info("using in-process live channel")
	} else {
		codec, err := channel.NewCodec()
		if err != nil {
			log.Fatal("failed to build channel codec", zap.Error(err))
		}
		natsCh, err := channel.NewNATS(cfg.NATS.URL, nodeID, codec, log)
		if err != nil {
			log.Fatal("failed to connect to nats", zap.Error(err))
		}
		ch = natsCh
	}
	defer func() { _ = ch.Close() }()

	// Routing engine
	directions := routing.NewDirectionsClient(
		cfg.Routing.BaseURL,
		cfg.Routing.AccessToken,
		routing.Flavor(cfg.Routing.Provider),
		&http.Client{Timeout: cfg.Routing.Timeout},
	)
	engineOpts := []routing.Option{
		routing.WithTimeout(cfg.Routing.Timeout),
		routing.WithDefaultProfile(route.Profile(cfg.Routing.DefaultProfile)),
		routing.WithFallbackSpeed(cfg.Routing.FallbackSpeedKmh),
	}
	var routeCache *routing.ValkeyCache
	if cfg.Valkey.Enabled {
		routeCache, err = routing.NewValkeyCache(cfg.Valkey.Addr)
		if err != nil {
			log.Warn("route cache disabled", zap.String("addr", cfg.Valkey.Addr), zap.Error(err))
		} else {
			defer routeCache.Close()
			engineOpts = append(engineOpts, routing.WithCache(routeCache, cfg.Routing.CacheTTL))
		}
	}
	engine := routing.NewEngine(directions, log, engineOpts...)

	// Initialize Kafka producer
	kafkaProducer := kafka.NewProducer(cfg.Kafka.Brokers, log)
	defer func() { _ = kafkaProducer.Close() }()

	// Initialize application service
	machine := statemachine.New(ch, appointmentRepo, log, statemachine.WithOrigin(nodeID))
	dispatchService := application.NewDispatchService(
		machine,
		engine,
		appointmentRepo,
		events.NewAppointmentPublisher(kafkaProducer, cfg.Kafka.EventsTopic),
		application.Settings{
			DefaultProfile:       route.Profile(cfg.Routing.DefaultProfile),
			OffRouteMeters:       cfg.Routing.OffRouteMeters,
			ArrivalRadiusMeters:  cfg.Navigation.ArrivalRadiusMeters,
			RetryInitialInterval: cfg.Persistence.RetryInitialInterval,
			RetryMaxElapsed:      cfg.Persistence.RetryMaxElapsed,
		},
		log,
	)
	defer dispatchService.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := dispatchService.Bootstrap(ctx); err != nil {
		log.Fatal("failed to load open appointments", zap.Error(err))
	}

	// Setup Gin router
	if cfg.AppEnv != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Apply global middleware
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.LoggerMiddleware(log))
	router.Use(middleware.RequestIDMiddleware())
	router.Use(metrics.Middleware())

	// Register health and metrics routes
	health := handler.NewHealthHandler(serviceName).
		AddCheck("database", appointmentRepo.Ping).
		AddCheck("channel", handler.ConnectedCheck(ch.Connected))
	if routeCache != nil {
		health.AddCheck("route_cache", routeCache.Ping)
	}
	health.RegisterRoutes(router)
	router.GET("/metrics", metrics.Handler())

	// Register routes
	api := &router.RouterGroup
	handler.NewAppointmentHandler(dispatchService).RegisterRoutes(api)
	handler.NewNavigationHandler(dispatchService).RegisterRoutes(api)
	handler.NewRouteHandler(dispatchService).RegisterRoutes(api)
	handler.NewAdminAppointmentHandler(dispatchService).RegisterRoutes(api)
	handler.NewLiveHandler(dispatchService, log).RegisterRoutes(api)

	// Create HTTP server. WriteTimeout stays zero so live feeds are not cut.
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return machine.Run(gctx)
	})

	if cfg.Kafka.ConsumeIntake {
		intake := events.NewInboundConsumer(
			cfg.Kafka.Brokers,
			cfg.Kafka.GroupID,
			cfg.Kafka.BookingTopic,
			cfg.Kafka.PaymentTopic,
			dispatchService,
			log,
		)
		defer func() { _ = intake.Close() }()

		g.Go(func() error {
			log.Info("starting intake event consumer")
			if err := intake.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("intake consumer: %w", err)
			}
			return nil
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down service-dispatch...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server forced shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("service-dispatch stopped with error", zap.Error(err))
		return
	}
	log.Info("service-dispatch stopped")
}
