package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/provledger/internal/anchor"
	"github.com/jmerrifield20/provledger/internal/handler"
	"github.com/jmerrifield20/provledger/internal/ledger"
	"github.com/jmerrifield20/provledger/internal/metrics"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// healthService is the gRPC health service name that tracks the ledger.
const healthService = "provledger.Ledger"

func main() {
	cfg, found, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ledgerd:", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.LogDevelopment {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync() //nolint:errcheck

	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(cfg *config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Ledger ───────────────────────────────────────────────────────────────
	l, err := ledger.Open(ledger.Config{
		DataDir:       cfg.DataDir,
		CheckpointDir: cfg.CheckpointDir,
		MaxBytes:      cfg.MaxBytes,
		MaxSegments:   cfg.MaxSegments,
		SyncWrites:    cfg.SyncWrites,
	}, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer l.Close()

	n, _ := l.Len(ctx)
	root, _ := l.Root(ctx)
	metrics.SetIndexSize(n)
	logger.Info("ledger ready",
		zap.String("data_dir", cfg.DataDir),
		zap.Int("entries", n),
		zap.String("root", root),
	)
	l.AddObserver(metrics.LedgerObserver{})

	// ── gRPC health ──────────────────────────────────────────────────────────
	healthSvc := health.NewServer()
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	l.AddObserver(&healthObserver{svc: healthSvc, logger: logger})

	// ── Checkpoint anchoring ─────────────────────────────────────────────────
	var sinks []anchor.Sink
	if cfg.AnchorDatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.AnchorDatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := anchor.NewPostgresSink(pool, logger)
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		sinks = append(sinks, pg)
		logger.Info("checkpoint anchoring: postgres")
	}
	if cfg.AnchorWebhookURL != "" {
		sinks = append(sinks, anchor.NewWebhookSink(cfg.AnchorWebhookURL, cfg.AnchorWebhookKey, logger))
		logger.Info("checkpoint anchoring: webhook", zap.String("url", cfg.AnchorWebhookURL))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, anchor.NewLogSink(logger))
		logger.Info("checkpoint anchoring: log only (set anchor.database_url or anchor.webhook_url)")
	}
	sink := anchor.Multi(sinks...)

	publisher := anchor.NewPublisher(sink, anchor.Config{QueueSize: cfg.AnchorQueueSize}, logger)
	publisher.SetMetricsRecord(metrics.RecordAnchor)
	l.AddObserver(publisher)

	go func() {
		existing, err := l.Checkpoints(ctx)
		if err != nil {
			logger.Warn("anchor backfill: list checkpoints", zap.Error(err))
		} else {
			publisher.Backfill(ctx, existing)
		}
		publisher.Run(ctx)
	}()

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-Agent", "X-Action", handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(cfg.CORSOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	})

	if cfg.RateLimitRPS > 0 {
		limiter := handler.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2)
		go limiter.Run(ctx)
		router.Use(limiter.Middleware())
	}

	router.Use(metrics.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", healthz)
	router.GET("/metrics", metrics.Handler())

	ledgerHandler := handler.NewLedgerHandler(l, logger)
	ledgerHandler.SetMaxBodyBytes(cfg.MaxBodyBytes)
	ledgerHandler.SetPayloadRecord(metrics.RecordPayloadSize)
	ledgerHandler.Register(&router.RouterGroup)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening", zap.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	var grpcServer *grpc.Server
	if cfg.GRPCPort > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
		if err != nil {
			return fmt.Errorf("gRPC listen on :%d: %w", cfg.GRPCPort, err)
		}
		grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
		grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
		// gRPC reflection (for grpcurl and grpc_health_probe)
		reflection.Register(grpcServer)

		go func() {
			logger.Info("ledgerd gRPC health listening", zap.Int("port", cfg.GRPCPort))
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC serve error", zap.Error(err))
			}
		}()
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down ledgerd...")
	healthSvc.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	cancel()

	logger.Info("ledgerd stopped")
	return nil
}

// healthObserver reports NOT_SERVING on the gRPC health service while the
// last rotation has failed. Appends are still accepted in that state.
type healthObserver struct {
	svc    *health.Server
	logger *zap.Logger
}

func (h *healthObserver) Appended(ledger.Receipt) {}

func (h *healthObserver) Rotated(ledger.Checkpoint, int) {
	h.svc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
}

func (h *healthObserver) RotationFailed(err error) {
	h.logger.Warn("ledger degraded: rotation failed", zap.Error(err))
	h.svc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
