package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Anirudh-x/CyberForge-sub000/internal/auth"
	"github.com/Anirudh-x/CyberForge-sub000/internal/catalog"
	"github.com/Anirudh-x/CyberForge-sub000/internal/deploy"
	server "github.com/Anirudh-x/CyberForge-sub000/pkg"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/api"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/config"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/metrics"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/scheduler"
	"github.com/Anirudh-x/CyberForge-sub000/pkg/worker"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo-contrib/echoprometheus"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve [port]",
	Short: "Start the CyberForge orchestrator",
	Long:  "Starts the CyberForge orchestrator server to handle machine lifecycle and flag verification requests from the platform frontend.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		portStr := args[0]
		if !validatePort(portStr) {
			fmt.Fprintf(os.Stderr, "Invalid port: %s\n", portStr)
			os.Exit(1)
		}

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true

		skipper := func(c echo.Context) bool {
			// Skip health check endpoint
			return c.Request().URL.Path == "/health"
		}
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogStatus:   true,
			LogMethod:   true,
			LogRemoteIP: true,
			LogURI:      true,
			Skipper:     skipper,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				zap.S().Infof("| %v | %v | %v | %v", v.RemoteIP, v.Method, v.URI, v.Status)
				return nil
			},
		}))
		e.Use(middleware.CORS())

		e.Use(echoprometheus.NewMiddleware("cyberforge")) // register middleware to gather metrics from requests
		e.GET("/metrics", echoprometheus.NewHandler())
		cfg := config.Get()

		// JWT secret from env wins over the config file
		jwtSecret := os.Getenv("JWT_SECRET")
		if jwtSecret == "" {
			jwtSecret = cfg.Auth.JWTSecret
		}
		if jwtSecret == "" {
			zap.S().Fatal("JWT_SECRET is required")
		}

		jwtConfig := echojwt.Config{
			NewClaimsFunc: func(c echo.Context) jwt.Claims {
				return new(auth.Claims)
			},
			SigningKey: []byte(jwtSecret),
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/health" || c.Path() == "/metrics"
			},
		}
		e.Use(echojwt.WithConfig(jwtConfig))

		db, err := server.InitDB(cfg.Orchestrator.DBPath)
		if err != nil {
			zap.S().Fatalf("Failed to initialize database: %v", err)
		}

		idx, err := catalog.NewIndex(cfg.Orchestrator.ModuleDir)
		if err != nil {
			zap.S().Fatalf("Failed to index vulnerability modules: %v", err)
		}
		counts := make(map[string]int)
		for _, m := range idx.GetAll() {
			counts[m.Domain]++
		}
		metrics.SetModulesIndexed(counts)
		zap.S().Infof("Indexed %d vulnerability modules from %s", len(idx.GetAll()), cfg.Orchestrator.ModuleDir)

		confProv := config.GlobalProvider{}
		deployer := deploy.NewDockerDeployer(cfg)
		prometheus.MustRegister(metrics.NewMachineCollector(db))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// With Redis configured, deploys go through the reliable job queue;
		// without it they run as in-process goroutines.
		var queue *worker.Queue
		var pool *worker.Pool
		if cfg.Orchestrator.Redis.Addr != "" {
			queue, err = worker.NewQueue(worker.QueueConfig{
				Addr:     cfg.Orchestrator.Redis.Addr,
				Password: cfg.Orchestrator.Redis.Password,
				DB:       cfg.Orchestrator.Redis.DB,
			}, zap.S())
			if err != nil {
				zap.S().Fatalf("Failed to connect to Redis: %v", err)
			}
			prometheus.MustRegister(metrics.NewQueueCollector(queue))
			pool = worker.NewPool(worker.PoolConfig{
				NumWorkers: cfg.Orchestrator.NumWorkers,
				Queue:      queue,
				DB:         db,
				Catalog:    idx,
				ConfProv:   confProv,
				Deployer:   deployer,
				Logger:     zap.S(),
			})
			pool.Start(ctx)
		}

		sched := scheduler.NewExpiryScheduler(db, deployer, confProv, zap.S())
		srv := server.NewServerWithOpts(server.ServerOpts{
			DB:              db,
			Catalog:         idx,
			ConfigProvider:  confProv,
			Deployer:        deployer,
			Queue:           queue,
			ExpiryScheduler: sched,
		})
		srv.StartScheduler(ctx, sched)
		api.RegisterHandlers(e, srv)

		go func() {
			zap.S().Infof("Starting server on port %s", portStr)
			if err := e.Start(":" + portStr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zap.S().Fatalf("shutting down the server: %v", err)
			}
		}()
		// Wait for interrupt signal to gracefully shut down the server
		<-ctx.Done()
		zap.S().Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Minute)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to shutdown server: %v", err)
		}
		if pool != nil {
			pool.Stop()
		}
		if queue != nil {
			_ = queue.Close()
		}
		if err := srv.Wait(shutdownCtx); err != nil {
			zap.S().Fatalf("Failed to wait for server shutdown: %v", err)
		}
	},
}

func validatePort(port string) bool {
	if port == "" {
		return false
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	if portInt < 1 || portInt > 65535 {
		return false
	}
	return true
}
