package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"sysmon/internal/handlers"
	"sysmon/internal/metrics"
	"sysmon/internal/middleware"
	"sysmon/internal/monitor"
	"sysmon/internal/store"
	"sysmon/internal/utils"
	"sysmon/internal/version"
)

type App struct {
	store       *store.Store
	monitor     *monitor.Monitor
	wsHub       *middleware.Hub
	rateLimiter *middleware.RateLimiter
	logger      *utils.Logger
	tlsEnabled  bool
	tlsCertPath string
	tlsKeyPath  string
}

var app *App

const (
	envAddr    = "SYSMON_ADDR"
	envDataDir = "SYSMON_DATA"
	envUseTLS  = "SYSMON_USE_TLS"
	envTLSCert = "SYSMON_TLS_CERT"
	envTLSKey  = "SYSMON_TLS_KEY"
)

func envBool(key string) bool {
	val := os.Getenv(key)
	if val == "" {
		return false
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return false
	}
	return parsed
}

func main() {
	// Set Gin mode
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	dataRoot := os.Getenv(envDataDir)
	if dataRoot == "" {
		dataRoot = utils.DefaultRoot()
	}
	paths := utils.NewPaths(dataRoot)
	if err := paths.EnsureRoot(); err != nil {
		log.Fatalf("Failed to create data directory %s: %v", dataRoot, err)
	}

	logger := utils.NewLogger(paths.LogFile())
	defer logger.Close()

	sampleStore, err := store.Open(store.Config{
		Path:   paths.DatabaseFile(),
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to open sample store: %v", err)
	}

	metrics.Register()

	// Initialize application
	app = &App{
		store:       sampleStore,
		wsHub:       middleware.NewHub(logger),
		rateLimiter: middleware.NewRateLimiter(rate.Every(time.Minute/600), 30),
		logger:      logger,
		tlsEnabled:  envBool(envUseTLS),
		tlsCertPath: os.Getenv(envTLSCert),
		tlsKeyPath:  os.Getenv(envTLSKey),
	}
	app.monitor = monitor.New(sampleStore, app.wsHub, logger)
	app.wsHub.SetSnapshotSource(app.monitor.SnapshotEvents)
	app.wsHub.SetInboundHandler(app.monitor.HandleInbound)

	// Start WebSocket hub
	go app.wsHub.Run()

	r := setupRouter()

	addr := os.Getenv(envAddr)
	if addr == "" {
		addr = ":8080"
	}

	// Set up graceful shutdown
	srv := &http.Server{
		Addr:           addr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	// Start server in a goroutine
	if app.tlsEnabled {
		if app.tlsCertPath == "" || app.tlsKeyPath == "" {
			log.Fatalf("%s is enabled but %s or %s not provided", envUseTLS, envTLSCert, envTLSKey)
		}
		go func() {
			log.Printf("Starting sysmon %s HTTPS server on %s", version.String(), addr)
			if err := srv.ListenAndServeTLS(app.tlsCertPath, app.tlsKeyPath); err != nil && err != http.ErrServerClosed {
				log.Fatalf("HTTPS server failed to start: %v", err)
			}
		}()
	} else {
		go func() {
			log.Printf("Starting sysmon %s server on %s", version.String(), addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Server failed to start: %v", err)
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	app.rateLimiter.Stop()

	// Give server 5 seconds to finish handling requests
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	if err := app.store.Close(); err != nil {
		log.Printf("Error closing sample store: %v", err)
	}

	log.Println("Server exited")
}

func setupRouter() *gin.Engine {
	r := gin.New()

	// Add recovery middleware
	r.Use(gin.Recovery())

	// Add custom logging middleware
	r.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
			param.ClientIP,
			param.TimeStamp.Format(time.RFC1123),
			param.Method,
			param.Path,
			param.Request.Proto,
			param.StatusCode,
			param.Latency,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))

	// Security middleware
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())

	// Rate limiting per client IP
	r.Use(app.rateLimiter.Middleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Initialize handlers
	dataHandlers := handlers.NewDataHandlers(app.monitor, app.logger)

	// Telemetry ingestion and queries
	r.POST("/data", dataHandlers.DataPOST)
	r.GET("/devices", dataHandlers.DevicesGET)
	r.GET("/data/:id", dataHandlers.DataGET)

	api := r.Group("/api")
	{
		api.GET("/device/:id/history", dataHandlers.HistoryGET)
	}

	// WebSocket endpoint: viewers receive update events, agents may
	// push samples over the same socket.
	r.GET("/ws", app.wsHub.HandleWebSocket())

	return r
}
