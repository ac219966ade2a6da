package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/jinmel/polybot/api"
	"github.com/jinmel/polybot/config"
	"github.com/jinmel/polybot/handlers"
	"github.com/jinmel/polybot/middleware"
	"github.com/jinmel/polybot/storage"
	"github.com/jinmel/polybot/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("POLYBOT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	auth, err := api.NewAuth(cfg.API.ChainID)
	if err != nil {
		log.Fatalf("failed to load signing key: %v", err)
	}
	log.Printf("[main] trading as %s, copying %s", auth.GetAddress(), cfg.Target.Address)

	clob, err := api.NewClobClient(cfg.API.ClobURL, auth)
	if err != nil {
		log.Fatalf("failed to init CLOB client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := clob.DeriveAPICreds(ctx)
	if err != nil {
		log.Fatalf("failed to derive API credentials: %v", err)
	}

	dataAPI := api.NewClient(cfg.API.DataAPIURL)

	observer := syncer.NewObserver(dataAPI, cfg.Target.Address, cfg.Poll.PageLimit, cfg.Poll.MaxPages)
	reconciler := syncer.NewReconciler(cfg)
	executor := syncer.NewExecutor(clob, store, cfg)
	executor.SetPositionSource(dataAPI, auth.GetAddress().Hex())

	userWS := api.NewUserWS(*creds)
	userWS.Start(ctx)
	defer userWS.Stop()
	executor.SetFillUpdates(userWS.Updates())

	// Roll forward anything left in flight by a previous run before
	// polling resumes.
	if err := executor.Recover(ctx); err != nil {
		log.Fatalf("startup recovery failed: %v", err)
	}

	driver := syncer.NewDriver(observer, reconciler, executor, store, cfg)
	go driver.Start(ctx)
	log.Printf("[main] copy-trading loop started (poll interval %s)", cfg.PollInterval())

	// Set up router
	r := gin.Default()
	h := handlers.NewHandler(cfg, store)

	r.GET("/healthz", h.Health)
	authed := r.Group("/api", middleware.BasicAuth())
	authed.GET("/positions", h.GetPositions)
	authed.GET("/copytrades", h.GetCopyTrades)
	authed.GET("/stats", h.GetStats)

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[main] shutdown signal received, draining")

	driver.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}

	log.Println("[main] shutdown complete")
}
