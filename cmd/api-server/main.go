package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"mangatrack/internal/admission"
	"mangatrack/internal/auth"
	"mangatrack/internal/catalog"
	"mangatrack/internal/jobs"
	"mangatrack/internal/library"
	synchub "mangatrack/internal/sync"
	"mangatrack/pkg/database"
	"mangatrack/pkg/models"
	"mangatrack/pkg/utils"
)

func main() {
	cfg := database.DefaultConfig()
	db := database.MustOpen(cfg)
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	srvCfg := utils.LoadServerConfig()

	router := gin.Default()
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	hub := synchub.NewHub()
	router.GET("/ws", synchub.WSHandler(hub))
	tcpSrv := synchub.NewServer(srvCfg.TCPAddr, hub)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "db": cfg.Path})
	})

	router.GET("/ready", func(c *gin.Context) {
		stats := hub.Stats()
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":      "not_ready",
				"db_error":    err.Error(),
				"tcp_clients": stats.TCPClients,
				"ws_clients":  stats.WSClients,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ready",
			"db":          "ok",
			"tcp_clients": stats.TCPClients,
			"ws_clients":  stats.WSClients,
		})
	})

	queue := jobs.NewQueue(db)
	catRepo := catalog.NewRepo(db)
	admit := admission.NewController(queue, catRepo)

	router.GET("/debug", func(c *gin.Context) {
		stats := hub.Stats()
		depth, err := queue.BacklogDepth(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "backlog failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"db":          cfg.Path,
			"backlog":     depth,
			"tcp_clients": stats.TCPClients,
			"ws_clients":  stats.WSClients,
		})
	})

	// admission dry-run, for operators tuning tiers
	router.GET("/debug/admission", func(c *gin.Context) {
		d := admit.Decide(
			c.Request.Context(),
			c.Query("source_id"),
			models.Tier(c.DefaultQuery("tier", "C")),
			admission.Reason(c.DefaultQuery("reason", "PERIODIC")),
		)
		c.JSON(http.StatusOK, d)
	})

	// Catalog (public, read-only)
	catalog.NewHandler(catRepo).RegisterRoutes(router.Group("/manga"))

	// Auth
	authCfg := utils.LoadAuthConfig()
	tokenSvc := auth.TokenService{
		Secret:   []byte(authCfg.JWTSecret),
		Issuer:   authCfg.JWTIssuer,
		Duration: authCfg.JWTDuration,
	}
	authRepo := auth.NewRepo(db)
	auth.NewHandler(authRepo, tokenSvc).RegisterRoutes(router.Group("/auth"))

	authMW := auth.AuthMiddleware(tokenSvc, authRepo)

	router.GET("/users/me", authMW, func(c *gin.Context) {
		claims := auth.MustGetClaims(c)
		c.JSON(http.StatusOK, gin.H{
			"id":       claims.UserID,
			"username": claims.Username,
			"email":    claims.Email,
		})
	})

	// Library (protected)
	libHandler := library.NewHandler(library.NewRepo(db), catRepo, queue, hub)
	libHandler.RegisterRoutes(router.Group("/api/library"), authMW)

	httpSrv := &http.Server{
		Addr:    srvCfg.HTTPAddr,
		Handler: router,
	}

	runCtx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpSrv.Run(runCtx); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("HTTP API server listening on %s", srvCfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("shutdown signal received: %s", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	log.Println("shutting down servers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	stop()
	hub.Shutdown()

	wg.Wait()
	log.Println("servers stopped")
}
