package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zfsdash/internal/config"
	"zfsdash/internal/controllers"
	"zfsdash/internal/middleware"
	"zfsdash/internal/routes"
	"zfsdash/internal/services"

	"github.com/gin-gonic/gin"
)

func newDialer(cfg *config.Config) services.Dialer {
	if cfg.Feed.Transport == "mqtt" {
		log.Printf("Feed transport: mqtt (%s, topic %s/<pool>)", cfg.Feed.MQTTBroker, cfg.Feed.MQTTTopicPrefix)
		return services.NewMQTTDialer(cfg.Feed.MQTTBroker, cfg.Feed.MQTTTopicPrefix)
	}
	log.Printf("Feed transport: websocket (%s)", cfg.Feed.URL)
	return services.NewWebSocketDialer(cfg.Feed.URL)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store := services.NewStore(newDialer(cfg), services.StoreOptions{
		Capacity: cfg.Feed.Capacity,
		Feed: services.FeedOptions{
			BackoffBase: cfg.Feed.BackoffBase,
			BackoffMax:  cfg.Feed.BackoffMax,
			IdleGrace:   cfg.Feed.IdleGrace,
		},
	})

	hub := services.NewLiveHub(store)
	hub.Start()

	source, err := services.SelectIOStatSource(cfg.IOStat.Source)
	if err != nil {
		log.Fatalf("iostat: %v", err)
	}
	log.Printf("IOStat source: %s (interval: %v)", source.Name(), cfg.IOStat.Interval)

	r := gin.Default()
	r.Use(middleware.SecurityHeadersMiddleware())
	r.Use(middleware.CORSMiddleware(cfg.HTTP.CORSOrigins))

	api := r.Group("/", middleware.RateLimitMiddleware(middleware.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst)))
	routes.RegisterPoolRoutes(api, controllers.NewPoolsController(store))
	routes.RegisterWebSocketRoutes(r,
		controllers.NewIOStatController(source, cfg.IOStat.Interval, cfg.HTTP.CORSOrigins),
		controllers.NewLiveController(hub, cfg.HTTP.CORSOrigins),
	)

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "feeds": len(store.Resources()), "clients": hub.ClientCount()})
	})

	srv := &http.Server{Addr: cfg.Listen, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Listening on %s", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	hub.Stop()
	store.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}
