package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/connexus-ai/rag-aggregator/internal/client"
	"github.com/connexus-ai/rag-aggregator/internal/config"
	"github.com/connexus-ai/rag-aggregator/internal/handler"
	"github.com/connexus-ai/rag-aggregator/internal/middleware"
	"github.com/connexus-ai/rag-aggregator/internal/mq"
	"github.com/connexus-ai/rag-aggregator/internal/router"
	"github.com/connexus-ai/rag-aggregator/internal/service"
	"github.com/connexus-ai/rag-aggregator/internal/tunnel"
)

const Version = "0.1.0"

// dialBus connects the configured tunnel bus backend. A dial failure here is
// fatal: the tunnel authority and reserved-queue broker are useless without
// a working transport.
func dialBus(cfg *config.Config) (tunnel.Bus, error) {
	switch cfg.TunnelBus {
	case "pubsub":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return tunnel.NewPubSubBus(ctx, cfg.PubSubProject)
	default:
		return tunnel.NewNATSBus(cfg.NATSURL, cfg.TransportAuth)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config.Load: %w", err)
	}

	bus, err := dialBus(cfg)
	if err != nil {
		return fmt.Errorf("dial tunnel bus: %w", err)
	}
	defer bus.Close()

	dataSourceClient := client.NewDataSourceClient(cfg.RetrievalTimeout)
	modelClient := client.NewModelClient(cfg.GenerationTimeout)
	peerClient := tunnel.NewPeerClient(bus, cfg.AggregatorOwner, cfg.RetrievalTimeout+cfg.GenerationTimeout)

	transport := service.NewTransportRouter(dataSourceClient, modelClient, peerClient)
	retrieval := service.NewRetrievalService(transport)
	generation := service.NewGenerationService(transport)
	orchestrator := service.NewOrchestrator(retrieval, generation)

	tokenAuthority := tunnel.NewTokenAuthority(time.Minute, cfg.TransportURL, cfg.TransportAuth)
	broker := mq.NewBroker(time.Minute)
	defer broker.Stop()

	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)
	retrieval.SetMetrics(metrics)

	var generalLimiter, chatLimiter *middleware.RateLimiter
	if cfg.Environment != "development" {
		generalLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 300, Window: time.Minute})
		defer generalLimiter.Stop()
		chatLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{MaxRequests: 30, Window: time.Minute})
		defer chatLimiter.Stop()
	}

	deps := &router.Dependencies{
		Version:            Version,
		ServiceName:        "rag-aggregator",
		CORSOrigins:        cfg.CORSOrigins,
		Metrics:            metrics,
		MetricsReg:         reg,
		InternalAuthSecret: cfg.InternalAuthSecret,
		BusPinger:          bus,
		TotalTimeout:       cfg.TotalTimeout,
		GeneralRateLimiter: generalLimiter,
		ChatRateLimiter:    chatLimiter,
		ChatDeps: handler.ChatDeps{
			Orchestrator: orchestrator,
			Tokens:       tokenAuthority,
			Limits: service.Limits{
				DefaultTopK:       cfg.DefaultTopK,
				MaxTopK:           cfg.MaxTopK,
				MaxDataSources:    cfg.MaxDataSources,
				RetrievalTimeout:  cfg.RetrievalTimeout,
				GenerationTimeout: cfg.GenerationTimeout,
			},
		},
		PeerTokenDeps: handler.PeerTokenDeps{
			Authority:     tokenAuthority,
			ExpireSeconds: cfg.PeerTokenExpireSeconds,
			Metrics:       metrics,
		},
		NATSCredsDeps: handler.NATSCredentialsDeps{
			TransportAuth: cfg.TransportAuth,
		},
		MQDeps: handler.MQDeps{
			Broker:  broker,
			TTL:     cfg.ReservedQueueTTL,
			Metrics: metrics,
		},
	}

	r := router.New(deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE routes hold the connection open; bounded instead by TotalTimeout
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("rag-aggregator v%s starting on port %d (tunnel bus: %s)", Version, cfg.Port, cfg.TunnelBus)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down gracefully", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	log.Println("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
