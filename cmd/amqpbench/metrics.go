package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/amqpwire/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func newMetricsRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	observability.RegisterMetrics()
	started := time.Now()

	r := gin.New()
	r.Use(gin.Recovery(), observability.RequestLogger(observability.Component("http")))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(started).String(),
		})
	})
	return r
}

// withMetrics serves the admin surface on addr while fn runs. An empty addr
// runs fn alone.
func withMetrics(addr string, fn func() error) error {
	if addr == "" {
		return fn()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: newMetricsRouter(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Msgf("amqpbench.Metrics serve failed err=%v", err)
		}
	}()
	log.Info().Msgf("amqpbench.Metrics addr=%s", ln.Addr())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	return fn()
}
