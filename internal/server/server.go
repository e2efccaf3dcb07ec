// Package server exposes the proxy endpoint and the chat persistence API
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
	"github.com/zulandar/customgpt/internal/config"
	"github.com/zulandar/customgpt/internal/logging"
	"github.com/zulandar/customgpt/internal/proxy"
	"github.com/zulandar/customgpt/internal/store"
)

const shutdownTimeout = 10 * time.Second

// StartOpts holds configuration for the server.
type StartOpts struct {
	Config   config.Config
	Store    store.Store
	Executor *proxy.Executor // defaults to one built from Config.Proxy
	Out      io.Writer
}

// NewRouter builds the gin engine with every route registered. It does not
// listen; tests drive it through httptest.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("server: store is required")
	}
	exec := opts.Executor
	if exec == nil {
		exec = proxy.New(proxy.Options{
			Timeout:          opts.Config.Proxy.Timeout,
			MaxResponseBytes: opts.Config.Proxy.MaxResponseBytes,
		})
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logging.For("http")))
	router.Use(cors.New(corsConfig(opts.Config.Server.CORSOrigins)))
	router.Use(bodyLimit(opts.Config.Server.BodyLimitBytes))

	registerRoutes(router, &handlers{store: opts.Store, exec: exec})
	return router, nil
}

// Start launches the HTTP server and the store health monitor. It blocks
// until ctx is cancelled, then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	gin.SetMode(gin.ReleaseMode)
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	log := logging.For("server")
	addr := opts.Config.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	mon, err := newMonitor(opts.Store, opts.Config.Store.HealthSchedule, opts.Config.Store.HealthTimeout)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	mon.Start(ctx)
	defer mon.Stop()

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr <- srv.Shutdown(sctx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "customgpt server running at http://%s\n", displayAddr(opts.Config))
	}
	log.WithField("addr", addr).Info("listening")

	var result *multierror.Error
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	if err := <-shutdownErr; err != nil {
		result = multierror.Append(result, fmt.Errorf("server: shutdown: %w", err))
	}
	log.Info("stopped")
	return result.ErrorOrNil()
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func displayAddr(c config.Config) string {
	if c.Server.Host == "" || c.Server.Host == "0.0.0.0" {
		return fmt.Sprintf("localhost:%d", c.Server.Port)
	}
	return c.Addr()
}
