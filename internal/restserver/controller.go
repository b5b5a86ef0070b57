// Package restserver serves the read API over the latest published
// snapshot. Handlers only ever read the hot cache; they never reach the
// forecast provider.
package restserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/evaonline/matopiba/internal/types"
	"github.com/evaonline/matopiba/pkg/config"
)

// SnapshotStore is the hot cache read capability the API consumes.
type SnapshotStore interface {
	GetSnapshot(ctx context.Context) (*types.Snapshot, error)
	GetMetadata(ctx context.Context) (*types.RunMetadata, error)
}

// Controller represents the read API server controller
type Controller struct {
	ctx            context.Context
	wg             *sync.WaitGroup
	configProvider config.ConfigProvider
	Server         http.Server
	logger         *zap.SugaredLogger
	handlers       *Handlers
}

// NewController creates a new read API controller backed by the store.
func NewController(ctx context.Context, wg *sync.WaitGroup, configProvider config.ConfigProvider, store SnapshotStore, logger *zap.SugaredLogger) (*Controller, error) {
	ctrl := &Controller{
		ctx:            ctx,
		wg:             wg,
		configProvider: configProvider,
		logger:         logger,
	}

	cfg, err := configProvider.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %v", err)
	}

	ctrl.handlers = NewHandlers(store, logger)

	router := ctrl.setupRouter()
	ctrl.Server.Addr = cfg.ListenAddr
	ctrl.Server.Handler = handlers.ProxyHeaders(handlers.CompressHandler(ctrl.requestLogger(router)))

	return ctrl, nil
}

// StartController starts the read API server
func (c *Controller) StartController() error {
	c.logger.Info("Starting read API controller...")
	c.logger.Infof("Read API listening on %s", c.Server.Addr)
	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		if err := c.Server.ListenAndServe(); err != http.ErrServerClosed {
			c.logger.Errorf("read API server error: %v", err)
		}
	}()

	go func() {
		<-c.ctx.Done()
		c.logger.Info("Shutting down the read API server...")
		c.Server.Shutdown(context.Background())
	}()

	return nil
}

// setupRouter configures the HTTP router with all endpoints
func (c *Controller) setupRouter() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/matopiba/forecasts", c.handlers.GetForecasts).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/matopiba/forecasts/{code}", c.handlers.GetCityForecast).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/matopiba/metadata", c.handlers.GetMetadata).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/matopiba/health", c.handlers.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

// requestLogger logs one line per request at debug level.
func (c *Controller) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.logger.Debugf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
