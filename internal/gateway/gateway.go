// Package gateway exposes a connected simulator over HTTP, with a websocket
// stream of console notifications.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/simctl/internal/auth"
	"github.com/danmuck/simctl/internal/dpi"
	"github.com/danmuck/simctl/internal/observability"
	"github.com/danmuck/simctl/internal/sim"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Listen      string
	CORSOrigins []string
	// WaitTimeout applies to /wait requests that give no timeout.
	WaitTimeout     time.Duration
	ShutdownTimeout time.Duration
	// Token, when set, is required as a bearer token on every route but
	// the health, readiness and metrics probes.
	Token string
}

func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:9010",
		CORSOrigins:     []string{"http://localhost:5173"},
		WaitTimeout:     30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

type Gateway struct {
	cfg      Config
	sim      *sim.Simulator
	bus      *dpi.Client
	router   *gin.Engine
	started  time.Time
	upgrader websocket.Upgrader
}

// New builds the HTTP surface for s. bus may be nil, in which case the
// transaction routes answer 503.
func New(cfg Config, s *sim.Simulator, bus *dpi.Client) *Gateway {
	observability.RegisterMetrics()
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultConfig().WaitTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	if cfg.Token != "" {
		r.Use(auth.Require(auth.SharedToken(cfg.Token), "/health", "/ready", "/metrics"))
	}

	g := &Gateway{
		cfg:     cfg,
		sim:     s,
		bus:     bus,
		router:  r,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	g.registerRoutes()
	return g
}

func (g *Gateway) Router() *gin.Engine {
	return g.router
}

// Serve listens on cfg.Listen until ctx ends, then shuts down gracefully.
func (g *Gateway) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              g.cfg.Listen,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", g.cfg.Listen).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:5173"}
	}
	return out
}
