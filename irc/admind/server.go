// Package admind serves the daemon's admin HTTP surface: health, metrics,
// live statistics and ban management.
package admind

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/presbrey/ircd/irc/bans"
	"github.com/presbrey/ircd/irc/guard"
	"github.com/presbrey/ircd/irc/metrics"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
)

// BanStore is the ban repository the admin API manages
type BanStore interface {
	Add(ctx context.Context, b *bans.Ban) error
	Remove(ctx context.Context, id uint) (bool, error)
	List(ctx context.Context) ([]bans.Ban, error)
}

// Config configures the admin server
type Config struct {
	Addr       string
	ServerName string
	// Token, when set, is required as a bearer token on /stats and /bans
	Token string
}

// Deps are the components the admin server reports on. Bans and Metrics
// are optional.
type Deps struct {
	Registry *state.Registry
	Sessions *session.Registry
	Guard    *guard.Guard
	Bans     BanStore
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Server is the admin HTTP server
type Server struct {
	cfg     Config
	deps    Deps
	log     *zap.Logger
	e       *echo.Echo
	started time.Time
	now     func() time.Time
}

// New builds the admin server and its routes
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Registry == nil || deps.Sessions == nil || deps.Guard == nil {
		return nil, errors.New("admind: registry, sessions and guard are required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.Named("admind"),
		now:  time.Now,
	}
	s.started = s.now()
	s.e = s.route()
	return s, nil
}

func (s *Server) route() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newValidator()

	e.Use(middleware.Recover())
	e.Use(s.deps.Metrics.Middleware())
	e.Use(s.requestLogger)

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))

	var auth []echo.MiddlewareFunc
	if s.cfg.Token != "" {
		auth = append(auth, bearerAuth(s.cfg.Token))
	}
	e.GET("/stats", s.handleStats, auth...)
	e.GET("/bans", s.handleListBans, auth...)
	e.POST("/bans", s.handleAddBan, auth...)
	e.DELETE("/bans/:id", s.handleRemoveBan, auth...)
	return e
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.log.Debug("request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote_ip", c.RealIP()),
		)
		return nil
	}
}

// Handler exposes the routes, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.e
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info("admin listening", zap.String("addr", s.cfg.Addr))
	if err := s.e.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the admin server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}
