// Package server runs the listeners and drives every accepted connection
// from admission through registration to a single teardown.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/presbrey/ircd/irc/bans"
	"github.com/presbrey/ircd/irc/guard"
	"github.com/presbrey/ircd/irc/metrics"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrNoTLSConfig   = errors.New("TLS listener configured without a certificate")
	ErrNotRunning    = errors.New("server not running")
	ErrAlreadyServed = errors.New("server already started")
)

// BanChecker looks up IP bans before a connection is admitted
type BanChecker interface {
	TryMatchIP(ctx context.Context, ip string) (*bans.Ban, error)
}

// Dispatcher handles parsed lines and announces departures
type Dispatcher interface {
	Dispatch(ctx context.Context, s session.Session, msg ircmsg.Message) error
	UserQuit(s session.Session, u state.User, channels []*state.Channel, reason string)
	LinkLost(s session.Session, servers []state.RemoteServer, removed []state.Removed, reason string)
}

// Config holds listener addresses and per-connection limits. Empty
// addresses disable the listener.
type Config struct {
	ServerName string

	ListenAddr        string
	TLSListenAddr     string
	LinkListenAddr    string
	LinkTLSListenAddr string

	MaxLineLength     int
	LinkMaxLineLength int
	SendQueue         int
	LinkSendQueue     int

	// AcceptRate limits accepts per second across all listeners; zero disables it
	AcceptRate  float64
	AcceptBurst int

	PingInterval  time.Duration
	PingTimeout   time.Duration
	TickInterval  time.Duration
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ServerName == "" {
		c.ServerName = "irc.local"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 90 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 120 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.AcceptRate > 0 && c.AcceptBurst <= 0 {
		c.AcceptBurst = 1
	}
	return c
}

// Deps are the collaborators a Server drives. Bans, TLS and Metrics are
// optional.
type Deps struct {
	Registry   *state.Registry
	Sessions   *session.Registry
	Guard      *guard.Guard
	Flood      *guard.FloodGate
	Bans       BanChecker
	TLS        *tls.Config
	Metrics    *metrics.Metrics
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

// listener is one accepting endpoint
type listener struct {
	name   string
	kind   session.Kind
	secure bool
	ln     net.Listener
}

// Server owns the listeners and the per-connection goroutines
type Server struct {
	cfg        Config
	reg        *state.Registry
	sessions   *session.Registry
	guard      *guard.Guard
	flood      *guard.FloodGate
	bans       BanChecker
	tlsConfig  *tls.Config
	metrics    *metrics.Metrics
	dispatcher Dispatcher
	log        *zap.Logger
	limiter    *rate.Limiter

	mu        sync.Mutex
	listeners []*listener
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
}

// New creates a server. It does not listen until Start.
func New(cfg Config, deps Deps) (*Server, error) {
	cfg = cfg.withDefaults()
	if deps.Registry == nil || deps.Sessions == nil || deps.Guard == nil || deps.Dispatcher == nil {
		return nil, errors.New("server: registry, sessions, guard and dispatcher are required")
	}
	if deps.Flood == nil {
		deps.Flood = guard.NewFloodGate(20, 10*time.Second)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:        cfg,
		reg:        deps.Registry,
		sessions:   deps.Sessions,
		guard:      deps.Guard,
		flood:      deps.Flood,
		bans:       deps.Bans,
		tlsConfig:  deps.TLS,
		metrics:    deps.Metrics,
		dispatcher: deps.Dispatcher,
		log:        deps.Logger.Named("server"),
	}
	if cfg.AcceptRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst)
	}
	s.metrics.RegisterGauges(
		s.reg.UserCount,
		s.reg.ChannelCount,
		s.reg.ServerCount,
		s.sessions.Count,
	)
	return s, nil
}

// Start opens every configured listener and begins accepting. If any
// listener fails to open, the ones already opened are closed.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyServed
	}

	endpoints := []struct {
		name   string
		addr   string
		kind   session.Kind
		secure bool
	}{
		{"client", s.cfg.ListenAddr, session.KindClient, false},
		{"client-tls", s.cfg.TLSListenAddr, session.KindClient, true},
		{"link", s.cfg.LinkListenAddr, session.KindLink, false},
		{"link-tls", s.cfg.LinkTLSListenAddr, session.KindLink, true},
	}

	var opened []*listener
	for _, ep := range endpoints {
		if ep.addr == "" {
			continue
		}
		if ep.secure && s.tlsConfig == nil {
			closeListeners(opened)
			return fmt.Errorf("%s on %s: %w", ep.name, ep.addr, ErrNoTLSConfig)
		}
		ln, err := net.Listen("tcp", ep.addr)
		if err != nil {
			closeListeners(opened)
			return fmt.Errorf("failed to start %s listener: %w", ep.name, err)
		}
		s.log.Info("listening", zap.String("listener", ep.name), zap.Stringer("addr", ln.Addr()))
		opened = append(opened, &listener{name: ep.name, kind: ep.kind, secure: ep.secure, ln: ln})
	}
	if len(opened) == 0 {
		return errors.New("server: no listeners configured")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.listeners = opened
	s.started = true

	for _, l := range opened {
		s.acceptWG.Add(1)
		go s.acceptLoop(l)
	}
	s.acceptWG.Add(1)
	go s.sweepLoop()
	return nil
}

func closeListeners(ls []*listener) {
	for _, l := range ls {
		l.ln.Close()
	}
}

// Addr returns the bound address of the named listener ("client",
// "client-tls", "link", "link-tls"), or nil
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if l.name == name {
			return l.ln.Addr()
		}
	}
	return nil
}

// Shutdown stops accepting, asks every session to close with "Server
// shutting down" and waits for the connection goroutines or ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	listeners := s.listeners
	s.listeners = nil
	s.started = false
	s.mu.Unlock()

	s.log.Info("shutting down", zap.Int("sessions", s.sessions.Count()))
	closeListeners(listeners)
	s.sessions.CloseAll(session.ReasonShutdown)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.acceptWG.Wait()
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(l *listener) {
	defer s.acceptWG.Done()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		nc, err := l.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", zap.String("listener", l.name), zap.Error(err))
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
			continue
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			s.handleConn(nc, l)
		}()
	}
}

// sweepLoop prunes idle per-IP guard entries
func (s *Server) sweepLoop() {
	defer s.acceptWG.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.guard.Sweep(); n > 0 {
				s.log.Debug("swept idle guard entries", zap.Int("count", n))
			}
		case <-s.ctx.Done():
			return
		}
	}
}
