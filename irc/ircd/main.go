package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/presbrey/ircd/irc/admind"
	"github.com/presbrey/ircd/irc/bans"
	"github.com/presbrey/ircd/irc/certs"
	"github.com/presbrey/ircd/irc/config"
	"github.com/presbrey/ircd/irc/dispatch"
	"github.com/presbrey/ircd/irc/guard"
	"github.com/presbrey/ircd/irc/logging"
	"github.com/presbrey/ircd/irc/metrics"
	"github.com/presbrey/ircd/irc/server"
	"github.com/presbrey/ircd/irc/session"
	"github.com/presbrey/ircd/irc/state"
	"go.uber.org/zap"
)

const (
	shutdownTimeout  = 10 * time.Second
	banPurgeInterval = 10 * time.Minute
	version          = "ircd-1.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ircd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Define command-line flags
	configPath := flag.String("config", "", "Configuration file or URL (YAML, TOML or JSON)")
	envDir := flag.String("env-dir", ".", "Directory to search upward for .env files")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	envFiles, err := config.LoadEnvTree(*envDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger, err := logging.New(cfg.Log.Env, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting",
		zap.String("version", version),
		zap.String("server", cfg.Server.Name),
		zap.String("config", cfg.Source),
		zap.Strings("env_files", envFiles),
	)

	var provider *certs.Provider
	var tlsConfig *tls.Config
	if cfg.NeedsTLS() {
		sni := make(map[string]certs.Pair, len(cfg.TLS.SNI))
		for _, entry := range cfg.TLS.SNI {
			sni[entry.Name] = certs.Pair{CertFile: entry.Cert, KeyFile: entry.Key}
		}
		provider, err = certs.New(certs.Options{
			Default:       certs.Pair{CertFile: cfg.TLS.Cert, KeyFile: cfg.TLS.Key},
			AutoGenerate:  cfg.TLS.AutoGenerate,
			SaveGenerated: cfg.TLS.SaveGenerated,
			ServerName:    cfg.Server.Name,
			Organization:  cfg.Server.Network,
			Hosts:         []string{cfg.Server.Name},
			SNI:           sni,
			Log:           logger,
		})
		if err != nil {
			return err
		}
		tlsConfig = provider.TLSConfig()
		logger.Info("TLS certificate loaded", zap.String("fingerprint", provider.Fingerprint()))
	}

	var store *bans.Store
	var banChecker server.BanChecker
	if cfg.Bans.Driver != "" {
		store, err = bans.Open(cfg.Bans.Driver, cfg.Bans.DSN)
		if err != nil {
			return err
		}
		defer bans.Close()
		banChecker = store
	}

	g, err := guard.New(cfg.GuardConfig())
	if err != nil {
		return err
	}
	flood := guard.NewFloodGate(cfg.Flood.MaxLines, cfg.FloodWindow())

	reg := state.New()
	sessions := session.NewRegistry()
	m := metrics.New()

	d := dispatch.New(dispatch.Config{
		ServerName:   cfg.Server.Name,
		Network:      cfg.Server.Network,
		SID:          cfg.Server.SID,
		Description:  cfg.Server.Description,
		Version:      version,
		Password:     cfg.Server.Password,
		MOTD:         cfg.Server.MOTD,
		LinkPassword: cfg.LinkPassword,
	}, reg, sessions, logger)

	srv, err := server.New(server.Config{
		ServerName:        cfg.Server.Name,
		ListenAddr:        cfg.ListenAddress(),
		TLSListenAddr:     cfg.TLSListenAddress(),
		LinkListenAddr:    cfg.LinkListenAddress(),
		LinkTLSListenAddr: cfg.LinkTLSListenAddress(),
		MaxLineLength:     cfg.Listen.MaxLineLength,
		LinkMaxLineLength: cfg.Listen.LinkMaxLineLength,
		SendQueue:         cfg.Listen.SendQueue,
		LinkSendQueue:     cfg.Listen.LinkSendQueue,
		AcceptRate:        float64(cfg.Listen.AcceptRate),
		AcceptBurst:       cfg.Listen.AcceptBurst,
		PingInterval:      cfg.PingInterval(),
		PingTimeout:       cfg.PingTimeout(),
	}, server.Deps{
		Registry:   reg,
		Sessions:   sessions,
		Guard:      g,
		Flood:      flood,
		Bans:       banChecker,
		TLS:        tlsConfig,
		Metrics:    m,
		Dispatcher: d,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	var admin *admind.Server
	if cfg.Admin.Enabled {
		deps := admind.Deps{
			Registry: reg,
			Sessions: sessions,
			Guard:    g,
			Metrics:  m,
			Logger:   logger,
		}
		if store != nil {
			deps.Bans = store
		}
		admin, err = admind.New(admind.Config{
			Addr:       cfg.AdminListenAddress(),
			ServerName: cfg.Server.Name,
			Token:      cfg.Admin.Token,
		}, deps)
		if err != nil {
			return err
		}
		go func() {
			if err := admin.Start(); err != nil {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
	}

	if store != nil {
		go purgeBans(ctx, store, logger)
	}

	// Wait for termination signal, reloading certificates on SIGHUP
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			logger.Info("shutdown signal received", zap.Stringer("signal", sig))
			break
		}
		if provider == nil {
			continue
		}
		if err := provider.Reload(); err != nil {
			logger.Error("failed to reload certificates", zap.Error(err))
			continue
		}
		logger.Info("certificates reloaded", zap.String("fingerprint", provider.Fingerprint()))
	}
	signal.Stop(sigChan)

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin shutdown", zap.Error(err))
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}

	logger.Info("stopped")
	return nil
}

// purgeBans deletes lapsed bans until ctx is done
func purgeBans(ctx context.Context, store *bans.Store, log *zap.Logger) {
	ticker := time.NewTicker(banPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := store.PurgeExpired(ctx)
			if err != nil {
				log.Warn("failed to purge bans", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("purged expired bans", zap.Int64("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
