/*
Package irc holds the protocol helpers shared by the daemon's connection core:
numeric replies, RFC 1459 casemapping, hostmask formatting, nickname and
channel name validation and the capability table offered during CAP
negotiation.

# Layout

The daemon is split into small packages that each own one concern:

  - irc/state: the registry of users, nicknames, channels and linked servers
  - irc/session: plain and TLS sessions with a bounded outbound queue
  - irc/guard: per-IP admission control and the per-connection flood gate
  - irc/server: listeners and the per-connection accept/registration loop
  - irc/dispatch: the line parser and the command dispatcher
  - irc/bans: D-line and Z-line storage consulted before admission
  - irc/certs: TLS certificates for the secure listeners
  - irc/metrics: prometheus counters for the core
  - irc/admind: the admin HTTP surface
  - irc/config: configuration loading and validation
  - irc/ircd: the daemon binary

# Connection lifecycle

Every accepted socket is checked against the ban list and the admission
guard before a session exists. TLS sockets then complete their handshake
under a per-IP handshake cap. A session registers a placeholder user in the
state registry, starts its writer goroutine and enters the read loop, which
enforces the registration deadline and the flood gate and hands each parsed
line to the dispatcher. Teardown runs exactly once per connection.

# Usage

	cfg, err := config.Load("ircd.yaml")
	if err != nil {
	    log.Fatalf("Failed to load config: %v", err)
	}

	srv, err := server.New(cfg, deps)
	if err != nil {
	    log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Start(ctx); err != nil {
	    log.Fatalf("Failed to start server: %v", err)
	}
*/
package irc
