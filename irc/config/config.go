package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/presbrey/ircd/irc/guard"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration
type Config struct {
	// Server identity
	Server struct {
		Name        string   `yaml:"name" toml:"name" json:"name" env:"IRCD_SERVER_NAME" validate:"required,hostname_rfc1123"`
		Network     string   `yaml:"network" toml:"network" json:"network" env:"IRCD_NETWORK" validate:"required"`
		SID         string   `yaml:"sid" toml:"sid" json:"sid" env:"IRCD_SID" validate:"omitempty,len=3,alphanum"`
		Description string   `yaml:"description" toml:"description" json:"description" env:"IRCD_DESCRIPTION"`
		Password    string   `yaml:"password" toml:"password" json:"password" env:"IRCD_PASSWORD"`
		MOTD        []string `yaml:"motd" toml:"motd" json:"motd"`
	} `yaml:"server" toml:"server" json:"server"`

	// Listeners
	Listen struct {
		Host              string `yaml:"host" toml:"host" json:"host" env:"IRCD_HOST" validate:"omitempty,ip"`
		Port              int    `yaml:"port" toml:"port" json:"port" env:"IRCD_PORT" validate:"gte=0,lte=65535"`
		TLSPort           int    `yaml:"tls_port" toml:"tls_port" json:"tls_port" env:"IRCD_TLS_PORT" validate:"gte=0,lte=65535"`
		LinkPort          int    `yaml:"link_port" toml:"link_port" json:"link_port" env:"IRCD_LINK_PORT" validate:"gte=0,lte=65535"`
		LinkTLSPort       int    `yaml:"link_tls_port" toml:"link_tls_port" json:"link_tls_port" env:"IRCD_LINK_TLS_PORT" validate:"gte=0,lte=65535"`
		MaxLineLength     int    `yaml:"max_line_length" toml:"max_line_length" json:"max_line_length" env:"IRCD_MAX_LINE_LENGTH" validate:"gte=64"`
		LinkMaxLineLength int    `yaml:"link_max_line_length" toml:"link_max_line_length" json:"link_max_line_length" env:"IRCD_LINK_MAX_LINE_LENGTH" validate:"gte=64"`
		SendQueue         int    `yaml:"send_queue" toml:"send_queue" json:"send_queue" env:"IRCD_SEND_QUEUE" validate:"gte=1"`
		LinkSendQueue     int    `yaml:"link_send_queue" toml:"link_send_queue" json:"link_send_queue" env:"IRCD_LINK_SEND_QUEUE" validate:"gte=1"`
		AcceptRate        int    `yaml:"accept_rate" toml:"accept_rate" json:"accept_rate" env:"IRCD_ACCEPT_RATE" validate:"gte=0"`
		AcceptBurst       int    `yaml:"accept_burst" toml:"accept_burst" json:"accept_burst" env:"IRCD_ACCEPT_BURST" validate:"gte=0"`
		PingInterval      int    `yaml:"ping_interval" toml:"ping_interval" json:"ping_interval" env:"IRCD_PING_INTERVAL" validate:"gte=0"`
		PingTimeout       int    `yaml:"ping_timeout" toml:"ping_timeout" json:"ping_timeout" env:"IRCD_PING_TIMEOUT" validate:"gte=0"`
	} `yaml:"listen" toml:"listen" json:"listen"`

	// TLS settings
	TLS struct {
		Cert          string `yaml:"cert" toml:"cert" json:"cert" env:"IRCD_TLS_CERT"`
		Key           string `yaml:"key" toml:"key" json:"key" env:"IRCD_TLS_KEY"`
		AutoGenerate  bool   `yaml:"auto_generate" toml:"auto_generate" json:"auto_generate" env:"IRCD_TLS_AUTO_GENERATE"`
		SaveGenerated bool   `yaml:"save_generated" toml:"save_generated" json:"save_generated" env:"IRCD_TLS_SAVE_GENERATED"`
		SNI           []struct {
			Name string `yaml:"name" toml:"name" json:"name" validate:"required"`
			Cert string `yaml:"cert" toml:"cert" json:"cert" validate:"required"`
			Key  string `yaml:"key" toml:"key" json:"key" validate:"required"`
		} `yaml:"sni" toml:"sni" json:"sni" validate:"dive"`
	} `yaml:"tls" toml:"tls" json:"tls"`

	// Admission control
	Guard struct {
		Window                int      `yaml:"window" toml:"window" json:"window" env:"IRCD_GUARD_WINDOW" validate:"gte=1"`
		MaxConnsPerWindow     int      `yaml:"max_conns_per_window" toml:"max_conns_per_window" json:"max_conns_per_window" env:"IRCD_GUARD_MAX_CONNS" validate:"gte=0"`
		MaxTLSConnsPerWindow  int      `yaml:"max_tls_conns_per_window" toml:"max_tls_conns_per_window" json:"max_tls_conns_per_window" env:"IRCD_GUARD_MAX_TLS_CONNS" validate:"gte=0"`
		MaxUnregisteredPerIP  int      `yaml:"max_unregistered_per_ip" toml:"max_unregistered_per_ip" json:"max_unregistered_per_ip" env:"IRCD_GUARD_MAX_UNREGISTERED" validate:"gte=0"`
		MaxActivePerIP        int      `yaml:"max_active_per_ip" toml:"max_active_per_ip" json:"max_active_per_ip" env:"IRCD_GUARD_MAX_ACTIVE" validate:"gte=0"`
		MaxTLSHandshakesPerIP int      `yaml:"max_tls_handshakes_per_ip" toml:"max_tls_handshakes_per_ip" json:"max_tls_handshakes_per_ip" env:"IRCD_GUARD_MAX_HANDSHAKES" validate:"gte=0"`
		RegistrationTimeout   int      `yaml:"registration_timeout" toml:"registration_timeout" json:"registration_timeout" env:"IRCD_REGISTRATION_TIMEOUT" validate:"gte=1"`
		TLSHandshakeTimeout   int      `yaml:"tls_handshake_timeout" toml:"tls_handshake_timeout" json:"tls_handshake_timeout" env:"IRCD_TLS_HANDSHAKE_TIMEOUT" validate:"gte=1"`
		Exempt                []string `yaml:"exempt" toml:"exempt" json:"exempt" env:"IRCD_GUARD_EXEMPT" validate:"dive,cidr|ip"`
	} `yaml:"guard" toml:"guard" json:"guard"`

	// Inbound line rate per connection
	Flood struct {
		MaxLines int `yaml:"max_lines" toml:"max_lines" json:"max_lines" env:"IRCD_FLOOD_MAX_LINES" validate:"gte=0"`
		Window   int `yaml:"window" toml:"window" json:"window" env:"IRCD_FLOOD_WINDOW" validate:"gte=1"`
	} `yaml:"flood" toml:"flood" json:"flood"`

	// Peers allowed to link, with bcrypt password hashes
	Links []struct {
		Name     string `yaml:"name" toml:"name" json:"name" validate:"required"`
		Password string `yaml:"password" toml:"password" json:"password" validate:"required"`
	} `yaml:"links" toml:"links" json:"links" validate:"dive"`

	// Ban store
	Bans struct {
		Driver string `yaml:"driver" toml:"driver" json:"driver" env:"IRCD_BANS_DRIVER" validate:"omitempty,oneof=sqlite mysql postgres"`
		DSN    string `yaml:"dsn" toml:"dsn" json:"dsn" env:"IRCD_BANS_DSN" validate:"required_with=Driver"`
	} `yaml:"bans" toml:"bans" json:"bans"`

	// Admin HTTP surface
	Admin struct {
		Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled" env:"IRCD_ADMIN_ENABLED"`
		Host    string `yaml:"host" toml:"host" json:"host" env:"IRCD_ADMIN_HOST"`
		Port    int    `yaml:"port" toml:"port" json:"port" env:"IRCD_ADMIN_PORT" validate:"gte=0,lte=65535"`
		Token   string `yaml:"token" toml:"token" json:"token" env:"IRCD_ADMIN_TOKEN"`
	} `yaml:"admin" toml:"admin" json:"admin"`

	// Logging
	Log struct {
		Env   string `yaml:"env" toml:"env" json:"env" env:"IRCD_LOG_ENV"`
		Level string `yaml:"level" toml:"level" json:"level" env:"IRCD_LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
	} `yaml:"log" toml:"log" json:"log"`

	// Configuration source for rehashing
	Source string `yaml:"-" toml:"-" json:"-"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	c.Server.Name = "irc.local"
	c.Server.Network = "PresbreyNet"
	c.Server.Description = "IRC server"

	c.Listen.Host = "0.0.0.0"
	c.Listen.Port = 6667
	c.Listen.MaxLineLength = 512
	c.Listen.LinkMaxLineLength = 8192
	c.Listen.SendQueue = 1024
	c.Listen.LinkSendQueue = 16384
	c.Listen.PingInterval = 90
	c.Listen.PingTimeout = 120

	c.Guard.Window = 60
	c.Guard.MaxConnsPerWindow = 20
	c.Guard.MaxTLSConnsPerWindow = 20
	c.Guard.MaxUnregisteredPerIP = 5
	c.Guard.MaxActivePerIP = 10
	c.Guard.MaxTLSHandshakesPerIP = 3
	c.Guard.RegistrationTimeout = 60
	c.Guard.TLSHandshakeTimeout = 10

	c.Flood.MaxLines = 20
	c.Flood.Window = 10

	c.Admin.Host = "127.0.0.1"
	c.Admin.Port = 7070

	c.Log.Level = "info"
}

// Load loads configuration from a file or URL, applies environment
// overrides and validates the result. An empty source yields the defaults
// with environment overrides.
func Load(source string) (*Config, error) {
	cfg := Default()

	if source != "" {
		if err := cfg.loadFromSource(source); err != nil {
			return nil, err
		}
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Reload reloads the configuration from the original source or a new source.
// The current configuration is kept if the new one fails to load.
func (c *Config) Reload(newSource string) error {
	source := c.Source
	if newSource != "" {
		source = newSource
	}

	newCfg, err := Load(source)
	if err != nil {
		return err
	}

	*c = *newCfg
	return nil
}

// loadFromSource loads configuration from a file or URL
func (c *Config) loadFromSource(source string) error {
	var data []byte
	var err error

	// Check if the source is a URL
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return fmt.Errorf("failed to load config from URL: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("failed to load config from URL, status: %s", resp.Status)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read config from URL: %w", err)
		}
	} else {
		data, err = os.ReadFile(source)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Determine the format based on file extension
	path := source
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch {
	case strings.HasSuffix(path, ".toml"):
		err = toml.Unmarshal(data, c)
	case strings.HasSuffix(path, ".json"):
		err = json.Unmarshal(data, c)
	default:
		// YAML for .yaml, .yml and anything else
		err = yaml.Unmarshal(data, c)
	}

	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	c.Source = source
	return nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ListenAddress returns the plain client listener address, or "" if disabled
func (c *Config) ListenAddress() string {
	if c.Listen.Port == 0 {
		return ""
	}
	return joinHostPort(c.Listen.Host, c.Listen.Port)
}

// TLSListenAddress returns the TLS client listener address, or "" if disabled
func (c *Config) TLSListenAddress() string {
	if c.Listen.TLSPort == 0 {
		return ""
	}
	return joinHostPort(c.Listen.Host, c.Listen.TLSPort)
}

// LinkListenAddress returns the plain server-link listener address, or ""
func (c *Config) LinkListenAddress() string {
	if c.Listen.LinkPort == 0 {
		return ""
	}
	return joinHostPort(c.Listen.Host, c.Listen.LinkPort)
}

// LinkTLSListenAddress returns the TLS server-link listener address, or ""
func (c *Config) LinkTLSListenAddress() string {
	if c.Listen.LinkTLSPort == 0 {
		return ""
	}
	return joinHostPort(c.Listen.Host, c.Listen.LinkTLSPort)
}

// AdminListenAddress returns the admin HTTP address
func (c *Config) AdminListenAddress() string {
	return joinHostPort(c.Admin.Host, c.Admin.Port)
}

// NeedsTLS reports whether any TLS listener is configured
func (c *Config) NeedsTLS() bool {
	return c.Listen.TLSPort != 0 || c.Listen.LinkTLSPort != 0
}

// GuardConfig converts the admission settings
func (c *Config) GuardConfig() guard.Config {
	return guard.Config{
		Window:                seconds(c.Guard.Window),
		MaxConnsPerWindow:     c.Guard.MaxConnsPerWindow,
		MaxTLSConnsPerWindow:  c.Guard.MaxTLSConnsPerWindow,
		MaxUnregisteredPerIP:  c.Guard.MaxUnregisteredPerIP,
		MaxActivePerIP:        c.Guard.MaxActivePerIP,
		MaxTLSHandshakesPerIP: c.Guard.MaxTLSHandshakesPerIP,
		RegistrationTimeout:   seconds(c.Guard.RegistrationTimeout),
		TLSHandshakeTimeout:   seconds(c.Guard.TLSHandshakeTimeout),
		Exempt:                append([]string(nil), c.Guard.Exempt...),
	}
}

// FloodWindow returns the flood gate window
func (c *Config) FloodWindow() time.Duration {
	return seconds(c.Flood.Window)
}

// PingInterval returns the idle time before the server pings a client
func (c *Config) PingInterval() time.Duration {
	return seconds(c.Listen.PingInterval)
}

// PingTimeout returns how long an unanswered PING is tolerated
func (c *Config) PingTimeout() time.Duration {
	return seconds(c.Listen.PingTimeout)
}

// LinkPassword returns the password hash configured for a peer
func (c *Config) LinkPassword(name string) (string, bool) {
	for _, l := range c.Links {
		if strings.EqualFold(l.Name, name) {
			return l.Password, true
		}
	}
	return "", false
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
