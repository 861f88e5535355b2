package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds the voicebridge service configuration
type Config struct {
	// SIP settings
	Port          int    `env:"PORT" envDefault:"5060"`
	BindAddr      string `env:"BIND" envDefault:"0.0.0.0"`
	AdvertiseAddr string `env:"ADVERTISE"`

	// Logging
	LogLevel      string `env:"LOGLEVEL" envDefault:"debug"`
	LogFile       string `env:"LOG_FILE"`
	LogMaxSizeMB  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogMaxBackups int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAgeDays int    `env:"LOG_MAX_AGE_DAYS" envDefault:"30"`

	// HTTP status API
	APIAddr string `env:"API_ADDR" envDefault:"0.0.0.0:8080"`

	// Media server pool
	MediaServerAddrs      []string      `env:"MEDIA_SERVER_ADDRS" envSeparator:"," envDefault:"localhost:9090"`
	GRPCConnectTimeout    time.Duration `env:"GRPC_CONNECT_TIMEOUT" envDefault:"10s"`
	GRPCKeepaliveInterval time.Duration `env:"GRPC_KEEPALIVE_INTERVAL" envDefault:"30s"`
	GRPCKeepaliveTimeout  time.Duration `env:"GRPC_KEEPALIVE_TIMEOUT" envDefault:"10s"`
	HealthCheckInterval   time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"5s"`
	CommandTimeout        time.Duration `env:"COMMAND_TIMEOUT" envDefault:"5s"`

	// Session snapshots. Redis is used when RedisAddr is set.
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"1h"`

	// Flow profile
	FlowPath string `env:"FLOW_FILE" envDefault:"resources/config/flow.ini"`
	Flow     *Flow
}

// LoadEnv loads ENV_FILE (or .env) into the process environment. A missing
// file is not an error.
func LoadEnv() error {
	envfile := os.Getenv("ENV_FILE")
	var err error
	if envfile == "" {
		err = godotenv.Load()
	} else {
		err = godotenv.Load(envfile)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load builds the configuration from the environment, then applies
// command-line flags on top, then reads the flow profile.
func Load(args []string) (*Config, error) {
	if err := LoadEnv(); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.parseFlags(args); err != nil {
		return nil, err
	}

	if cfg.AdvertiseAddr == "" || !isValidAddress(cfg.AdvertiseAddr) {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}

	flow, err := LoadFlow(cfg.FlowPath)
	if err != nil {
		return nil, err
	}
	cfg.Flow = flow

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseFlags(args []string) error {
	fset := flag.NewFlagSet("voicebridge", flag.ContinueOnError)
	fset.IntVar(&c.Port, "port", c.Port, "SIP listening port")
	fset.StringVar(&c.BindAddr, "bind", c.BindAddr, "SIP bind address")
	fset.StringVar(&c.AdvertiseAddr, "advertise", c.AdvertiseAddr, "Address to advertise in SIP headers (auto-detected if not set)")
	fset.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "Log level (debug, info, warn, error)")
	fset.StringVar(&c.LogFile, "logfile", c.LogFile, "Rotating log file path (stdout only if empty)")
	fset.StringVar(&c.APIAddr, "api", c.APIAddr, "HTTP status API listen address")
	fset.StringVar(&c.FlowPath, "flow", c.FlowPath, "Path to the flow profile (INI)")
	fset.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address for session snapshots (memory if empty)")

	mediaAddrs := strings.Join(c.MediaServerAddrs, ",")
	fset.StringVar(&mediaAddrs, "media", mediaAddrs, "Media server gRPC addresses (comma-separated)")

	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	c.MediaServerAddrs = parseAddressList(mediaAddrs)
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid SIP port %d", c.Port)
	}
	if len(c.MediaServerAddrs) == 0 {
		return errors.New("at least one media server address is required")
	}
	if c.Flow == nil {
		return errors.New("flow profile not loaded")
	}
	return c.Flow.Validate()
}

// LogValue implements slog.LogValuer
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Port),
		slog.String("advertise", c.AdvertiseAddr),
		slog.String("media", strings.Join(c.MediaServerAddrs, ",")),
		slog.String("redis", c.RedisAddr),
		slog.String("flow", c.FlowPath),
	)
}

// parseAddressList parses a comma-separated list of addresses
func parseAddressList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			addrs = append(addrs, p)
		}
	}
	return addrs
}

// isValidAddress checks if the address is a valid IP or resolvable hostname
func isValidAddress(addr string) bool {
	if ip := net.ParseIP(addr); ip != nil {
		return true
	}
	ips, err := net.LookupIP(addr)
	return err == nil && len(ips) > 0
}

// getPrimaryInterfaceIP returns the first IPv4 address of an up, non-loopback interface
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
