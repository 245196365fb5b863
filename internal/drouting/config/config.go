package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sebas/drouter/internal/drouting/loader"
	"github.com/sebas/drouter/internal/drouting/selector"
)

// Config holds the routing service configuration
type Config struct {
	// SIP settings
	Port          int
	BindAddr      string
	AdvertiseAddr string // Address to advertise in SIP headers
	LogLevel      string

	// Management
	APIAddr   string
	APISecret string // HS256 secret for API bearer tokens, empty disables auth
	GRPCAddr  string // gRPC health service, empty disables it

	// Data source
	DBDriver  string
	DBURL     string
	Tables    loader.Tables
	FetchRows int
	ForceDNS  bool

	// Selection
	SortOrder  string
	AppendRest bool
	Dedup      bool
	MaxGwList  int

	// Caller groups
	UseDomain     bool
	RedisAddr     string
	GroupCacheTTL time.Duration

	// Keepalive
	Keepalive         bool
	KeepaliveInterval time.Duration

	// Reload
	ReloadSchedule string
	ReloadTimeout  time.Duration
}

// Load reads an optional .env file, the command line flags, then the
// environment. Environment variables override flags.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("[Config] Failed to read .env", "error", err)
	}
	return Parse(flag.CommandLine, os.Args[1:], os.Getenv)
}

// Parse fills a Config from args and getenv and validates it.
func Parse(fs *flag.FlagSet, args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Tables:        loader.DefaultTables(),
		ReloadTimeout: 30 * time.Second,
	}

	fs.IntVar(&cfg.Port, "sip-port", 5060, "SIP listening port")
	fs.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	fs.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in SIP headers (auto-detected if not set)")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.APIAddr, "api-addr", ":8080", "Management API listen address")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "Secret for management API bearer tokens (empty disables auth)")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", ":9091", "gRPC health listen address (empty to disable)")
	fs.StringVar(&cfg.DBDriver, "db-driver", "sqlite3", "Database driver (sqlite3, pgx)")
	fs.StringVar(&cfg.DBURL, "db-url", "", "Database URL or sqlite file")
	fs.IntVar(&cfg.FetchRows, "fetch-rows", loader.DefaultFetchRows, "Rows fetched per loader batch")
	fs.BoolVar(&cfg.ForceDNS, "force-dns", true, "Resolve gateway host names at load time")
	fs.StringVar(&cfg.SortOrder, "sort-order", "sequential", "Gateway order (sequential, random_full, random_one_per_group or 0/1/2)")
	fs.BoolVar(&cfg.AppendRest, "append-rest", false, "Append the rest of each run after the drawn gateway")
	fs.BoolVar(&cfg.Dedup, "dedup", false, "Skip gateways already used by an earlier run")
	fs.IntVar(&cfg.MaxGwList, "max-gwlist", selector.MaxEntries, "Gateway entries considered per rule")
	fs.BoolVar(&cfg.UseDomain, "use-domain", false, "Key caller groups by user and domain")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the shared group cache (empty disables it)")
	fs.DurationVar(&cfg.GroupCacheTTL, "group-cache-ttl", time.Minute, "Caller group cache TTL")
	fs.BoolVar(&cfg.Keepalive, "keepalive", false, "Probe gateways with SIP OPTIONS")
	fs.DurationVar(&cfg.KeepaliveInterval, "keepalive-interval", 10*time.Second, "Keepalive probe interval")
	fs.StringVar(&cfg.ReloadSchedule, "reload-schedule", "", "Cron expression for scheduled reloads (empty disables it)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	env := envReader{getenv: getenv}
	env.lookupInt("SIP_PORT", &cfg.Port)
	env.lookupString("BIND", &cfg.BindAddr)
	env.lookupString("ADVERTISE", &cfg.AdvertiseAddr)
	env.lookupString("LOGLEVEL", &cfg.LogLevel)
	env.lookupString("API_ADDR", &cfg.APIAddr)
	env.lookupString("API_JWT_SECRET", &cfg.APISecret)
	env.lookupString("GRPC_ADDR", &cfg.GRPCAddr)
	env.lookupString("DB_DRIVER", &cfg.DBDriver)
	env.lookupString("DB_URL", &cfg.DBURL)
	env.lookupString("DR_GATEWAYS_TABLE", &cfg.Tables.Gateways)
	env.lookupString("DR_RULES_TABLE", &cfg.Tables.Rules)
	env.lookupString("DR_GWLISTS_TABLE", &cfg.Tables.GwLists)
	env.lookupString("DR_GROUPS_TABLE", &cfg.Tables.Groups)
	env.lookupInt("FETCH_ROWS", &cfg.FetchRows)
	env.lookupBool("FORCE_DNS", &cfg.ForceDNS)
	env.lookupString("SORT_ORDER", &cfg.SortOrder)
	env.lookupBool("APPEND_REST", &cfg.AppendRest)
	env.lookupBool("DEDUP_ACROSS_GROUPS", &cfg.Dedup)
	env.lookupInt("MAX_GWLIST", &cfg.MaxGwList)
	env.lookupBool("USE_DOMAIN", &cfg.UseDomain)
	env.lookupString("REDIS_ADDR", &cfg.RedisAddr)
	env.lookupDuration("GROUP_CACHE_TTL", &cfg.GroupCacheTTL)
	env.lookupBool("ENABLE_KEEPALIVE", &cfg.Keepalive)
	env.lookupDuration("KEEPALIVE_INTERVAL", &cfg.KeepaliveInterval)
	env.lookupString("RELOAD_SCHEDULE", &cfg.ReloadSchedule)
	if env.err != nil {
		return nil, env.err
	}

	if cfg.AdvertiseAddr == "" || net.ParseIP(cfg.AdvertiseAddr) == nil {
		cfg.AdvertiseAddr = primaryInterfaceIP()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if _, err := c.Order(); err != nil {
		return err
	}
	if _, err := loader.ParseDialect(c.DBDriver); err != nil {
		return err
	}
	if strings.TrimSpace(c.DBURL) == "" {
		return errors.New("config: database url is required")
	}
	if c.FetchRows <= 0 {
		return fmt.Errorf("config: fetch rows must be positive, got %d", c.FetchRows)
	}
	if c.MaxGwList <= 0 || c.MaxGwList > selector.MaxEntries {
		return fmt.Errorf("config: max gwlist must be in 1..%d, got %d", selector.MaxEntries, c.MaxGwList)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid sip port %d", c.Port)
	}
	if c.Keepalive && c.KeepaliveInterval <= 0 {
		return errors.New("config: keepalive interval must be positive")
	}
	return c.Tables.Validate()
}

// Order returns the parsed sort order.
func (c *Config) Order() (selector.Order, error) {
	return selector.ParseOrder(c.SortOrder)
}

// Selector returns the selector options the config describes.
func (c *Config) Selector() selector.Options {
	order, _ := c.Order()
	return selector.Options{
		Order:      order,
		AppendRest: c.AppendRest,
		Dedup:      c.Dedup,
		MaxEntries: c.MaxGwList,
	}
}

// SIPAddr is the SIP listen address.
func (c *Config) SIPAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

type envReader struct {
	getenv func(string) string
	err    error
}

func (e *envReader) lookupString(key string, dst *string) {
	if v := e.getenv(key); v != "" {
		*dst = v
	}
}

func (e *envReader) lookupInt(key string, dst *int) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) lookupBool(key string, dst *bool) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = b
}

func (e *envReader) lookupDuration(key string, dst *time.Duration) {
	v := e.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = d
}

func (e *envReader) fail(key, value string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config: %s=%q: %w", key, value, err)
	}
}

// primaryInterfaceIP returns the first IPv4 address of an up, non-loopback
// interface.
func primaryInterfaceIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
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
