// Package config loads the rps YAML configuration, applies defaults and
// RPS_* environment overrides, and validates the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/die-net/rps/internal/logger"
	"github.com/die-net/rps/internal/proto"
	"github.com/die-net/rps/internal/upstream"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes the environment overrides.
const EnvPrefix = "RPS_"

// Config is the whole rps configuration file.
type Config struct {
	Title     string    `yaml:"title"`
	PIDFile   string    `yaml:"pidfile" env:"PIDFILE"`
	Servers   Servers   `yaml:"servers"`
	Upstreams Upstreams `yaml:"upstreams"`
	API       API       `yaml:"api"`
	Admin     Admin     `yaml:"admin"`
	Log       Log       `yaml:"log"`
}

// Servers holds the listeners and their shared timeouts.
type Servers struct {
	// RTimeout and FTimeout are in seconds.
	RTimeout  int        `yaml:"rtimeout"`
	FTimeout  int        `yaml:"ftimeout"`
	Listeners []Listener `yaml:"ss"`
}

// Listener is one front-end listener.
type Listener struct {
	Proto    string `yaml:"proto"`
	Listen   string `yaml:"listen"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Upstreams configures the upstream pool.
type Upstreams struct {
	// Refresh and Stats are in seconds.
	Refresh     int      `yaml:"refresh"`
	Stats       int      `yaml:"stats"`
	Schedule    string   `yaml:"schedule"`
	Hybrid      bool     `yaml:"hybrid"`
	MaxReconn   int      `yaml:"maxreconn"`
	MaxRetry    int      `yaml:"maxretry"`
	MR1m        int      `yaml:"mr1m"`
	MR1h        int      `yaml:"mr1h"`
	MR1d        int      `yaml:"mr1d"`
	MaxFailRate float64  `yaml:"max_fail_rate"`
	Resolver    string   `yaml:"resolver"`
	Pools       []string `yaml:"pools"`
	Redis       Redis    `yaml:"redis"`
}

// Redis is the optional redis upstream feed. An empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// API is the optional HTTP upstream feed. An empty URL disables it.
type API struct {
	URL              string `yaml:"url"`
	S5Source         string `yaml:"s5_source"`
	HTTPSource       string `yaml:"http_source"`
	HTTPTunnelSource string `yaml:"http_tunnel_source"`
	// Timeout is in seconds.
	Timeout int `yaml:"timeout"`
}

// Admin configures the admin API. An empty Listen disables it.
type Admin struct {
	Listen string `yaml:"listen" env:"ADMIN_LISTEN"`
}

// Log configures the process logger.
type Log struct {
	File  string `yaml:"file" env:"LOG_FILE"`
	Level string `yaml:"level" env:"LOG_LEVEL"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Title: "rps",
		Servers: Servers{
			RTimeout: 15,
			FTimeout: 30,
		},
		Upstreams: Upstreams{
			Refresh:   60,
			Stats:     600,
			Schedule:  string(upstream.RoundRobin),
			MaxReconn: 3,
			MaxRetry:  3,
			Redis:     Redis{Key: "rps:upstream:"},
		},
		API: API{
			Timeout: 10,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the file at path. Environment overrides are taken from the
// process environment.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, nil)
}

// Parse decodes b over the defaults, applies overrides from environ (the
// process environment when nil) and validates.
func Parse(b []byte, environ map[string]string) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrInvalid, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if len(c.Servers.Listeners) == 0 {
		bad("servers.ss: no listeners")
	}
	for i, l := range c.Servers.Listeners {
		switch proto.ParseFamily(l.Proto) {
		case proto.SOCKS5, proto.HTTP:
			if l.Username != "" && l.Password == "" {
				bad("servers.ss[%d]: username without password", i)
			}
		case proto.SOCKS4:
		default:
			bad("servers.ss[%d]: unsupported proto %q", i, l.Proto)
		}
		if l.Port < 1 || l.Port > 65535 {
			bad("servers.ss[%d]: port %d out of range", i, l.Port)
		}
	}
	if c.Servers.RTimeout <= 0 {
		bad("servers.rtimeout must be > 0")
	}
	if c.Servers.FTimeout <= 0 {
		bad("servers.ftimeout must be > 0")
	}

	u := c.Upstreams
	if _, err := upstream.ParseSchedule(u.Schedule); err != nil {
		bad("upstreams.schedule: %v", err)
	}
	if u.Refresh <= 0 {
		bad("upstreams.refresh must be > 0")
	}
	if u.Stats <= 0 {
		bad("upstreams.stats must be > 0")
	}
	if u.MaxReconn < 0 || u.MaxRetry < 0 || u.MR1m < 0 || u.MR1h < 0 || u.MR1d < 0 {
		bad("upstreams: retry limits must be >= 0")
	}
	if u.MaxFailRate < 0 || u.MaxFailRate > 1 {
		bad("upstreams.max_fail_rate %v not in [0,1]", u.MaxFailRate)
	}
	for i, p := range u.Pools {
		if _, err := upstream.ParseURL(p); err != nil {
			bad("upstreams.pools[%d]: %v", i, err)
		}
	}
	if c.API.URL != "" && c.API.Timeout <= 0 {
		bad("api.timeout must be > 0")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		bad("log.level: %v", err)
	}

	return errors.Join(errs...)
}

// Name identifies a listener in logs and metrics, e.g. socks5@0.0.0.0:1080.
func (l Listener) Name() string {
	return strings.ToLower(l.Proto) + "@" + l.Addr()
}

// Addr returns the listen host:port. An empty host binds every address.
func (l Listener) Addr() string {
	host := l.Listen
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(l.Port))
}

func (l Listener) Family() proto.Family {
	return proto.ParseFamily(l.Proto)
}

func (l Listener) Credentials() proto.Credentials {
	return proto.Credentials{Username: l.Username, Password: l.Password}
}

func (s Servers) RequestTimeout() time.Duration { return time.Duration(s.RTimeout) * time.Second }
func (s Servers) ForwardTimeout() time.Duration { return time.Duration(s.FTimeout) * time.Second }

func (u Upstreams) RefreshInterval() time.Duration { return time.Duration(u.Refresh) * time.Second }
func (u Upstreams) StatsInterval() time.Duration   { return time.Duration(u.Stats) * time.Second }

// PoolOptions converts the upstream section into pool options.
func (u Upstreams) PoolOptions() upstream.Options {
	sched, _ := upstream.ParseSchedule(u.Schedule)
	return upstream.Options{
		Schedule:    sched,
		Hybrid:      u.Hybrid,
		MaxReconn:   u.MaxReconn,
		MaxRetry:    u.MaxRetry,
		MR1m:        u.MR1m,
		MR1h:        u.MR1h,
		MR1d:        u.MR1d,
		MaxFailRate: u.MaxFailRate,
	}
}

// Sources builds the configured upstream feeds. Sources that hold
// connections implement io.Closer.
func (c *Config) Sources() ([]upstream.Source, error) {
	var sources []upstream.Source

	if len(c.Upstreams.Pools) > 0 {
		s, err := upstream.NewStaticSource(c.Upstreams.Pools)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		sources = append(sources, s)
	}

	if c.API.URL != "" {
		paths := make(map[string]string)
		for path, def := range map[string]string{
			c.API.S5Source:         upstream.ProtoSOCKS5,
			c.API.HTTPSource:       upstream.ProtoHTTP,
			c.API.HTTPTunnelSource: upstream.ProtoHTTP,
		} {
			if path != "" {
				paths[path] = def
			}
		}
		if len(paths) > 0 {
			sources = append(sources, upstream.NewAPISource(c.API.URL, paths, time.Duration(c.API.Timeout)*time.Second))
		}
	}

	if r := c.Upstreams.Redis; r.Addr != "" {
		sources = append(sources, upstream.NewRedisSource(upstream.RedisOptions{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Key,
		}, []string{upstream.ProtoSOCKS5, upstream.ProtoHTTP, upstream.ProtoHTTPS, "http_tunnel"}))
	}

	return sources, nil
}
