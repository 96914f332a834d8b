package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/rps/internal/admin"
	"github.com/die-net/rps/internal/config"
	"github.com/die-net/rps/internal/dialer"
	"github.com/die-net/rps/internal/logger"
	"github.com/die-net/rps/internal/resolver"
	"github.com/die-net/rps/internal/server"
	"github.com/die-net/rps/internal/upstream"
)

var version = "dev"

var (
	// Reduce GC overhead by setting a minimum GC heap size;
	// GOGC+GOMEMLIMIT can't express this.  This only allocates virtual
	// memory, not RSS.  Ignore it in memory profiles.
	ballast = make([]byte, 0, 25_000_000)
	_       = ballast
)

const resolverTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		confFile     = pflag.StringP("conf-file", "c", "conf/rps.yaml", "Path to the YAML configuration file")
		verbose      = pflag.BoolP("verbose", "v", false, "Log at debug level regardless of log.level")
		showVersion  = pflag.BoolP("version", "V", false, "Print the version and exit")
		testConf     = pflag.BoolP("test-conf", "t", false, "Validate the configuration file and exit")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	)

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if *showVersion {
		fmt.Println("rps", version)
		return nil
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	cfg, err := config.Load(*confFile)
	if err != nil {
		return err
	}
	if *testConf {
		fmt.Printf("configuration file %s test is successful\n", *confFile)
		return nil
	}

	log, logCloser, err := logger.New(cfg.Log.File, cfg.Log.Level, *verbose)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			return err
		}
		defer os.Remove(cfg.PIDFile)
	}

	pool := upstream.NewPool(cfg.Upstreams.PoolOptions())
	sources, err := cfg.Sources()
	if err != nil {
		return err
	}
	for _, s := range sources {
		if c, ok := s.(io.Closer); ok {
			defer c.Close()
		}
	}
	refresher := upstream.NewRefresher(pool, sources, cfg.Upstreams.RefreshInterval(), cfg.Upstreams.StatsInterval(), log)

	dialCfg := dialer.Config{
		DialTimeout:        cfg.Servers.ForwardTimeout(),
		NegotiationTimeout: cfg.Servers.ForwardTimeout(),
		KeepAlive:          ka,
	}
	if cfg.Upstreams.Resolver != "" {
		r, err := resolver.New(cfg.Upstreams.Resolver, resolverTimeout)
		if err != nil {
			return err
		}
		dialCfg.Resolver = r
	}
	connector := dialer.NewConnector(dialCfg)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	servers := make([]*server.Server, 0, len(cfg.Servers.Listeners))
	for _, l := range cfg.Servers.Listeners {
		srv, err := server.New(server.Config{
			Name:      l.Name(),
			Family:    l.Family(),
			Listen:    l.Addr(),
			Creds:     l.Credentials(),
			RTimeout:  cfg.Servers.RequestTimeout(),
			FTimeout:  cfg.Servers.ForwardTimeout(),
			KeepAlive: ka,
			Upstreams: pool,
			Connector: connector,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		if err := srv.Listen(ctx); err != nil {
			return err
		}
		servers = append(servers, srv)
	}

	for _, srv := range servers {
		g.Go(func() error {
			return srv.Serve(ctx)
		})
	}

	g.Go(func() error {
		return refresher.Run(ctx)
	})

	if cfg.Admin.Listen != "" {
		adm := admin.New(pool, refresher, func() []server.Info {
			infos := make([]server.Info, 0, len(servers))
			for _, srv := range servers {
				infos = append(infos, srv.Info())
			}
			return infos
		}, log)
		g.Go(func() error {
			return adm.Serve(ctx, cfg.Admin.Listen)
		})
	}

	log.Info("rps started", "version", version, "listeners", len(servers), "config", *confFile)

	err = g.Wait()
	log.Info("shutting down")
	return err
}

func writePIDFile(path string) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil { //nolint:gosec // pidfiles are world readable.
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
