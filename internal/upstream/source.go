package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Source produces a set of endpoints.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]Endpoint, error)
}

// StaticSource serves the endpoints listed in the configuration file.
type StaticSource struct {
	eps []Endpoint
}

// NewStaticSource parses endpoint URLs.
func NewStaticSource(urls []string) (*StaticSource, error) {
	s := &StaticSource{}
	for _, u := range urls {
		ep, err := ParseURL(u)
		if err != nil {
			return nil, err
		}
		s.eps = append(s.eps, ep)
	}
	return s, nil
}

func (s *StaticSource) Name() string { return "static" }

func (s *StaticSource) Fetch(context.Context) ([]Endpoint, error) {
	return append([]Endpoint(nil), s.eps...), nil
}

// APISource polls an HTTP API that answers each configured path with a JSON
// array of endpoint objects.
type APISource struct {
	client *http.Client
	base   string
	paths  map[string]string
}

// NewAPISource returns a source for base. paths maps an endpoint path to the
// proto assumed for objects that carry none; empty paths are skipped.
func NewAPISource(base string, paths map[string]string, timeout time.Duration) *APISource {
	return &APISource{
		client: &http.Client{Timeout: timeout},
		base:   strings.TrimRight(base, "/"),
		paths:  paths,
	}
}

func (s *APISource) Name() string { return "api" }

func (s *APISource) Fetch(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	var errs []error
	for path, def := range s.paths {
		if path == "" {
			continue
		}
		eps, err := s.fetch(ctx, path, def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, eps...)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (s *APISource) fetch(ctx context.Context, path, def string) ([]Endpoint, error) {
	url := s.base + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("api %s: %w", url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("api %s: unexpected status %s", url, resp.Status)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&raw); err != nil {
		return nil, fmt.Errorf("api %s: %w", url, err)
	}

	eps := make([]Endpoint, 0, len(raw))
	for _, r := range raw {
		ep, err := ParseJSON(r, def)
		if err != nil {
			return nil, fmt.Errorf("api %s: %w", url, err)
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// setMembers is the part of a redis client RedisSource needs.
type setMembers interface {
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// RedisSource reads endpoints from redis sets named <prefix><proto>, each
// member a JSON endpoint object.
type RedisSource struct {
	client setMembers
	prefix string
	protos []string
}

// RedisOptions configures NewRedisSource.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisSource connects lazily to the redis server at opts.Addr.
func NewRedisSource(opts RedisOptions, protos []string) *RedisSource {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisSource(client, opts.Prefix, protos)
}

func newRedisSource(client setMembers, prefix string, protos []string) *RedisSource {
	return &RedisSource{client: client, prefix: prefix, protos: protos}
}

func (s *RedisSource) Name() string { return "redis" }

func (s *RedisSource) Fetch(ctx context.Context) ([]Endpoint, error) {
	var out []Endpoint
	for _, p := range s.protos {
		key := s.prefix + p
		members, err := s.client.SMembers(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("redis smembers %s: %w", key, err)
		}
		for _, m := range members {
			ep, err := ParseJSON([]byte(m), p)
			if err != nil {
				return nil, fmt.Errorf("redis %s: %w", key, err)
			}
			out = append(out, ep)
		}
	}
	return out, nil
}

// Close releases the redis connection pool.
func (s *RedisSource) Close() error {
	if c, ok := s.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
