// Package dbclient — dbclient.go
//
// Database Client Port: the boundary between sentineld and the
// Valkey/Redis instance it monitors. Ping, INFO collection, and
// capability probing are exposed as a narrow interface so the Anomaly
// Engine and Polling Supervisor never depend on go-redis directly.
//
// Grounded on the standalone/cluster client-construction branches of
// the redis receiver's scraper.go (same retrieval pack) and its
// parseRedisInfo helper for turning the wire INFO reply into a
// section -> key -> value map.

package dbclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the Database Client Port every poller depends on.
type Client interface {
	// Ping verifies connectivity. The daemon's polling path does not
	// call it; each tick goes through InfoSnapshot.
	Ping(ctx context.Context) error

	// InfoSnapshot runs INFO (all sections) and returns the parsed
	// section -> field -> value map.
	InfoSnapshot(ctx context.Context) (InfoSnapshot, error)

	// Capabilities reports static facts about the connected instance,
	// probed once at registration and cached.
	Capabilities(ctx context.Context) (Capabilities, error)

	// GetClient returns the raw driver handle for advanced calls this
	// port doesn't wrap (CLUSTER NODES, SLOWLOG, CLIENT LIST, MEMORY
	// USAGE, OBJECT IDLETIME/FREQ, TTL, SCAN). Callers must type-assert
	// to the concrete driver type; this port makes no promise beyond
	// "non-nil while the Client is open".
	GetClient() any

	// Close releases the underlying connection pool.
	Close() error
}

// InfoSnapshot is the parsed form of a Valkey/Redis INFO reply.
type InfoSnapshot map[string]map[string]string

// Float64 returns the numeric value of section.field, or (0, false) if
// absent or not parseable as a float.
func (s InfoSnapshot) Float64(section, field string) (float64, bool) {
	sec, ok := s[section]
	if !ok {
		return 0, false
	}
	raw, ok := sec[field]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Capabilities describes static facts about a monitored instance,
// probed once and reused for the lifetime of a connection — a
// supplemental feature beyond plain metric polling: knowing which
// commands an ACL-restricted or license-gated deployment permits lets
// the Anomaly Engine skip extractors whose source is unavailable
// instead of silently reporting zero (spec §7 "Capability missing").
type Capabilities struct {
	DBType               string // "redis" or "valkey"
	Version              string
	HasCommandLog        bool // SLOWLOG permitted
	HasClusterSlotStats  bool // CLUSTER SLOTS / cluster_enabled
	HasLatencyMonitor    bool // LATENCY HISTORY permitted
	HasACLLog            bool // ACL LOG permitted
	HasMemoryDoctor      bool // MEMORY DOCTOR permitted
	HasConfig            bool // CONFIG GET permitted
}

// Options configures a redisClient.
type Options struct {
	Addr         string
	Password     string
	Username     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// redisClient is the go-redis/v9-backed implementation of Client.
type redisClient struct {
	rdb *redis.Client
}

var _ Client = (*redisClient)(nil)

// New creates a standalone-mode Client. opts.PoolSize <= 0 defaults to
// go-redis's own default pool sizing.
func New(opts Options) Client {
	rOpts := &redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		Username:     opts.Username,
		DB:           opts.DB,
		DialTimeout:  nonZero(opts.DialTimeout, 5*time.Second),
		ReadTimeout:  nonZero(opts.ReadTimeout, 3*time.Second),
		WriteTimeout: nonZero(opts.WriteTimeout, 3*time.Second),
		PoolSize:     opts.PoolSize,
	}
	return &redisClient{rdb: redis.NewClient(rOpts)}
}

func nonZero(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func (c *redisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("dbclient: ping: %w", err)
	}
	return nil
}

func (c *redisClient) InfoSnapshot(ctx context.Context) (InfoSnapshot, error) {
	raw, err := c.rdb.Info(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("dbclient: INFO: %w", err)
	}
	return parseInfo(raw), nil
}

// Capabilities probes the instance once: an INFO call for dbType/
// version/cluster status, plus one lightweight call per privileged
// command to see whether the connection's ACL permits it. A probe
// failure means "not available", not an error — an ACL-denied command
// is an expected, common deployment shape (spec §7), so only the
// INFO call itself (connectivity) can fail this method outright.
func (c *redisClient) Capabilities(ctx context.Context) (Capabilities, error) {
	raw, err := c.rdb.Info(ctx, "server", "cluster").Result()
	if err != nil {
		return Capabilities{}, fmt.Errorf("dbclient: capabilities INFO: %w", err)
	}
	snap := parseInfo(raw)

	caps := Capabilities{DBType: "redis"}
	if _, ok := snap["server"]["valkey_version"]; ok {
		caps.DBType = "valkey"
	}
	if v, ok := snap["server"]["redis_version"]; ok {
		caps.Version = v
	}
	caps.HasClusterSlotStats = snap["cluster"]["cluster_enabled"] == "1"

	caps.HasCommandLog = permits(func() error { return c.rdb.SlowLogGet(ctx, 0).Err() })
	caps.HasLatencyMonitor = permits(func() error { return c.rdb.LatencyHistory(ctx, "command").Err() })
	caps.HasACLLog = permits(func() error { return c.rdb.ACLLog(ctx, 0).Err() })
	caps.HasMemoryDoctor = permits(func() error { return c.rdb.MemoryDoctor(ctx).Err() })
	caps.HasConfig = permits(func() error { return c.rdb.ConfigGet(ctx, "maxmemory").Err() })

	return caps, nil
}

// permits runs a cheap probe call and reports whether it succeeded.
// Any error (NOPERM, unknown command, cluster redirect, timeout) is
// treated uniformly as "not available" — the caller only needs a
// boolean, not the failure reason.
func permits(probe func() error) bool {
	return probe() == nil
}

// GetClient returns the underlying *redis.Client for advanced calls
// this port doesn't wrap.
func (c *redisClient) GetClient() any {
	return c.rdb
}

func (c *redisClient) Close() error {
	return c.rdb.Close()
}

// parseInfo turns a raw INFO reply into a section -> field -> value
// map. Lines without a current "# Section" header are discarded, same
// as a line with no ':' separator; a line is split at its first ':'.
func parseInfo(info string) InfoSnapshot {
	result := make(InfoSnapshot)
	currentSection := ""

	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			currentSection = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "#")))
			if _, ok := result[currentSection]; !ok {
				result[currentSection] = make(map[string]string)
			}
			continue
		}
		if currentSection == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		result[currentSection][parts[0]] = parts[1]
	}
	return result
}
