package database

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
)

// Load balancing strategies for read replicas
const (
	StrategyRoundRobin = "round-robin"
	StrategyRandom     = "random"
)

// ReplicaConfig holds configuration for read replicas
type ReplicaConfig struct {
	// URLs is a list of read replica connection strings
	URLs []string

	// Strategy is StrategyRoundRobin or StrategyRandom
	Strategy string

	// HealthCheckInterval is how often replicas are pinged, 0 disables it
	HealthCheckInterval time.Duration
}

// DefaultReplicaConfig returns default configuration for read replicas
func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{
		Strategy:            StrategyRoundRobin,
		HealthCheckInterval: 30 * time.Second,
	}
}

// ReplicaStatus is the health snapshot of one replica
type ReplicaStatus struct {
	URL             string `json:"url"`
	Healthy         bool   `json:"healthy"`
	OpenConnections int    `json:"open_connections"`
}

type replica struct {
	db      *sqlx.DB
	url     string
	healthy atomic.Bool
}

// Replicas routes read-only queries (analytics, exports) to healthy
// replicas and falls back to the primary when none is available.
type Replicas struct {
	primary  *sqlx.DB
	replicas []*replica
	strategy string
	rrIndex  atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// OpenReplicas connects every configured replica. Replicas that cannot be
// reached at startup are skipped; with none connected all reads go to the primary.
func OpenReplicas(ctx context.Context, primary *Client, sslCfg *SSLConfig, cfg ReplicaConfig) *Replicas {
	conns := make([]*sqlx.DB, 0, len(cfg.URLs))
	urls := make([]string, 0, len(cfg.URLs))

	for _, replicaURL := range cfg.URLs {
		db, err := connectReplica(ctx, primary.driver, replicaURL, sslCfg)
		if err != nil {
			log.Printf("⚠️  Failed to connect to read replica %s: %v", redact(replicaURL), err)
			continue
		}
		conns = append(conns, db)
		urls = append(urls, replicaURL)
	}

	r := newReplicas(primary.DB, conns, urls, cfg.Strategy)

	if len(r.replicas) > 0 {
		log.Printf("✅ Connected to %d read replica(s)", len(r.replicas))
		if cfg.HealthCheckInterval > 0 {
			r.startHealthChecking(cfg.HealthCheckInterval)
		}
	} else if len(cfg.URLs) > 0 {
		log.Printf("⚠️  No read replica reachable, all queries will use primary")
	}

	return r
}

// NewReplicas wraps already opened connections. Health checking is not started.
func NewReplicas(primary *sqlx.DB, strategy string, replicas ...*sqlx.DB) *Replicas {
	urls := make([]string, len(replicas))
	for i := range replicas {
		urls[i] = fmt.Sprintf("replica-%d", i)
	}
	return newReplicas(primary, replicas, urls, strategy)
}

func newReplicas(primary *sqlx.DB, conns []*sqlx.DB, urls []string, strategy string) *Replicas {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	r := &Replicas{
		primary:  primary,
		replicas: make([]*replica, 0, len(conns)),
		strategy: strategy,
		stop:     make(chan struct{}),
	}
	for i, db := range conns {
		rep := &replica{db: db, url: redact(urls[i])}
		rep.healthy.Store(true)
		r.replicas = append(r.replicas, rep)
	}
	return r
}

func connectReplica(ctx context.Context, driver, replicaURL string, sslCfg *SSLConfig) (*sqlx.DB, error) {
	connStr := replicaURL
	if driver == DriverPostgres {
		var err error
		connStr, err = BuildConnectionString(replicaURL, sslCfg)
		if err != nil {
			return nil, fmt.Errorf("failed building connection string: %w", err)
		}
	}

	db, err := sqlx.Open(driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed opening connection: %w", err)
	}

	// Replicas serve reporting reads only
	poolCfg := DefaultPoolConfig()
	db.SetMaxOpenConns(poolCfg.MaxOpenConns / 2)
	db.SetMaxIdleConns(poolCfg.MaxIdleConns)
	db.SetConnMaxLifetime(poolCfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(poolCfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping replica: %w", err)
	}

	return db, nil
}

// Reader returns a connection for read-only queries
func (r *Replicas) Reader() *sqlx.DB {
	if r == nil {
		return nil
	}
	n := len(r.replicas)
	if n == 0 {
		return r.primary
	}

	start := r.pick(n)
	for i := 0; i < n; i++ {
		rep := r.replicas[(start+i)%n]
		if rep.healthy.Load() {
			return rep.db
		}
	}

	return r.primary
}

// Writer returns the primary connection
func (r *Replicas) Writer() *sqlx.DB {
	return r.primary
}

func (r *Replicas) pick(n int) int {
	if r.strategy == StrategyRandom {
		return rand.Intn(n)
	}
	return int((r.rrIndex.Add(1) - 1) % uint64(n))
}

func (r *Replicas) startHealthChecking(interval time.Duration) {
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				r.CheckHealth(ctx)
				cancel()
			case <-r.stop:
				return
			}
		}
	}()

	log.Printf("✅ Replica health checking started (interval: %s)", interval)
}

// CheckHealth pings every replica and records the result
func (r *Replicas) CheckHealth(ctx context.Context) {
	for _, rep := range r.replicas {
		err := rep.db.PingContext(ctx)
		healthy := err == nil
		wasHealthy := rep.healthy.Swap(healthy)

		if wasHealthy && !healthy {
			log.Printf("⚠️  Read replica became unhealthy: %s (error: %v)", rep.url, err)
		} else if !wasHealthy && healthy {
			log.Printf("✅ Read replica recovered: %s", rep.url)
		}
	}
}

// Stats returns the health of every replica
func (r *Replicas) Stats() []ReplicaStatus {
	stats := make([]ReplicaStatus, 0, len(r.replicas))
	for _, rep := range r.replicas {
		stats = append(stats, ReplicaStatus{
			URL:             rep.url,
			Healthy:         rep.healthy.Load(),
			OpenConnections: rep.db.Stats().OpenConnections,
		})
	}
	return stats
}

// Close stops health checking and closes the replica connections.
// The primary is owned by its Client and left open.
func (r *Replicas) Close() error {
	var firstErr error
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()

		for _, rep := range r.replicas {
			if err := rep.db.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// redact hides credentials in a connection string before it is logged
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return raw
	}
	return u.Redacted()
}
