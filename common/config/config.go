package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/keyarbiter/keyarbiter/common/env"
)

var (
	// ServerPort overrides the --port flag when running inside container or PaaS environments.
	ServerPort = strings.TrimSpace(env.String("PORT", ""))
	// GinMode allows forcing Gin into release mode (or other modes) without recompiling.
	GinMode = strings.TrimSpace(env.String("GIN_MODE", ""))

	// DebugEnabled toggles verbose structured logging when DEBUG=true.
	DebugEnabled = env.Bool("DEBUG", false)
	// DebugSQLEnabled toggles per-query SQL logging when DEBUG_SQL=true.
	DebugSQLEnabled = env.Bool("DEBUG_SQL", false)

	// KeyPoolSize is the number of credential slots in the pool. One UPSTREAM_API_KEY_<n>
	// environment variable is required per slot; a missing credential is a fatal startup error.
	KeyPoolSize = func() int {
		v := env.Int("KEY_POOL_SIZE", 15)
		if v <= 0 {
			panic("KEY_POOL_SIZE must be positive")
		}
		return v
	}()
	// PerKeyMinuteLimit bounds how many requests a single key may serve per wall-clock minute.
	PerKeyMinuteLimit = env.Int("PER_KEY_RPM_LIMIT", 15)
	// PerKeyDailyLimit bounds how many requests a single key may serve per calendar day.
	PerKeyDailyLimit = env.Int("PER_KEY_RPD_LIMIT", 200)
	// ErrorBanThreshold is the number of consecutive failures after which a slot is marked errored.
	ErrorBanThreshold = env.Int("ERROR_BAN_THRESHOLD", 5)

	// MinimumDailyGuarantee is the floor on every user's fair-share daily budget, even when the
	// active-user population would otherwise dilute shares below it (oversubscription is accepted).
	MinimumDailyGuarantee = env.Int("MIN_DAILY_GUARANTEE", 30)
	// MaxDivisorUsers caps the active-user count used as the fair-share divisor so a very large
	// user base cannot drive everyone's share below the minimum guarantee.
	MaxDivisorUsers = env.Int("MAX_DIVISOR_USERS", 100)
	// ActiveUserLookbackDays is the trailing window consulted when today's active-user count is
	// still zero, preventing a 100%-allocation spike right after day rollover.
	ActiveUserLookbackDays = env.Int("ACTIVE_USER_LOOKBACK_DAYS", 7)

	// MaxRetries bounds retry attempts per dispatched request. Minute-quota waits do not consume
	// retry slots.
	MaxRetries = env.Int("MAX_RETRIES", 3)

	// FairShareCacheTTL enables a short in-process TTL cache (seconds) on the fair-share
	// computation. Zero disables caching so every allocation read recomputes from the store.
	FairShareCacheTTL = env.Int("FAIR_SHARE_CACHE_TTL", 0)

	// UsageRetentionDays determines how long append-only usage records are kept before the
	// probabilistic purge removes them.
	UsageRetentionDays = env.Int("USAGE_RETENTION_DAYS", 30)
	// LogRetentionDays determines how long dated log files are kept; zero disables cleanup.
	LogRetentionDays = env.Int("LOG_RETENTION_DAYS", 0)

	// UpstreamBaseURL is the OpenAI-compatible endpoint the default invoker talks to.
	UpstreamBaseURL = strings.TrimSuffix(strings.TrimSpace(env.String("UPSTREAM_BASE_URL", "https://api.openai.com/v1")), "/")
	// UpstreamTimeout bounds a single upstream generation call (seconds).
	UpstreamTimeout = env.Int("UPSTREAM_TIMEOUT", 120)

	// ShutdownTimeoutSec specifies the graceful shutdown timeout (seconds) for the HTTP server
	// and background workers.
	ShutdownTimeoutSec = env.Int("SHUTDOWN_TIMEOUT", 60)

	// EnablePrometheusMetrics exposes the /metrics endpoint for Prometheus scrapers when true.
	EnablePrometheusMetrics = env.Bool("ENABLE_PROMETHEUS_METRICS", true)
	// PoolGaugeRefreshSec controls how often key-pool gauges are refreshed from a snapshot.
	PoolGaugeRefreshSec = env.Int("POOL_GAUGE_REFRESH", 15)

	// RedisConnString defines the Redis connection string; leaving it empty disables Redis features.
	RedisConnString = strings.TrimSpace(env.String("REDIS_CONN_STRING", ""))
	// RedisMasterName enables Redis sentinel/cluster discovery when provided.
	RedisMasterName = strings.TrimSpace(env.String("REDIS_MASTER_NAME", ""))
	// RedisPassword supplies the Redis authentication password when required.
	RedisPassword = env.String("REDIS_PASSWORD", "")
	// FairShareSnapshotTTL controls how long published fair-share snapshots live in Redis (seconds).
	FairShareSnapshotTTL = env.Int("FAIR_SHARE_SNAPSHOT_TTL", 120)

	// SQLDSN provides the primary database DSN; empty indicates that SQLite should be used.
	SQLDSN = strings.TrimSpace(env.String("SQL_DSN", ""))
	// SQLitePath specifies the SQLite database file path when SQL_DSN is absent.
	SQLitePath = env.String("SQLITE_PATH", "keyarbiter.db")
	// SQLiteBusyTimeout configures SQLite busy timeout in milliseconds to mitigate locking errors.
	SQLiteBusyTimeout = env.Int("SQLITE_BUSY_TIMEOUT", 3000)

	// SQLMaxIdleConns controls the database pool's idle connection count.
	SQLMaxIdleConns = env.Int("SQL_MAX_IDLE_CONNS", 100)
	// SQLMaxOpenConns controls the database pool's maximum open connections.
	SQLMaxOpenConns = env.Int("SQL_MAX_OPEN_CONNS", 1000)
	// SQLMaxLifetimeSeconds sets how long database connections live before being recycled (seconds).
	SQLMaxLifetimeSeconds = env.Int("SQL_MAX_LIFETIME", 300)
)

// MinuteWaitCap bounds a single minute-quota wait. The minute window resets every 60s, so
// anything above ~62s means the clock math went wrong.
var MinuteWaitCap = 62 * time.Second

// upstreamKeyPrefix is the env name prefix for per-slot credentials: UPSTREAM_API_KEY_1 .. _N.
const upstreamKeyPrefix = "UPSTREAM_API_KEY_"

// LoadKeyPoolSecrets reads one credential per slot from the environment. Every slot must be
// populated; the error lists each missing variable so operators can fix them in one pass.
func LoadKeyPoolSecrets() ([]string, error) {
	secrets := make([]string, 0, KeyPoolSize)
	var missing []string
	for i := 1; i <= KeyPoolSize; i++ {
		name := fmt.Sprintf("%s%d", upstreamKeyPrefix, i)
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			missing = append(missing, name)
			continue
		}
		secrets = append(secrets, v)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing upstream credentials: %s", strings.Join(missing, ", "))
	}
	return secrets, nil
}
