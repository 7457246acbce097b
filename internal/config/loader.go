package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies POLICY_* environment variable overrides, and
// returns the final Config. An empty path skips the TOML layer entirely so
// the service can run from environment alone. The returned Config has NOT
// been validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known POLICY_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This
// lets operators inject secrets at deploy time without touching the TOML
// file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.Authority, "POLICY_AUTHORITY")
	setInt64(&cfg.Ledger.RentDeposit, "POLICY_RENT_DEPOSIT")
	setStr(&cfg.Ledger.KeyringSecret, "POLICY_KEYRING_SECRET")

	// ── Oracle ──
	setStr(&cfg.Oracle.Feed, "POLICY_ORACLE_FEED")
	setDuration(&cfg.Oracle.MaxPriceAge, "POLICY_ORACLE_MAX_PRICE_AGE")
	setStr(&cfg.Oracle.RelayURL, "POLICY_ORACLE_RELAY_URL")
	setStringSlice(&cfg.Oracle.RelayFeeds, "POLICY_ORACLE_RELAY_FEEDS")
	setStr(&cfg.Oracle.RelayMetricsAddr, "POLICY_ORACLE_RELAY_METRICS_ADDR")

	// ── Quote ──
	setInt(&cfg.Quote.DaysToExpiry, "POLICY_QUOTE_DAYS_TO_EXPIRY")
	setFloat64(&cfg.Quote.Volatility, "POLICY_QUOTE_VOLATILITY")
	setFloat64(&cfg.Quote.RiskFreeRate, "POLICY_QUOTE_RISK_FREE_RATE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POLICY_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "POLICY_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "POLICY_POSTGRES_MAX_IDLE_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "POLICY_POSTGRES_CONN_MAX_LIFETIME")
	setStr(&cfg.Postgres.MigrationsDir, "POLICY_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "POLICY_RUN_MIGRATIONS")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "POLICY_NATS_URL")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "POLICY_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "POLICY_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "POLICY_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "POLICY_REDIS_POOL_SIZE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "POLICY_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "POLICY_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POLICY_S3_REGION")
	setStr(&cfg.S3.Bucket, "POLICY_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "POLICY_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "POLICY_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POLICY_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "POLICY_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "POLICY_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setStr(&cfg.Server.HTTPAddr, "POLICY_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "POLICY_METRICS_ADDR")

	// ── Core ──
	setInt(&cfg.Core.PersistChanSize, "POLICY_PERSIST_CHAN_SIZE")
	setInt(&cfg.Core.ProjectionChanSize, "POLICY_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Core.PersistBatchSize, "POLICY_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Core.PersistFlushTimeout, "POLICY_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Core.SnapshotInterval, "POLICY_SNAPSHOT_INTERVAL")
	setInt(&cfg.Core.IdempotencyLRUCapacity, "POLICY_IDEMPOTENCY_LRU_CAPACITY")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "POLICY_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
