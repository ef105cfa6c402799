package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the defaults, then applies DERIV_*
// environment overrides. An empty path skips the file. The result is not
// validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "DERIV_LOG_LEVEL")

	setStr(&cfg.Postgres.DSN, "DERIV_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "DERIV_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "DERIV_POSTGRES_MAX_IDLE_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DERIV_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "DERIV_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "DERIV_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DERIV_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DERIV_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DERIV_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "DERIV_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LeaseTTL, "DERIV_REDIS_LEASE_TTL")

	setBool(&cfg.NATS.Enabled, "DERIV_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "DERIV_NATS_URL")

	setBool(&cfg.Kafka.Enabled, "DERIV_KAFKA_ENABLED")
	setStringSlice(&cfg.Kafka.Brokers, "DERIV_KAFKA_BROKERS")
	setStr(&cfg.Kafka.Topic, "DERIV_KAFKA_TOPIC")

	setBool(&cfg.S3.Enabled, "DERIV_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DERIV_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DERIV_S3_REGION")
	setStr(&cfg.S3.Bucket, "DERIV_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "DERIV_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DERIV_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "DERIV_S3_FORCE_PATH_STYLE")

	setStr(&cfg.Server.HTTPAddr, "DERIV_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "DERIV_GRPC_ADDR")

	setInt(&cfg.Engine.PersistChanSize, "DERIV_PERSIST_CHAN_SIZE")
	setInt(&cfg.Engine.ProjectionChanSize, "DERIV_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Engine.PersistBatchSize, "DERIV_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Engine.SnapshotInterval, "DERIV_SNAPSHOT_INTERVAL")
}

// Each helper only touches dst when the variable is set and parses.

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
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
