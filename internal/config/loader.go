package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// DefaultPath is used when TRANCHE_CONFIG is unset.
const DefaultPath = "config/pool.toml"

// Load reads .env if present, decodes the TOML file at path over the
// defaults and applies environment overrides. An empty path means
// TRANCHE_CONFIG, then DefaultPath. The result is validated.
func Load(path string) (*Config, error) {
	// Missing .env is fine.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("TRANCHE_CONFIG")
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOptional is Load for tools that only need service settings: a missing
// file yields the defaults plus environment overrides, unvalidated.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	d := Defaults()
	if err := applyEnvOverrides(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// applyEnvOverrides overwrites fields whose TRANCHE_* variable is set.
// Unlike the TOML file, a malformed value is an error rather than ignored.
func applyEnvOverrides(cfg *Config) error {
	s := &cfg.Service
	setStr(&s.DatabaseURL, "TRANCHE_DATABASE_URL")
	setStr(&s.NATSURL, "TRANCHE_NATS_URL")
	setStr(&s.GRPCAddr, "TRANCHE_GRPC_ADDR")
	setStr(&s.HTTPAddr, "TRANCHE_HTTP_ADDR")
	setStr(&s.MetricsAddr, "TRANCHE_METRICS_ADDR")

	var errs []error
	errs = append(errs,
		setInt(&s.PersistBatchSize, "TRANCHE_PERSIST_BATCH_SIZE"),
		setInt(&s.IdempotencyWarmKeys, "TRANCHE_IDEMPOTENCY_WARM_KEYS"),
		setInt(&s.SnapshotsKept, "TRANCHE_SNAPSHOTS_KEPT"),
		setInt(&s.RateLimitPerMin, "TRANCHE_RATE_LIMIT_PER_MIN"),
		setDuration(&s.PersistFlushTimeout, "TRANCHE_PERSIST_FLUSH_TIMEOUT"),
		setDuration(&s.SnapshotInterval, "TRANCHE_SNAPSHOT_INTERVAL"),
		setDuration(&s.EpochCheckInterval, "TRANCHE_EPOCH_CHECK_INTERVAL"),
		setUUID(&s.SchedulerOperator, "TRANCHE_SCHEDULER_OPERATOR"),
	)
	return errors.Join(errs...)
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	dst.Duration = d
	return nil
}

func setUUID(dst *uuid.UUID, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = id
	return nil
}
