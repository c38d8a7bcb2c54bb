package app

import (
	"fmt"
	"time"

	"github.com/campuspulse/backend/internal/domain"
	"github.com/campuspulse/backend/internal/platform/envutil"
	"github.com/campuspulse/backend/internal/platform/logger"
)

type Config struct {
	Port        string
	LogMode     string
	StoreDriver string // postgres | memory
	RedisAddr   string
	MetricsAddr string

	SchemaPath    string
	QueueSize     int
	CacheTTL      time.Duration
	SweepInterval time.Duration
	SweepBatch    int

	CORSOrigins []string
}

func LoadConfig() Config {
	return Config{
		Port:        envutil.Str("PORT", "8080"),
		LogMode:     envutil.Str("LOG_MODE", "development"),
		StoreDriver: envutil.Str("STORE_DRIVER", "postgres"),
		RedisAddr:   envutil.Str("REDIS_ADDR", ""),
		MetricsAddr: envutil.Str("METRICS_ADDR", ""),

		SchemaPath:    envutil.Str("SCORING_SCHEMA_PATH", ""),
		QueueSize:     envutil.Int("SYNC_QUEUE_SIZE", 1024),
		CacheTTL:      envutil.Duration("AGGREGATE_CACHE_TTL", 30*time.Second),
		SweepInterval: envutil.Duration("ANOMALY_SWEEP_INTERVAL", 10*time.Minute),
		SweepBatch:    envutil.Int("ANOMALY_SWEEP_BATCH", 200),

		CORSOrigins: []string{
			envutil.Str("CORS_ORIGIN", "http://localhost:3000"),
		},
	}
}

// loadSchema resolves the scoring schema: built-in defaults unless an override
// file is configured.
func loadSchema(log *logger.Logger, cfg Config) (domain.ScoringSchema, error) {
	if cfg.SchemaPath == "" {
		return domain.DefaultSchema(), nil
	}
	schema, err := domain.LoadSchema(cfg.SchemaPath)
	if err != nil {
		return domain.ScoringSchema{}, fmt.Errorf("load scoring schema %s: %w", cfg.SchemaPath, err)
	}
	log.Info("scoring schema loaded", "path", cfg.SchemaPath)
	return schema, nil
}
