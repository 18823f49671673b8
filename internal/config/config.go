package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	S3Bucket        string `env:"S3_BUCKET,required"`
	S3Region        string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3Endpoint      string `env:"S3_ENDPOINT" envDefault:""`
	S3PublicBaseURL string `env:"S3_PUBLIC_BASE_URL" envDefault:""`

	FlushIntervalMS         int  `env:"FLUSH_INTERVAL_MS" envDefault:"1000"`
	SessionCreateTimeoutS   int  `env:"SESSION_CREATE_TIMEOUT_S" envDefault:"5"`
	ArchiveTimeoutS         int  `env:"ARCHIVE_TIMEOUT_S" envDefault:"10"`
	SessionSaveTimeoutS     int  `env:"SESSION_SAVE_TIMEOUT_S" envDefault:"5"`
	QueueTTLSeconds         int  `env:"QUEUE_TTL_SECONDS" envDefault:"86400"`
	ArchiveRequeueOnFailure bool `env:"ARCHIVE_REQUEUE_ON_FAILURE" envDefault:"true"`
	RecoveryIdleMinutes     int  `env:"RECOVERY_IDLE_MINUTES" envDefault:"15"`
	ConnRateLimitPerMin     int  `env:"CONN_RATE_LIMIT_PER_MIN" envDefault:"60"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

func (c *Config) SessionCreateTimeout() time.Duration {
	return time.Duration(c.SessionCreateTimeoutS) * time.Second
}

func (c *Config) ArchiveTimeout() time.Duration {
	return time.Duration(c.ArchiveTimeoutS) * time.Second
}

func (c *Config) SessionSaveTimeout() time.Duration {
	return time.Duration(c.SessionSaveTimeoutS) * time.Second
}

func (c *Config) QueueTTL() time.Duration {
	return time.Duration(c.QueueTTLSeconds) * time.Second
}

func (c *Config) RecoveryIdle() time.Duration {
	return time.Duration(c.RecoveryIdleMinutes) * time.Minute
}

func (c *Config) Validate(isProduction bool) error {
	if c.FlushIntervalMS <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL_MS must be positive")
	}
	if c.SessionCreateTimeoutS <= 0 || c.ArchiveTimeoutS <= 0 || c.SessionSaveTimeoutS <= 0 {
		return fmt.Errorf("teardown step timeouts must be positive")
	}

	if isProduction {
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if strings.HasPrefix(c.S3Endpoint, "http://") {
			log.Warn().Msg("S3_ENDPOINT uses http:// in production: archives will upload in cleartext")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
