package jobqueue

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/skyfleet/missionagent/internal/model"
)

const (
	KeyNATSURL      = "QUEUE_NATS_URL"
	KeyRedisURL     = "QUEUE_REDIS_URL"
	KeyHTTPAddr     = "QUEUE_HTTP_ADDR"
	KeyJobRetention = "QUEUE_JOB_RETENTION"
	KeyCORSOrigins  = "QUEUE_CORS_ORIGINS"
)

type Config struct {
	NATSURL      string
	RedisURL     string
	HTTPAddr     string
	JobRetention time.Duration // how long terminal jobs are kept
	CORSOrigins  []string
}

func DefaultConfig() Config {
	return Config{
		NATSURL:      "nats://127.0.0.1:4222",
		RedisURL:     "redis://127.0.0.1:6379/0",
		HTTPAddr:     ":8080",
		JobRetention: 7 * 24 * time.Hour,
	}
}

// LoadConfig reads the optional dotenv file at path and overlays the process
// environment. An empty path reads the environment only.
func LoadConfig(path string) (Config, error) {
	values := make(map[string]string)
	if path != "" {
		var err error
		values, err = godotenv.Read(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	for _, key := range []string{KeyNATSURL, KeyRedisURL, KeyHTTPAddr, KeyJobRetention, KeyCORSOrigins} {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}

	cfg := DefaultConfig()
	var errs []error
	if v := strings.TrimSpace(values[KeyNATSURL]); v != "" {
		cfg.NATSURL = v
	}
	if v := strings.TrimSpace(values[KeyRedisURL]); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(values[KeyHTTPAddr]); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(values[KeyJobRetention]); v != "" {
		d, err := model.ParseISODuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, &model.ConfigError{Key: KeyJobRetention, Code: model.CodeTypeMismatch, Message: "must be a positive ISO8601 duration, e.g. P7D"})
		} else {
			cfg.JobRetention = d
		}
	}
	if v := strings.TrimSpace(values[KeyCORSOrigins]); v != "" {
		for origin := range strings.SplitSeq(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
