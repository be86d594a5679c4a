// Package config loads and validates the process environment per
// spec.md §6's table: godotenv populates config/rq/{env}.env into the
// process environment without clobbering existing variables, then
// go-playground/validator enforces bounds before anything else starts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type WorkerMode string

const (
	WorkerModeIntegrated WorkerMode = "integrated"
	WorkerModeExternal   WorkerMode = "external"
	WorkerModeHybrid     WorkerMode = "hybrid"
)

// Config mirrors spec.md §6's environment table, one field per key, plus
// DatabaseURL (DATABASE_URL) for the durable store.
type Config struct {
	RedisURL   string     `validate:"required,url"`
	WorkerMode WorkerMode `validate:"required,oneof=integrated external hybrid"`

	RQWorkerCount        int           `validate:"min=1"`
	RQWorkerTimeout      time.Duration `validate:"min=1s"`
	RQWorkerMemoryLimMB  int           `validate:"min=1"`
	RQQueuePrefix        string        `validate:"required"`
	RQDefaultTimeout     time.Duration `validate:"min=1s"`
	RQResultTTL          time.Duration `validate:"min=1s"`
	RQJobTTL             time.Duration `validate:"min=1s"`
	RQHealthCheckInterval time.Duration `validate:"min=1s"`

	RedisMemoryThreshold float64 `validate:"gt=0,lte=1"`
	RQFailureThreshold   int     `validate:"min=1"`

	RQCleanupInterval    time.Duration `validate:"min=1s"`
	RQCompletedTaskTTL   time.Duration `validate:"min=1s"`
	RQFailedTaskTTL      time.Duration `validate:"min=1s"`

	DatabaseURL string `validate:"required"`
}

func defaults() map[string]string {
	return map[string]string{
		"REDIS_URL":                "redis://localhost:6379/0",
		"WORKER_MODE":              "integrated",
		"RQ_WORKER_COUNT":          "2",
		"RQ_WORKER_TIMEOUT":        "300",
		"RQ_WORKER_MEMORY_LIMIT":   "500",
		"RQ_QUEUE_PREFIX":          "vedfolnir:rq:",
		"RQ_DEFAULT_TIMEOUT":       "300",
		"RQ_RESULT_TTL":            "86400",
		"RQ_JOB_TTL":               "7200",
		"RQ_HEALTH_CHECK_INTERVAL": "30",
		"REDIS_MEMORY_THRESHOLD":   "0.8",
		"RQ_FAILURE_THRESHOLD":     "3",
		"RQ_CLEANUP_INTERVAL":      "3600",
		"RQ_COMPLETED_TASK_TTL":    "86400",
		"RQ_FAILED_TASK_TTL":       "604800",
	}
}

// EnvFileForEnvironment returns the dotenv path for one of
// development/staging/production, per spec.md §6.
func EnvFileForEnvironment(env string) string {
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/rq/%s.env", env)
}

// Load reads config/rq/{env}.env (if present) via godotenv, layers
// spec.md §6's defaults under the process environment, then validates.
// Existing environment variables always win over file contents -- this
// is godotenv.Load's native behavior, since it skips keys already set.
func Load(env string) (*Config, error) {
	_ = godotenv.Load(EnvFileForEnvironment(env))

	for k, v := range defaults() {
		if _, ok := os.LookupEnv(k); !ok {
			os.Setenv(k, v)
		}
	}

	cfg := &Config{
		RedisURL:    os.Getenv("REDIS_URL"),
		WorkerMode:  WorkerMode(os.Getenv("WORKER_MODE")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
	}

	var err error
	if cfg.RQWorkerCount, err = envInt("RQ_WORKER_COUNT"); err != nil {
		return nil, err
	}
	if cfg.RQWorkerTimeout, err = envSeconds("RQ_WORKER_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.RQWorkerMemoryLimMB, err = envInt("RQ_WORKER_MEMORY_LIMIT"); err != nil {
		return nil, err
	}
	cfg.RQQueuePrefix = os.Getenv("RQ_QUEUE_PREFIX")
	if cfg.RQDefaultTimeout, err = envSeconds("RQ_DEFAULT_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.RQResultTTL, err = envSeconds("RQ_RESULT_TTL"); err != nil {
		return nil, err
	}
	if cfg.RQJobTTL, err = envSeconds("RQ_JOB_TTL"); err != nil {
		return nil, err
	}
	if cfg.RQHealthCheckInterval, err = envSeconds("RQ_HEALTH_CHECK_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.RedisMemoryThreshold, err = envFloat("REDIS_MEMORY_THRESHOLD"); err != nil {
		return nil, err
	}
	if cfg.RQFailureThreshold, err = envInt("RQ_FAILURE_THRESHOLD"); err != nil {
		return nil, err
	}
	if cfg.RQCleanupInterval, err = envSeconds("RQ_CLEANUP_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.RQCompletedTaskTTL, err = envSeconds("RQ_COMPLETED_TASK_TTL"); err != nil {
		return nil, err
	}
	if cfg.RQFailedTaskTTL, err = envSeconds("RQ_FAILED_TASK_TTL"); err != nil {
		return nil, err
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func envInt(key string) (int, error) {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func envFloat(key string) (float64, error) {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func envSeconds(key string) (time.Duration, error) {
	n, err := envInt(key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}
