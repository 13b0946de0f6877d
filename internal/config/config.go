// Package config loads the broker's configuration from environment
// variables (the primary source in a container deployment) with an
// optional YAML file supplementing them (a set environment variable takes
// precedence over the same key in the file), the way the teacher
// loads config.yaml but rebased onto viper's env+file merge instead of a
// hand-written os.ReadFile + yaml.Unmarshal pair.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Config is the broker's full runtime configuration.
type Config struct {
	Server   ServerConfig
	Mongo    MongoConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Plans    PlanOverrides
	Preload  PreloadConfig
	AdminKey string
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port int
}

// MongoConfig points at the Key Store's backing MongoDB.
type MongoConfig struct {
	URI    string
	DBName string
}

// RedisConfig points at the Wait Queue's backing Redis instance. URL takes
// precedence over the discrete Host/Port/Password fields when set.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	Password string
}

// QueueConfig controls the Wait Queue's fairness and backoff behavior.
type QueueConfig struct {
	Concurrency      int
	BackoffMs        int64
	MaxWaitMs        int64
	RequestTimeoutMs int64
}

// PlanOverrides lets an operator tighten or loosen the advisory spacing
// per plan without touching windowLimit/dailyLimit, which stay fixed by
// plan (spec.md §4.1).
type PlanOverrides struct {
	ProIntervalMs      int64
	UltimateIntervalMs int64
}

// PreloadConfig is the set of key preload sources checked at startup, in
// the order spec.md §6 lists; first non-empty wins.
type PreloadConfig struct {
	KeysJSON     string
	KeysJSONPath string
	KeysWithPlan string
	Keys         string
	DefaultPlan  string
}

var (
	global   *Config
	globalMu sync.RWMutex
)

// Load reads configuration from the environment and, if present, from the
// given YAML file (empty path or missing file is not an error — env vars
// alone are a complete configuration, matching a container deployment with
// no mounted config).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("PORT"),
		},
		Mongo: MongoConfig{
			URI:    v.GetString("MONGODB_URI"),
			DBName: v.GetString("MONGODB_DB_NAME"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("REDIS_URL"),
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
		},
		Queue: QueueConfig{
			Concurrency:      v.GetInt("KEY_QUEUE_CONCURRENCY"),
			BackoffMs:        v.GetInt64("KEY_QUEUE_BACKOFF_MS"),
			MaxWaitMs:        v.GetInt64("KEY_QUEUE_MAX_WAIT_MS"),
			RequestTimeoutMs: v.GetInt64("KEY_QUEUE_REQUEST_TIMEOUT_MS"),
		},
		Plans: PlanOverrides{
			ProIntervalMs:      v.GetInt64("MAILTESTER_PRO_INTERVAL_MS"),
			UltimateIntervalMs: v.GetInt64("MAILTESTER_ULTIMATE_INTERVAL_MS"),
		},
		Preload: PreloadConfig{
			KeysJSON:     v.GetString("MAILTESTER_KEYS_JSON"),
			KeysJSONPath: v.GetString("MAILTESTER_KEYS_JSON_PATH"),
			KeysWithPlan: v.GetString("MAILTESTER_KEYS_WITH_PLAN"),
			Keys:         v.GetString("MAILTESTER_KEYS"),
			DefaultPlan:  v.GetString("MAILTESTER_DEFAULT_PLAN"),
		},
		AdminKey: v.GetString("ADMIN_API_KEY"),
	}

	globalMu.Lock()
	global = cfg
	globalMu.Unlock()

	return cfg, nil
}

func bindDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 3000)
	v.SetDefault("MONGODB_DB_NAME", "mailtester")
	v.SetDefault("KEY_QUEUE_CONCURRENCY", 5)
	v.SetDefault("KEY_QUEUE_BACKOFF_MS", 1000)
	v.SetDefault("KEY_QUEUE_MAX_WAIT_MS", 0)
	v.SetDefault("KEY_QUEUE_REQUEST_TIMEOUT_MS", 0)
}

// Get returns the globally loaded configuration. Load must have run first.
func Get() *Config {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}
