// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bgcalc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/czcorpus/kontext-sub000/pkg/logging"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/datatypes"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/handlers"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/resultcache"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/session"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/status"
	"github.com/czcorpus/kontext-sub000/services/bgcalc/sweeper"
)

// Backend names.
const (
	BackendPool    = "pool"
	BackendPGQueue = "pgqueue"

	SessionsMemory = "memory"
	SessionsBadger = "badger"
)

const (
	defaultPort        = 12310
	defaultServiceName = "bgcalc"
	defaultCacheRoot   = "./data/cache"
	defaultSessionPath = "./data/sessions"
	envPrefix          = "BGCALC_"
)

// =============================================================================
// Configuration
// =============================================================================

// Config is the complete service configuration, usually read from YAML.
//
// # Fields
//
//   - Port: HTTP port.
//   - GinMode: debug, release or test.
//   - ServiceName: Reported to the tracer and the logs.
//   - OTelEndpoint: OTLP gRPC collector address. Empty disables export.
//   - Log: Logger settings.
//   - Cache: Result cache settings.
//   - Sessions: Session store settings.
//   - Worker: Task backend settings.
//   - Status: Status channel settings.
//   - Sweeper: Periodic cache sweep settings.
//   - Corpora: Corpus identity source.
type Config struct {
	Port         int                `yaml:"port" validate:"gte=1,lte=65535"`
	GinMode      string             `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`
	ServiceName  string             `yaml:"service_name"`
	OTelEndpoint string             `yaml:"otel_endpoint"`
	Log          logging.Config     `yaml:"log"`
	Cache        resultcache.Config `yaml:"cache"`
	Sessions     SessionsConfig     `yaml:"sessions"`
	Worker       WorkerConfig       `yaml:"worker"`
	Status       status.Config      `yaml:"status"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
	Corpora      CorporaConfig      `yaml:"corpora"`
}

// SessionsConfig selects the session store.
type SessionsConfig struct {
	Backend string                 `yaml:"backend" validate:"oneof=memory badger"`
	Badger  session.BadgerConfig   `yaml:"badger"`
	Cookie  handlers.SessionConfig `yaml:"cookie"`
}

// WorkerConfig selects and tunes the task backend.
//
// # Fields
//
//   - Backend: pool (in-process) or pgqueue (Postgres queue drained by
//     `bgcalc worker`).
//   - DSN: Postgres connection string, required for pgqueue.
//   - PoolWorkers: Concurrent handlers of the in-process pool.
//   - Retention: How long finished results stay fetchable from the backend.
//   - Concurrency: Claim loops per `bgcalc worker` process.
//   - TaskTimeLimit: Client-side task time limit.
//   - SubmitRate: Submissions per second. Zero disables rate limiting.
//   - SubmitBurst: Limiter burst.
//   - SubmitMaxWait: Longest a submission waits for a token.
//   - InlineSmall: Run Small kinds in the request goroutine.
//   - Commands: Task name to command line of the computation engine.
//   - Env: Extra KEY=VALUE entries for engine commands.
type WorkerConfig struct {
	Backend       string              `yaml:"backend" validate:"oneof=pool pgqueue"`
	DSN           string              `yaml:"dsn" validate:"required_if=Backend pgqueue"`
	PoolWorkers   int64               `yaml:"pool_workers" validate:"gte=0"`
	Retention     time.Duration       `yaml:"retention"`
	Concurrency   int                 `yaml:"concurrency" validate:"gte=0"`
	TaskTimeLimit time.Duration       `yaml:"task_time_limit"`
	SubmitRate    float64             `yaml:"submit_rate" validate:"gte=0"`
	SubmitBurst   int                 `yaml:"submit_burst" validate:"gte=0"`
	SubmitMaxWait time.Duration       `yaml:"submit_max_wait"`
	InlineSmall   bool                `yaml:"inline_small"`
	Commands      map[string][]string `yaml:"commands" validate:"dive,min=1"`
	Env           []string            `yaml:"env"`
}

// SweeperConfig configures the periodic sweep.
type SweeperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
	AuditLog string        `yaml:"audit_log"`
}

// CorporaConfig selects the corpus identity source. Root wins over Static.
//
// # Fields
//
//   - Root: Directory with one subdirectory per corpus.
//   - Watch: Forget identities when corpus files change.
//   - Static: Fixed identities, keyed by corpus id.
type CorporaConfig struct {
	Root   string                              `yaml:"root"`
	Watch  bool                                `yaml:"watch"`
	Static map[string]datatypes.CorpusIdentity `yaml:"static"`
}

// DefaultConfig returns a configuration that runs a single process with an
// in-process pool and in-memory sessions.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{})
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.GinMode == "" {
		cfg.GinMode = "release"
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = cfg.ServiceName
	}
	if cfg.Cache.Root == "" {
		cfg.Cache.Root = defaultCacheRoot
	}
	if cfg.Cache.StaleAfter == 0 {
		cfg.Cache.StaleAfter = resultcache.DefaultStaleAfter
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = SessionsMemory
	}
	if cfg.Sessions.Backend == SessionsBadger && cfg.Sessions.Badger.Path == "" && !cfg.Sessions.Badger.InMemory {
		cfg.Sessions.Badger.Path = defaultSessionPath
	}
	if cfg.Sessions.Backend == SessionsBadger {
		bdef := session.DefaultBadgerConfig()
		if cfg.Sessions.Badger.TTL == 0 {
			cfg.Sessions.Badger.TTL = bdef.TTL
		}
		if cfg.Sessions.Badger.GCInterval == 0 {
			cfg.Sessions.Badger.GCInterval = bdef.GCInterval
		}
		if cfg.Sessions.Badger.GCDiscardRatio == 0 {
			cfg.Sessions.Badger.GCDiscardRatio = bdef.GCDiscardRatio
		}
	}
	if cfg.Worker.Backend == "" {
		cfg.Worker.Backend = BackendPool
	}
	if cfg.Worker.SubmitRate > 0 && cfg.Worker.SubmitBurst == 0 {
		cfg.Worker.SubmitBurst = 1
	}
	def := sweeper.DefaultConfig()
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = def.Interval
	}
	if cfg.Sweeper.TTL == 0 {
		cfg.Sweeper.TTL = def.TTL
	}
	return cfg
}

// Validate checks cfg after defaults were applied.
func (cfg Config) Validate() error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid configuration: %s failed on %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// =============================================================================
// Loading
// =============================================================================

// LoadConfig reads the configuration.
//
// # Description
//
// Sources, lowest priority first: defaults, the YAML file at path (skipped
// when path is empty), a .env file in the working directory and the
// process environment. Recognized variables are BGCALC_PORT,
// BGCALC_GIN_MODE, BGCALC_CACHE_ROOT, BGCALC_SESSIONS_BACKEND,
// BGCALC_SESSIONS_PATH, BGCALC_WORKER_BACKEND, BGCALC_WORKER_DSN,
// BGCALC_CORPORA_ROOT, BGCALC_LOG_LEVEL and BGCALC_OTEL_ENDPOINT, with
// OTEL_EXPORTER_OTLP_ENDPOINT as a fallback for the last one.
//
// # Outputs
//
//   - Config: Defaults applied and validated.
//   - error: Unreadable file, bad YAML, bad variable or failed validation.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// a missing .env is the normal case
	_ = godotenv.Load()
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		cfg.Port = port
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		lvl, err := logging.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("%sLOG_LEVEL: %w", envPrefix, err)
		}
		cfg.Log.Level = lvl
	}
	setString(&cfg.GinMode, "GIN_MODE")
	setString(&cfg.Cache.Root, "CACHE_ROOT")
	setString(&cfg.Sessions.Backend, "SESSIONS_BACKEND")
	setString(&cfg.Sessions.Badger.Path, "SESSIONS_PATH")
	setString(&cfg.Worker.Backend, "WORKER_BACKEND")
	setString(&cfg.Worker.DSN, "WORKER_DSN")
	setString(&cfg.Corpora.Root, "CORPORA_ROOT")
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" && cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = v
	}
	setString(&cfg.OTelEndpoint, "OTEL_ENDPOINT")
	return nil
}

func lookupEnv(name string) (string, bool) {
	v := os.Getenv(envPrefix + name)
	return v, v != ""
}

func setString(dst *string, name string) {
	if v, ok := lookupEnv(name); ok {
		*dst = v
	}
}
