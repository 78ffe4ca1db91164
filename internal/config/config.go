// Package config resolves the server configuration from defaults, an
// optional YAML file, and environment overrides, in that order. A .env
// file in the working directory is loaded into the environment first.
//
// All durations are Go duration strings (e.g. "30s", "10m", "240h")
// and are validated at load time.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

// Config is the fully resolved configuration. Every field carries a
// usable value after Load; consumers never re-apply defaults.
type Config struct {
	ListenAddr string
	DBPath     string

	Log       LogConfig
	Library   LibraryConfig
	Scheduler SchedulerConfig
	Workers   WorkerConfig
	State     StateConfig
	Janitor   JanitorConfig
	API       APIConfig
}

type LogConfig struct {
	Level string // zerolog level name
	File  string // optional log file, console only when empty
}

type LibraryConfig struct {
	Roots         []string
	TempDir       string // pruned by the cleanup task
	DownloadDir   string // destination for fetched audio
	Watch         bool
	WatchCooldown time.Duration
	ScanInterval  time.Duration // cadence of the seeded scan task, 0 disables it
}

type SchedulerConfig struct {
	Tick       time.Duration
	RetryDelay time.Duration
	MaxRetries int
}

type WorkerConfig struct {
	Count         int
	HandleTimeout time.Duration
	RetryBase     time.Duration
}

type StateConfig struct {
	Sweep time.Duration // cadence of expired shared-state eviction
}

type JanitorConfig struct {
	Spec      string // cron expression for the nightly sweep
	Retention time.Duration
}

type APIConfig struct {
	Token          string // empty disables authentication
	AllowedOrigins []string
	Debug          bool // expose pprof under /debug
}

// Default returns the configuration used when no file and no
// environment overrides are present.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DBPath:     "music-server.db",
		Log:        LogConfig{Level: "info"},
		Library: LibraryConfig{
			Roots:         []string{"music"},
			TempDir:       "tmp",
			DownloadDir:   "music/downloads",
			Watch:         true,
			WatchCooldown: 30 * time.Second,
			ScanInterval:  24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Tick:       time.Minute,
			RetryDelay: 5 * time.Second,
			MaxRetries: 3,
		},
		Workers: WorkerConfig{
			Count:         4,
			HandleTimeout: 10 * time.Minute,
			RetryBase:     time.Second,
		},
		State:   StateConfig{Sweep: time.Minute},
		Janitor: JanitorConfig{Spec: "0 3 * * *", Retention: 240 * time.Hour},
	}
}

// fileConfig mirrors Config for the YAML file. Durations are strings,
// absent keys leave the default untouched. Watch is a pointer so an
// explicit false survives the merge.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Library struct {
		Roots         []string `yaml:"roots"`
		TempDir       string   `yaml:"temp_dir"`
		DownloadDir   string   `yaml:"download_dir"`
		Watch         *bool    `yaml:"watch"`
		WatchCooldown string   `yaml:"watch_cooldown"`
		ScanInterval  string   `yaml:"scan_interval"`
	} `yaml:"library"`

	Scheduler struct {
		Tick       string `yaml:"tick"`
		RetryDelay string `yaml:"retry_delay"`
		MaxRetries int    `yaml:"max_retries"`
	} `yaml:"scheduler"`

	Workers struct {
		Count         int    `yaml:"count"`
		HandleTimeout string `yaml:"handle_timeout"`
		RetryBase     string `yaml:"retry_base"`
	} `yaml:"workers"`

	State struct {
		Sweep string `yaml:"sweep"`
	} `yaml:"state"`

	Janitor struct {
		Spec      string `yaml:"spec"`
		Retention string `yaml:"retention"`
	} `yaml:"janitor"`

	API struct {
		Token          string   `yaml:"token"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Debug          bool     `yaml:"debug"`
	} `yaml:"api"`
}

// Load resolves the configuration. path names a YAML file and may be
// empty; a missing .env file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := applyFile(&cfg, path, b); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// applyFile decodes the YAML strictly and merges it over cfg. Unknown
// keys are an error so typos surface at startup, not as silently kept
// defaults.
func applyFile(cfg *Config, path string, b []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.Log.Level, fc.Log.Level)
	setString(&cfg.Log.File, fc.Log.File)

	if len(fc.Library.Roots) > 0 {
		cfg.Library.Roots = fc.Library.Roots
	}
	setString(&cfg.Library.TempDir, fc.Library.TempDir)
	setString(&cfg.Library.DownloadDir, fc.Library.DownloadDir)
	if fc.Library.Watch != nil {
		cfg.Library.Watch = *fc.Library.Watch
	}

	if err := setDuration(&cfg.Library.WatchCooldown, "library.watch_cooldown", fc.Library.WatchCooldown); err != nil {
		return err
	}
	if err := setDuration(&cfg.Library.ScanInterval, "library.scan_interval", fc.Library.ScanInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Scheduler.Tick, "scheduler.tick", fc.Scheduler.Tick); err != nil {
		return err
	}
	if err := setDuration(&cfg.Scheduler.RetryDelay, "scheduler.retry_delay", fc.Scheduler.RetryDelay); err != nil {
		return err
	}
	if fc.Scheduler.MaxRetries > 0 {
		cfg.Scheduler.MaxRetries = fc.Scheduler.MaxRetries
	}

	if fc.Workers.Count > 0 {
		cfg.Workers.Count = fc.Workers.Count
	}
	if err := setDuration(&cfg.Workers.HandleTimeout, "workers.handle_timeout", fc.Workers.HandleTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.Workers.RetryBase, "workers.retry_base", fc.Workers.RetryBase); err != nil {
		return err
	}
	if err := setDuration(&cfg.State.Sweep, "state.sweep", fc.State.Sweep); err != nil {
		return err
	}

	setString(&cfg.Janitor.Spec, fc.Janitor.Spec)
	if err := setDuration(&cfg.Janitor.Retention, "janitor.retention", fc.Janitor.Retention); err != nil {
		return err
	}

	setString(&cfg.API.Token, fc.API.Token)
	if len(fc.API.AllowedOrigins) > 0 {
		cfg.API.AllowedOrigins = fc.API.AllowedOrigins
	}
	cfg.API.Debug = cfg.API.Debug || fc.API.Debug
	return nil
}

// applyEnv merges the small set of deployment overrides. File and
// defaults lose to the environment.
func applyEnv(cfg *Config) {
	cfg.ListenAddr = getenv("MUSICSERVER_ADDR", cfg.ListenAddr)
	cfg.DBPath = getenv("MUSICSERVER_DB", cfg.DBPath)
	cfg.Log.Level = getenv("MUSICSERVER_LOG_LEVEL", cfg.Log.Level)
	cfg.API.Token = getenv("MUSICSERVER_API_TOKEN", cfg.API.Token)
	if roots := splitList(os.Getenv("MUSICSERVER_MEDIA_ROOTS")); len(roots) > 0 {
		cfg.Library.Roots = roots
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// setDuration parses a duration string into dst. Empty keeps the
// default; an explicit "0s" is kept so callers can disable a cadence.
func setDuration(dst *time.Duration, path, raw string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return fmt.Errorf("%s: duration must be >= 0", path)
	}
	*dst = d
	return nil
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
