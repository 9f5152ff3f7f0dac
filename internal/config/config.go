package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/downloader"
	"github.com/cwygoda/fetcher/internal/worker"
)

// Config holds application configuration.
type Config struct {
	Port             int           `validate:"min=1,max=65535"`
	DBPath           string        `validate:"required_unless=NoHistory true"`
	DownloadDir      string        `validate:"required"`
	Workers          int           `validate:"min=1,max=64"`
	QueueSize        int           `validate:"min=1"`
	Retries          int           `validate:"min=0,max=100"`
	ProgressInterval time.Duration `validate:"gte=0"`
	RetryBackoff     time.Duration `validate:"gte=0"`
	ConnectTimeout   time.Duration `validate:"gt=0"`
	ReadTimeout      time.Duration `validate:"gt=0"`
	Secret           string        `validate:"omitempty,min=8"`

	NoHistory bool
	Debug     bool

	// Hooks run commands on completed downloads. Only a config file can
	// set them.
	Hooks []HookConfig `validate:"dive"`

	// URLs are the positional arguments. When present the CLI downloads
	// them and exits instead of serving the API.
	URLs []string `validate:"dive,url"`
}

// HookConfig describes a command run after a successful download whose URL
// matches Pattern. Args may use the {url}, {path}, {name} and {dir}
// placeholders.
type HookConfig struct {
	Name    string   `toml:"name" yaml:"name" validate:"required"`
	Pattern string   `toml:"pattern" yaml:"pattern"`
	Command string   `toml:"command" yaml:"command" validate:"required"`
	Args    []string `toml:"args" yaml:"args"`
	Dir     string   `toml:"dir" yaml:"dir"`
	Timeout string   `toml:"timeout" yaml:"timeout"`
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "fetcher", "history.db")
}

// DefaultDownloadDir returns the default download directory.
func DefaultDownloadDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads")
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// Default returns a Config with the built-in defaults.
func Default() Config {
	return Config{
		Port:             8080,
		DBPath:           DefaultDBPath(),
		DownloadDir:      DefaultDownloadDir(),
		Workers:          downloader.DefaultWorkers,
		QueueSize:        downloader.DefaultQueueSize,
		Retries:          domain.DefaultRetries,
		ProgressInterval: 500 * time.Millisecond,
		RetryBackoff:     worker.DefaultRetryBackoff,
		ConnectTimeout:   worker.DefaultConnectTimeout,
		ReadTimeout:      worker.DefaultReadTimeout,
	}
}

// ValidationError reports configuration values that failed validation.
type ValidationError struct {
	Errs validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, fe := range e.Errs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: must satisfy %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
		}
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error { return e.Errs }

var validate = validator.New()

// Validate checks the configuration ranges.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return &ValidationError{Errs: verrs}
	}
	return err
}

// fileConfig is the on-disk form. Pointer fields distinguish unset keys from
// zero values; durations are strings such as "750ms".
type fileConfig struct {
	Port             *int    `toml:"port" yaml:"port"`
	DBPath           *string `toml:"db" yaml:"db"`
	NoHistory        *bool   `toml:"no_history" yaml:"no_history"`
	DownloadDir      *string `toml:"download_dir" yaml:"download_dir"`
	Workers          *int    `toml:"workers" yaml:"workers"`
	QueueSize        *int    `toml:"queue_size" yaml:"queue_size"`
	Retries          *int    `toml:"retries" yaml:"retries"`
	ProgressInterval *string `toml:"progress_interval" yaml:"progress_interval"`
	RetryBackoff     *string `toml:"retry_backoff" yaml:"retry_backoff"`
	ConnectTimeout   *string `toml:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout      *string `toml:"read_timeout" yaml:"read_timeout"`
	Secret           *string `toml:"secret" yaml:"secret"`
	Debug            *bool   `toml:"debug" yaml:"debug"`

	Hooks []HookConfig `toml:"hooks" yaml:"hooks"`
}

// LoadFile applies a .toml, .yaml or .yml file on top of cfg.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file type %q", ext)
	}

	setInt(&cfg.Port, fc.Port)
	setString(&cfg.DBPath, fc.DBPath)
	setBool(&cfg.NoHistory, fc.NoHistory)
	setString(&cfg.DownloadDir, fc.DownloadDir)
	setInt(&cfg.Workers, fc.Workers)
	setInt(&cfg.QueueSize, fc.QueueSize)
	setInt(&cfg.Retries, fc.Retries)
	setString(&cfg.Secret, fc.Secret)
	setBool(&cfg.Debug, fc.Debug)
	if len(fc.Hooks) > 0 {
		cfg.Hooks = fc.Hooks
	}

	durations := []struct {
		key string
		src *string
		dst *time.Duration
	}{
		{"progress_interval", fc.ProgressInterval, &cfg.ProgressInterval},
		{"retry_backoff", fc.RetryBackoff, &cfg.RetryBackoff},
		{"connect_timeout", fc.ConnectTimeout, &cfg.ConnectTimeout},
		{"read_timeout", fc.ReadTimeout, &cfg.ReadTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

// Load builds Config from defaults, an optional config file, explicitly set
// flags and FETCHER_* environment variables, in that order, then validates it.
// A .env file is read into the environment first; variables already set win.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fset := flag.NewFlagSet("fetcher", flag.ContinueOnError)
	var (
		configPath = fset.String("config", "", "Config file (.toml, .yaml or .yml)")
		envFile    = fset.String("env-file", ".env", "Dotenv file loaded before reading FETCHER_* variables")
		fv         = cfg
	)
	fset.IntVar(&fv.Port, "port", cfg.Port, "HTTP server port")
	fset.StringVar(&fv.DBPath, "db", cfg.DBPath, "SQLite history database path")
	fset.BoolVar(&fv.NoHistory, "no-history", cfg.NoHistory, "Do not record download history")
	fset.StringVar(&fv.DownloadDir, "dir", cfg.DownloadDir, "Download directory")
	fset.IntVar(&fv.Workers, "workers", cfg.Workers, "Maximum concurrent downloads")
	fset.IntVar(&fv.QueueSize, "queue-size", cfg.QueueSize, "Initial waiting queue capacity")
	fset.IntVar(&fv.Retries, "retries", cfg.Retries, "Retry budget per download")
	fset.DurationVar(&fv.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Minimum spacing between progress events")
	fset.DurationVar(&fv.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Pause before a retry")
	fset.DurationVar(&fv.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Connect and response header timeout")
	fset.DurationVar(&fv.ReadTimeout, "read-timeout", cfg.ReadTimeout, "Timeout for a single body read")
	fset.StringVar(&fv.Secret, "secret", cfg.Secret, "Shared secret for signed API requests")
	fset.BoolVar(&fv.Debug, "debug", cfg.Debug, "Enable debug logging")
	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", *envFile, err)
			}
		} else {
			slog.Debug("loaded env file", "path", *envFile)
		}
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("FETCHER_CONFIG")
	}
	if path != "" {
		if err := LoadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = fv.Port
		case "db":
			cfg.DBPath = fv.DBPath
		case "no-history":
			cfg.NoHistory = fv.NoHistory
		case "dir":
			cfg.DownloadDir = fv.DownloadDir
		case "workers":
			cfg.Workers = fv.Workers
		case "queue-size":
			cfg.QueueSize = fv.QueueSize
		case "retries":
			cfg.Retries = fv.Retries
		case "progress-interval":
			cfg.ProgressInterval = fv.ProgressInterval
		case "retry-backoff":
			cfg.RetryBackoff = fv.RetryBackoff
		case "connect-timeout":
			cfg.ConnectTimeout = fv.ConnectTimeout
		case "read-timeout":
			cfg.ReadTimeout = fv.ReadTimeout
		case "secret":
			cfg.Secret = fv.Secret
		case "debug":
			cfg.Debug = fv.Debug
		}
	})

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	cfg.URLs = fset.Args()
	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.DownloadDir = ExpandPath(cfg.DownloadDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadEnv applies FETCHER_* overrides.
func (c *Config) loadEnv() error {
	if v := os.Getenv("FETCHER_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("FETCHER_DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := os.Getenv("FETCHER_SECRET"); v != "" {
		c.Secret = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"FETCHER_PORT", &c.Port},
		{"FETCHER_WORKERS", &c.Workers},
		{"FETCHER_QUEUE_SIZE", &c.QueueSize},
		{"FETCHER_RETRIES", &c.Retries},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.key, err)
		}
		*e.dst = n
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"FETCHER_PROGRESS_INTERVAL", &c.ProgressInterval},
		{"FETCHER_RETRY_BACKOFF", &c.RetryBackoff},
		{"FETCHER_CONNECT_TIMEOUT", &c.ConnectTimeout},
		{"FETCHER_READ_TIMEOUT", &c.ReadTimeout},
	}
	for _, e := range durations {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.key, err)
		}
		*e.dst = d
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"FETCHER_DEBUG", &c.Debug},
		{"FETCHER_NO_HISTORY", &c.NoHistory},
	}
	for _, e := range bools {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.key, err)
		}
		*e.dst = b
	}
	return nil
}

// WorkerOptions maps the transfer settings onto worker.Options.
func (c *Config) WorkerOptions() worker.Options {
	return worker.Options{
		ConnectTimeout: c.ConnectTimeout,
		ReadTimeout:    c.ReadTimeout,
		RetryBackoff:   c.RetryBackoff,
	}
}
