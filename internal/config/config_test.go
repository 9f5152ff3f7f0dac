package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"FETCHER_CONFIG", "FETCHER_PORT", "FETCHER_DB", "FETCHER_DOWNLOAD_DIR",
	"FETCHER_WORKERS", "FETCHER_QUEUE_SIZE", "FETCHER_RETRIES",
	"FETCHER_PROGRESS_INTERVAL", "FETCHER_RETRY_BACKOFF", "FETCHER_CONNECT_TIMEOUT",
	"FETCHER_READ_TIMEOUT", "FETCHER_SECRET", "FETCHER_DEBUG", "FETCHER_NO_HISTORY",
}

// clearEnv blanks every FETCHER_* variable for the duration of the test.
func clearEnv(t *testing.T, except ...string) {
	t.Helper()
	for _, k := range envKeys {
		skip := false
		for _, e := range except {
			if k == e {
				skip = true
			}
		}
		if !skip {
			t.Setenv(k, "")
		}
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultDBPath(t *testing.T) {
	t.Run("with XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "/custom/cache")

		expected := "/custom/cache/fetcher/history.db"
		if path := DefaultDBPath(); path != expected {
			t.Errorf("DefaultDBPath() = %q, want %q", path, expected)
		}
	})

	t.Run("without XDG_CACHE_HOME", func(t *testing.T) {
		t.Setenv("XDG_CACHE_HOME", "")

		path := DefaultDBPath()
		if !strings.HasSuffix(path, filepath.Join(".cache", "fetcher", "history.db")) {
			t.Errorf("DefaultDBPath() = %q, want suffix .cache/fetcher/history.db", path)
		}
	})
}

func TestDefaultDownloadDir(t *testing.T) {
	path := DefaultDownloadDir()
	if !strings.HasSuffix(path, "Downloads") {
		t.Errorf("DefaultDownloadDir() = %q, want suffix Downloads", path)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load([]string{"-env-file="})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := Default()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Workers != want.Workers {
		t.Errorf("Workers = %d, want %d", cfg.Workers, want.Workers)
	}
	if cfg.QueueSize != want.QueueSize {
		t.Errorf("QueueSize = %d, want %d", cfg.QueueSize, want.QueueSize)
	}
	if cfg.Retries != want.Retries {
		t.Errorf("Retries = %d, want %d", cfg.Retries, want.Retries)
	}
	if cfg.RetryBackoff != 3500*time.Millisecond {
		t.Errorf("RetryBackoff = %v, want 3.5s", cfg.RetryBackoff)
	}
	if cfg.ReadTimeout != 20*time.Second {
		t.Errorf("ReadTimeout = %v, want 20s", cfg.ReadTimeout)
	}
	if len(cfg.URLs) != 0 {
		t.Errorf("URLs = %v, want none", cfg.URLs)
	}
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "fetcher.toml",
			content: `port = 9000
workers = 5
retries = 0
download_dir = "/srv/downloads"
retry_backoff = "1s"
debug = true
`,
		},
		{
			name: "yaml",
			file: "fetcher.yaml",
			content: `port: 9000
workers: 5
retries: 0
download_dir: /srv/downloads
retry_backoff: 1s
debug: true
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			cfg := Default()
			if err := LoadFile(path, &cfg); err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}

			if cfg.Port != 9000 {
				t.Errorf("Port = %d, want 9000", cfg.Port)
			}
			if cfg.Workers != 5 {
				t.Errorf("Workers = %d, want 5", cfg.Workers)
			}
			if cfg.Retries != 0 {
				t.Errorf("Retries = %d, want 0", cfg.Retries)
			}
			if cfg.DownloadDir != "/srv/downloads" {
				t.Errorf("DownloadDir = %q, want /srv/downloads", cfg.DownloadDir)
			}
			if cfg.RetryBackoff != time.Second {
				t.Errorf("RetryBackoff = %v, want 1s", cfg.RetryBackoff)
			}
			if !cfg.Debug {
				t.Error("Debug = false, want true")
			}
			if cfg.QueueSize != Default().QueueSize {
				t.Errorf("QueueSize = %d, want default %d", cfg.QueueSize, Default().QueueSize)
			}
		})
	}
}

func TestLoadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "fetcher.ini", "port=1"},
		{"bad toml", "fetcher.toml", "port = ["},
		{"bad yaml", "fetcher.yaml", "port: [1"},
		{"bad duration", "fetcher.toml", `read_timeout = "soon"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			if err := LoadFile(writeFile(t, tt.file, tt.content), &cfg); err == nil {
				t.Error("LoadFile() error = nil, want error")
			}
		})
	}

	cfg := Default()
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.toml"), &cfg); err == nil {
		t.Error("LoadFile(missing) error = nil, want error")
	}
}

func TestLoad_Precedence(t *testing.T) {
	clearEnv(t, "FETCHER_RETRIES")
	path := writeFile(t, "fetcher.toml", "port = 9000\nworkers = 5\nretries = 2\n")
	t.Setenv("FETCHER_RETRIES", "4")

	cfg, err := Load([]string{"-env-file=", "-config", path, "-workers=7", "-retries=9"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000 from file", cfg.Port)
	}
	if cfg.Workers != 7 {
		t.Errorf("Workers = %d, want 7 from flag", cfg.Workers)
	}
	if cfg.Retries != 4 {
		t.Errorf("Retries = %d, want 4 from env", cfg.Retries)
	}
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	clearEnv(t, "FETCHER_CONFIG")
	t.Setenv("FETCHER_CONFIG", writeFile(t, "fetcher.yml", "queue_size: 64\n"))

	cfg, err := Load([]string{"-env-file="})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueSize != 64 {
		t.Errorf("QueueSize = %d, want 64", cfg.QueueSize)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	clearEnv(t, "FETCHER_WORKERS", "FETCHER_PORT")
	t.Setenv("FETCHER_PORT", "9100")
	os.Unsetenv("FETCHER_WORKERS")
	t.Cleanup(func() { os.Unsetenv("FETCHER_WORKERS") })

	envFile := writeFile(t, ".env", "FETCHER_WORKERS=9\nFETCHER_PORT=1234\n")
	cfg, err := Load([]string{"-env-file", envFile})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Workers != 9 {
		t.Errorf("Workers = %d, want 9 from env file", cfg.Workers)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100; env file must not override the environment", cfg.Port)
	}
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	clearEnv(t)

	if _, err := Load([]string{"-env-file", filepath.Join(t.TempDir(), "nope.env")}); err != nil {
		t.Errorf("Load() error = %v, want nil", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("FETCHER_DOWNLOAD_DIR", "/data")
	t.Setenv("FETCHER_READ_TIMEOUT", "45s")
	t.Setenv("FETCHER_DEBUG", "true")
	t.Setenv("FETCHER_NO_HISTORY", "1")
	t.Setenv("FETCHER_DB", "")

	cfg, err := Load([]string{"-env-file=", "-db="})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DownloadDir != "/data" {
		t.Errorf("DownloadDir = %q, want /data", cfg.DownloadDir)
	}
	if cfg.ReadTimeout != 45*time.Second {
		t.Errorf("ReadTimeout = %v, want 45s", cfg.ReadTimeout)
	}
	if !cfg.Debug || !cfg.NoHistory {
		t.Errorf("Debug = %v, NoHistory = %v, want both true", cfg.Debug, cfg.NoHistory)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"FETCHER_PORT", "eighty"},
		{"FETCHER_RETRY_BACKOFF", "3"},
		{"FETCHER_DEBUG", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t, tt.key)
			t.Setenv(tt.key, tt.value)

			_, err := Load([]string{"-env-file="})
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want error naming %s", err, tt.key)
			}
		})
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name  string
		args  []string
		field string
	}{
		{"zero workers", []string{"-workers=0"}, "Workers"},
		{"port out of range", []string{"-port=70000"}, "Port"},
		{"negative retries", []string{"-retries=-1"}, "Retries"},
		{"short secret", []string{"-secret=abc"}, "Secret"},
		{"zero read timeout", []string{"-read-timeout=0s"}, "ReadTimeout"},
		{"missing db", []string{"-db="}, "DBPath"},
		{"bad url argument", []string{"not a url"}, "URLs[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)

			_, err := Load(append([]string{"-env-file="}, tt.args...))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Load() error = %v, want *ValidationError", err)
			}
			if !strings.Contains(verr.Error(), tt.field) {
				t.Errorf("error %q does not mention %s", verr.Error(), tt.field)
			}
		})
	}
}

func TestLoad_URLs(t *testing.T) {
	clearEnv(t)

	cfg, err := Load([]string{"-env-file=", "-workers=2", "https://example.com/a", "https://example.com/b"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.URLs) != 2 || cfg.URLs[1] != "https://example.com/b" {
		t.Errorf("URLs = %v", cfg.URLs)
	}
}

func TestConfig_WorkerOptions(t *testing.T) {
	cfg := Default()
	cfg.ConnectTimeout = time.Second
	cfg.ReadTimeout = 2 * time.Second
	cfg.RetryBackoff = 3 * time.Second

	opts := cfg.WorkerOptions()
	if opts.ConnectTimeout != time.Second || opts.ReadTimeout != 2*time.Second || opts.RetryBackoff != 3*time.Second {
		t.Errorf("WorkerOptions() = %+v", opts)
	}
}

func TestLoadFile_Hooks(t *testing.T) {
	path := writeFile(t, "fetcher.toml", `
[[hooks]]
name = "unzip"
pattern = '\.zip$'
command = "unzip"
args = ["-o", "{path}"]
timeout = "1m"

[[hooks]]
name = "notify"
command = "notify-send"
args = ["done", "{name}"]
`)
	cfg := Default()
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(cfg.Hooks) != 2 {
		t.Fatalf("Hooks len = %d, want 2", len(cfg.Hooks))
	}
	h := cfg.Hooks[0]
	if h.Name != "unzip" || h.Pattern != `\.zip$` || h.Command != "unzip" || h.Timeout != "1m" {
		t.Errorf("Hooks[0] = %+v", h)
	}
	if len(h.Args) != 2 || h.Args[1] != "{path}" {
		t.Errorf("Hooks[0].Args = %v", h.Args)
	}
	if cfg.Hooks[1].Pattern != "" {
		t.Errorf("Hooks[1].Pattern = %q, want empty", cfg.Hooks[1].Pattern)
	}
}

func TestLoad_HookValidation(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "fetcher.yaml", "hooks:\n  - name: broken\n")

	_, err := Load([]string{"-env-file=", "-config", path})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Load() error = %v, want *ValidationError", err)
	}
	if !strings.Contains(verr.Error(), "Command") {
		t.Errorf("error %q does not mention Command", verr.Error())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	tests := []struct {
		in, want string
	}{
		{"~", home},
		{"~/Downloads", filepath.Join(home, "Downloads")},
		{"/abs/path", "/abs/path"},
		{"rel/~", "rel/~"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExpandPath(tt.in); got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
