package hook

import (
	"testing"

	"github.com/cwygoda/fetcher/internal/config"
)

func mustCommand(t *testing.T, name, pattern string) *Command {
	t.Helper()
	c, err := NewCommand(config.HookConfig{Name: name, Pattern: pattern, Command: "true"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry()
	r.Register(mustCommand(t, "videos", `\.mp4$`))
	r.Register(mustCommand(t, "generic", ``))

	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/clip.mp4", "videos"},
		{"https://example.com/file.iso", "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			c := r.Match(tt.url)
			if c == nil {
				t.Fatalf("Match(%q) = nil", tt.url)
			}
			if c.Name() != tt.want {
				t.Errorf("Match(%q) = %q, want %q", tt.url, c.Name(), tt.want)
			}
		})
	}
}

func TestRegistry_NoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(mustCommand(t, "videos", `\.mp4$`))

	if c := r.Match("https://example.com/a.iso"); c != nil {
		t.Errorf("Match() = %q, want nil", c.Name())
	}
	if NewRegistry().Match("https://example.com/a") != nil {
		t.Error("empty registry matched")
	}
}

func TestFromConfig(t *testing.T) {
	r, err := FromConfig([]config.HookConfig{
		{Name: "a", Pattern: "a", Command: "true"},
		{Name: "b", Pattern: "b", Command: "true"},
	})
	if err != nil {
		t.Fatalf("FromConfig() error = %v", err)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	if _, err := FromConfig([]config.HookConfig{{Name: "bad", Pattern: "[", Command: "true"}}); err == nil {
		t.Error("FromConfig() error = nil, want error for invalid pattern")
	}
}
