package hook

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cwygoda/fetcher/internal/config"
)

// DefaultTimeout bounds a hook command that sets no timeout.
const DefaultTimeout = 10 * time.Minute

// Command runs an external program for completed downloads whose URL
// matches its pattern.
type Command struct {
	name    string
	pattern *regexp.Regexp
	command string
	args    []string
	dir     string
	timeout time.Duration
}

// NewCommand creates a hook from config. An empty pattern matches every URL.
func NewCommand(hc config.HookConfig) (*Command, error) {
	re, err := regexp.Compile(hc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", hc.Pattern, err)
	}

	timeout := DefaultTimeout
	if hc.Timeout != "" {
		timeout, err = time.ParseDuration(hc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", hc.Timeout, err)
		}
	}

	dir := hc.Dir
	if dir != "" {
		dir = config.ExpandPath(dir)
	}

	return &Command{
		name:    hc.Name,
		pattern: re,
		command: hc.Command,
		args:    hc.Args,
		dir:     dir,
		timeout: timeout,
	}, nil
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Match(url string) bool {
	return c.pattern.MatchString(url)
}

// Run executes the command for a finished file. Without a configured
// directory it runs next to the file.
func (c *Command) Run(ctx context.Context, url, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	replacer := strings.NewReplacer(
		"{url}", url,
		"{path}", path,
		"{name}", filepath.Base(path),
		"{dir}", filepath.Dir(path),
	)
	args := make([]string, len(c.args))
	for i, arg := range c.args {
		args[i] = replacer.Replace(arg)
	}

	dir := c.dir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create hook dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", c.command, err, strings.TrimSpace(string(output)))
	}
	return nil
}
