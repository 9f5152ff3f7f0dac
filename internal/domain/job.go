package domain

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidURL  = errors.New("invalid URL")
	ErrDuplicate   = errors.New("job already pending or running")
	ErrJobNotFound = errors.New("job not found")
)

// UnassignedID marks a job that has not been admitted yet.
const UnassignedID int64 = -1

// TempSuffix is appended to the destination path while a transfer is in progress.
const TempSuffix = ".tmp"

// DefaultRetries is the retry budget of a job built without WithRetries.
const DefaultRetries = 1

// Synthetic failure codes reported through OnFailure. HTTP status codes are
// reported as-is for non-retryable failures.
const (
	CodeInvalid      = 1
	CodeSizeError    = 1 << 1
	CodeNetworkError = 1 << 2
)

// Priority orders waiting jobs. Lower values are dequeued first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority parses "high", "normal" or "low". An empty string is normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// State represents the lifecycle state of a job.
type State int32

const (
	StateInvalid State = iota
	StatePending
	StateRunning
	StateSuccessful
	StateFailure
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateSuccessful:
		return "successful"
	case StateFailure:
		return "failure"
	default:
		return "invalid"
	}
}

// Active reports whether the state blocks a second admission of the same job.
func (s State) Active() bool {
	return s == StatePending || s == StateRunning
}

// NetworkType is a bitmask of network kinds a job may transfer over.
type NetworkType int

const (
	NetworkMobile NetworkType = 1 << iota
	NetworkWifi
)

// Job is a single download. Configuration is fixed at construction; the
// scheduling state is safe for concurrent use.
type Job struct {
	mu          sync.Mutex
	url         string
	originalURL string
	destination string
	destDir     string

	priority         Priority
	progressInterval time.Duration
	allowedNetworks  NetworkType
	listener         Listener
	simple           SimpleListener

	id          atomic.Int64
	state       atomic.Int32
	retries     atomic.Int32
	canceled    atomic.Bool
	stopped     atomic.Bool
	written     atomic.Int64
	total       atomic.Int64
	submittedAt time.Time
	seq         uint64
}

// Option configures a Job.
type Option func(*Job)

// WithDestination sets the absolute destination file path.
func WithDestination(path string) Option {
	return func(j *Job) { j.destination = path }
}

// WithDestDir sets the directory the file is saved into. The file name is
// derived from the URL. Ignored when WithDestination is also given.
func WithDestDir(dir string) Option {
	return func(j *Job) { j.destDir = dir }
}

// WithPriority sets the scheduling priority. Default is PriorityNormal.
func WithPriority(p Priority) Option {
	return func(j *Job) { j.priority = p }
}

// WithRetries sets the retry budget for transient failures.
func WithRetries(n int) Option {
	return func(j *Job) { j.retries.Store(int32(n)) }
}

// WithProgressInterval sets the minimum spacing between progress events.
func WithProgressInterval(d time.Duration) Option {
	return func(j *Job) { j.progressInterval = d }
}

// WithAllowedNetworks restricts the network types the job may use. Zero allows all.
func WithAllowedNetworks(types NetworkType) Option {
	return func(j *Job) { j.allowedNetworks = types }
}

// WithListener sets the detailed listener.
func WithListener(l Listener) Option {
	return func(j *Job) { j.listener = l }
}

// WithSimpleListener sets the simple listener.
func WithSimpleListener(l SimpleListener) Option {
	return func(j *Job) { j.simple = l }
}

// NewJob creates a pending, unadmitted job for an http or https URL.
func NewJob(rawURL string, opts ...Option) (*Job, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	j := &Job{
		url:         rawURL,
		originalURL: rawURL,
		priority:    PriorityNormal,
	}
	j.id.Store(UnassignedID)
	j.state.Store(int32(StatePending))
	j.retries.Store(DefaultRetries)
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: only http and https URLs can be downloaded", ErrInvalidURL)
	}
	return nil
}

// ID returns the job id, or UnassignedID before admission.
func (j *Job) ID() int64 { return j.id.Load() }

// AssignID sets the id if none is assigned yet and returns the effective id.
func (j *Job) AssignID(id int64) int64 {
	if j.id.CompareAndSwap(UnassignedID, id) {
		return id
	}
	return j.id.Load()
}

// URL returns the current effective URL. It changes when a redirect is followed.
func (j *Job) URL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.url
}

// OriginalURL returns the URL the job was created with.
func (j *Job) OriginalURL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.originalURL
}

// SetURL records the URL a redirect pointed to.
func (j *Job) SetURL(u string) {
	j.mu.Lock()
	j.url = u
	j.mu.Unlock()
}

// MatchesURL reports whether u is the job's current or original URL.
func (j *Job) MatchesURL(u string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return u != "" && (j.url == u || j.originalURL == u)
}

// Destination returns the final file path. Empty until resolved.
func (j *Job) Destination() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.destination
}

// TempPath returns the in-progress file path.
func (j *Job) TempPath() string {
	return j.Destination() + TempSuffix
}

// ResolveDestination fixes the destination path. When no explicit path was
// given, or the path is a directory, the file name is derived from the URL
// inside the job's directory (falling back to defaultDir). Parent
// directories are created.
func (j *Job) ResolveDestination(defaultDir string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	dest := j.destination
	if dest != "" {
		if info, err := os.Stat(dest); err == nil && info.IsDir() {
			dest = filepath.Join(dest, FilenameFromURL(j.originalURL))
		}
	} else {
		dir := j.destDir
		if dir == "" {
			dir = defaultDir
		}
		if dir == "" {
			return "", errors.New("no destination path or directory")
		}
		dest = filepath.Join(dir, FilenameFromURL(j.originalURL))
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("create destination dir: %w", err)
	}
	j.destination = dest
	return dest, nil
}

// FilenameFromURL derives a file name from the last path segment of a URL,
// falling back to the host name.
func FilenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "download"
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = strings.ReplaceAll(u.Host, ":", "_")
	}
	name = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == ".." {
		return "download"
	}
	return name
}

func (j *Job) Priority() Priority { return j.priority }

func (j *Job) ProgressInterval() time.Duration { return j.progressInterval }

func (j *Job) AllowedNetworks() NetworkType { return j.allowedNetworks }

func (j *Job) Listener() Listener { return j.listener }

func (j *Job) SimpleListener() SimpleListener { return j.simple }

func (j *Job) State() State { return State(j.state.Load()) }

func (j *Job) SetState(s State) { j.state.Store(int32(s)) }

// Retries returns the remaining retry budget.
func (j *Job) Retries() int { return int(j.retries.Load()) }

// SubmittedAt returns the time of the latest admission.
func (j *Job) SubmittedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.submittedAt
}

// Sequence returns the admission sequence number, used to break timestamp ties.
func (j *Job) Sequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// MarkSubmitted stamps the admission time and sequence used for FIFO ordering.
// Only the registry calls this, under its lock.
func (j *Job) MarkSubmitted(at time.Time, seq uint64) {
	j.mu.Lock()
	j.submittedAt = at
	j.seq = seq
	j.mu.Unlock()
}

// ConsumeRetry decrements the retry budget and returns what is left.
// A result >= 0 permits another attempt.
func (j *Job) ConsumeRetry() int {
	return int(j.retries.Add(-1))
}

// Cancel requests cancellation. The partial file is deleted on termination.
func (j *Job) Cancel() { j.canceled.Store(true) }

// Stop requests a stop. The partial file is kept for a later resume.
func (j *Job) Stop() { j.stopped.Store(true) }

func (j *Job) Canceled() bool { return j.canceled.Load() }

func (j *Job) Stopped() bool { return j.stopped.Load() }

// ClearFlags resets cancel and stop so a terminated job can be submitted again.
func (j *Job) ClearFlags() {
	j.canceled.Store(false)
	j.stopped.Store(false)
}

// SetProgress records the latest byte counts.
func (j *Job) SetProgress(written, total int64) {
	j.written.Store(written)
	j.total.Store(total)
}

// Progress returns the latest bytes written and expected total.
func (j *Job) Progress() (written, total int64) {
	return j.written.Load(), j.total.Load()
}

// Snapshot is a point-in-time copy of a job for observers.
type Snapshot struct {
	ID          int64
	URL         string
	OriginalURL string
	Destination string
	Priority    Priority
	State       State
	Written     int64
	Total       int64
	Retries     int
	Canceled    bool
	Stopped     bool
	SubmittedAt time.Time
}

// Snapshot copies the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	s := Snapshot{
		URL:         j.url,
		OriginalURL: j.originalURL,
		Destination: j.destination,
		SubmittedAt: j.submittedAt,
	}
	j.mu.Unlock()
	s.ID = j.ID()
	s.Priority = j.priority
	s.State = j.State()
	s.Written, s.Total = j.Progress()
	s.Retries = j.Retries()
	s.Canceled = j.Canceled()
	s.Stopped = j.Stopped()
	return s
}
