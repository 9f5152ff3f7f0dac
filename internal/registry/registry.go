// Package registry tracks admitted jobs: those waiting for a worker slot and
// those in flight. Every read and write goes through one lock; the sets are
// small, so lookups are linear scans over both.
package registry

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
)

// Registry is the index of admitted jobs.
type Registry struct {
	mu      sync.Mutex
	waiting []*domain.Job
	active  []*domain.Job
	nextID  int64
	seq     uint64
	now     func() time.Time
}

// New creates an empty registry. Ids start at 1.
func New() *Registry {
	return &Registry{nextID: 1, now: time.Now}
}

// Add admits job. It fails with domain.ErrInvalidURL for a nil job or empty
// URL and with domain.ErrDuplicate if an admitted job has the same id or
// either of its URLs. On success the job gets an id (kept if it already has
// one), a fresh submission stamp, cleared cancel and stop flags, and the
// pending state. Generated ids always stay above every id seen so far.
func (r *Registry) Add(job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("%w: nil job", domain.ErrInvalidURL)
	}
	if job.URL() == "" {
		return domain.ErrInvalidURL
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.findLocked(func(j *domain.Job) bool { return conflicts(j, job) }) != nil {
		return fmt.Errorf("%w: %s", domain.ErrDuplicate, job.URL())
	}

	id := job.AssignID(r.nextID)
	r.nextID = max(r.nextID, id+1)
	r.seq++
	job.MarkSubmitted(r.now(), r.seq)
	job.ClearFlags()
	job.SetState(domain.StatePending)
	r.waiting = append(r.waiting, job)
	return nil
}

func conflicts(admitted, job *domain.Job) bool {
	if admitted == job {
		return true
	}
	if id := job.ID(); id != domain.UnassignedID && admitted.ID() == id {
		return true
	}
	return admitted.MatchesURL(job.URL()) || admitted.MatchesURL(job.OriginalURL())
}

// Start moves a waiting job to the in-flight set. It returns false if the
// job is not waiting.
func (r *Registry) Start(job *domain.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := slices.Index(r.waiting, job)
	if i < 0 {
		return false
	}
	r.waiting = slices.Delete(r.waiting, i, i+1)
	r.active = append(r.active, job)
	return true
}

// Finish removes job from the registry. Only the first call for an admission
// returns true.
func (r *Registry) Finish(job *domain.Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i := slices.Index(r.active, job); i >= 0 {
		r.active = slices.Delete(r.active, i, i+1)
		return true
	}
	if i := slices.Index(r.waiting, job); i >= 0 {
		r.waiting = slices.Delete(r.waiting, i, i+1)
		return true
	}
	return false
}

// Get returns the admitted job with the given id.
func (r *Registry) Get(id int64) (*domain.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := r.findLocked(func(j *domain.Job) bool { return j.ID() == id })
	return j, j != nil
}

// Query returns the state of the admitted job with the given id, or
// domain.StateInvalid if there is none.
func (r *Registry) Query(id int64) domain.State {
	if j, ok := r.Get(id); ok {
		return j.State()
	}
	return domain.StateInvalid
}

// QueryURL is Query by current or original URL.
func (r *Registry) QueryURL(url string) domain.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j := r.findLocked(func(j *domain.Job) bool { return j.MatchesURL(url) }); j != nil {
		return j.State()
	}
	return domain.StateInvalid
}

// Cancel flags the job with the given id for cancellation and reports how
// many jobs matched.
func (r *Registry) Cancel(id int64) int {
	return r.apply(func(j *domain.Job) bool { return j.ID() == id }, (*domain.Job).Cancel)
}

// CancelURL flags every job matching url for cancellation.
func (r *Registry) CancelURL(url string) int {
	return r.apply(func(j *domain.Job) bool { return j.MatchesURL(url) }, (*domain.Job).Cancel)
}

// Stop flags the job with the given id to stop.
func (r *Registry) Stop(id int64) int {
	return r.apply(func(j *domain.Job) bool { return j.ID() == id }, (*domain.Job).Stop)
}

// StopURL flags every job matching url to stop.
func (r *Registry) StopURL(url string) int {
	return r.apply(func(j *domain.Job) bool { return j.MatchesURL(url) }, (*domain.Job).Stop)
}

// CancelAll flags every admitted job for cancellation.
func (r *Registry) CancelAll() int {
	return r.apply(func(*domain.Job) bool { return true }, (*domain.Job).Cancel)
}

// StopAll flags every admitted job to stop.
func (r *Registry) StopAll() int {
	return r.apply(func(*domain.Job) bool { return true }, (*domain.Job).Stop)
}

func (r *Registry) apply(match func(*domain.Job) bool, fn func(*domain.Job)) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, set := range [][]*domain.Job{r.waiting, r.active} {
		for _, j := range set {
			if match(j) {
				fn(j)
				n++
			}
		}
	}
	return n
}

func (r *Registry) findLocked(match func(*domain.Job) bool) *domain.Job {
	for _, set := range [][]*domain.Job{r.waiting, r.active} {
		for _, j := range set {
			if match(j) {
				return j
			}
		}
	}
	return nil
}

// Jobs returns snapshots of all admitted jobs, in-flight first.
func (r *Registry) Jobs() []domain.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Snapshot, 0, len(r.active)+len(r.waiting))
	for _, j := range r.active {
		out = append(out, j.Snapshot())
	}
	for _, j := range r.waiting {
		out = append(out, j.Snapshot())
	}
	return out
}

// Counts returns the number of waiting and in-flight jobs.
func (r *Registry) Counts() (waiting, active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiting), len(r.active)
}
