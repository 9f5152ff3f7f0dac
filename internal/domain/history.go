package domain

import (
	"context"
	"log/slog"
	"time"
)

// Outcome is the recorded result of a job in the history store.
type Outcome string

const (
	OutcomeRunning     Outcome = "running"
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeCanceled    Outcome = "canceled"
	OutcomeStopped     Outcome = "stopped"
	OutcomeInterrupted Outcome = "interrupted"
)

// Record is one job's row in the history store. Job ids restart with each
// process, so rows are keyed by session and job id.
type Record struct {
	Session    string    `json:"session"`
	JobID      int64     `json:"job_id"`
	URL        string    `json:"url"`
	Path       string    `json:"path"`
	Outcome    Outcome   `json:"outcome"`
	StatusCode int       `json:"status_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Written    int64     `json:"written"`
	Total      int64     `json:"total"`
	Retries    int       `json:"retries"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// HistoryRepository persists job outcomes.
type HistoryRepository interface {
	Begin(ctx context.Context, session string, id int64, url, path string, total int64) error
	Progress(ctx context.Context, session string, id int64, written, total int64) error
	Retry(ctx context.Context, session string, id int64) error
	Finish(ctx context.Context, session string, id int64, url, path string, outcome Outcome, code int, message string) error
	Get(ctx context.Context, session string, id int64) (*Record, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	RecoverStale(ctx context.Context) (int64, error)
}

// historyWriteTimeout bounds a single store write made from a callback.
const historyWriteTimeout = 5 * time.Second

// HistoryService records job events of one process session and answers
// history queries. It implements Listener so it can be attached to jobs.
type HistoryService struct {
	repo    HistoryRepository
	session string
	logger  *slog.Logger
}

// NewHistoryService creates a HistoryService writing rows under session.
func NewHistoryService(repo HistoryRepository, session string, logger *slog.Logger) *HistoryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryService{repo: repo, session: session, logger: logger}
}

// Session returns the session key rows are written under.
func (s *HistoryService) Session() string { return s.session }

// Recent returns the newest records across all sessions.
func (s *HistoryService) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.Recent(ctx, limit)
}

// Get returns the record of job id in the current session.
func (s *HistoryService) Get(ctx context.Context, id int64) (*Record, error) {
	return s.repo.Get(ctx, s.session, id)
}

// RecoverStale marks rows left running by an earlier process as interrupted.
func (s *HistoryService) RecoverStale(ctx context.Context) (int64, error) {
	return s.repo.RecoverStale(ctx)
}

func (s *HistoryService) write(op string, id int64, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.logger.Warn("history write failed", "op", op, "job", id, "error", err)
	}
}

func (s *HistoryService) OnStart(id int64, url, path string, total int64) {
	s.write("start", id, func(ctx context.Context) error {
		return s.repo.Begin(ctx, s.session, id, url, path, total)
	})
}

func (s *HistoryService) OnRetry(id int64, url, path string) {
	s.write("retry", id, func(ctx context.Context) error {
		return s.repo.Retry(ctx, s.session, id)
	})
}

func (s *HistoryService) OnProgress(id int64, url, path string, written, total int64) {
	s.write("progress", id, func(ctx context.Context) error {
		return s.repo.Progress(ctx, s.session, id, written, total)
	})
}

func (s *HistoryService) OnSuccess(id int64, url, path string) {
	s.finish(id, url, path, OutcomeSuccess, 0, "")
}

func (s *HistoryService) OnFailure(id int64, url, path string, code int, message string) {
	s.finish(id, url, path, OutcomeFailure, code, message)
}

func (s *HistoryService) OnCancel(id int64, url, path string) {
	s.finish(id, url, path, OutcomeCanceled, 0, "")
}

func (s *HistoryService) OnStop(id int64, url, path string) {
	s.finish(id, url, path, OutcomeStopped, 0, "")
}

func (s *HistoryService) finish(id int64, url, path string, outcome Outcome, code int, message string) {
	s.write(string(outcome), id, func(ctx context.Context) error {
		return s.repo.Finish(ctx, s.session, id, url, path, outcome, code, message)
	})
}

var _ Listener = (*HistoryService)(nil)
