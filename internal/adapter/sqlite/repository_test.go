package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
)

func setupTestRepo(t *testing.T) (*Repository, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cleanup := func() {
		repo.Close()
		os.Remove(dbPath)
	}
	return repo, cleanup
}

// tick makes the repository clock advance one second per call.
func tick(repo *Repository) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	repo.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestRepository_Lifecycle(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	tick(repo)

	ctx := context.Background()
	if err := repo.Begin(ctx, "s1", 1, "https://example.com/a", "/tmp/a", 1000); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	rec, err := repo.Get(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Outcome != domain.OutcomeRunning {
		t.Errorf("Outcome = %q, want %q", rec.Outcome, domain.OutcomeRunning)
	}
	if rec.Total != 1000 {
		t.Errorf("Total = %d, want 1000", rec.Total)
	}

	if err := repo.Progress(ctx, "s1", 1, 400, 1000); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if err := repo.Retry(ctx, "s1", 1); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if err := repo.Retry(ctx, "s1", 1); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if err := repo.Finish(ctx, "s1", 1, "https://cdn.example.com/a", "/tmp/a", domain.OutcomeSuccess, 0, ""); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	rec, err = repo.Get(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Outcome != domain.OutcomeSuccess {
		t.Errorf("Outcome = %q, want %q", rec.Outcome, domain.OutcomeSuccess)
	}
	if rec.URL != "https://cdn.example.com/a" {
		t.Errorf("URL = %q, want redirected URL", rec.URL)
	}
	if rec.Written != 400 {
		t.Errorf("Written = %d, want 400", rec.Written)
	}
	if rec.Retries != 2 {
		t.Errorf("Retries = %d, want 2", rec.Retries)
	}
	if !rec.UpdatedAt.After(rec.StartedAt) {
		t.Errorf("UpdatedAt %v not after StartedAt %v", rec.UpdatedAt, rec.StartedAt)
	}
}

func TestRepository_FinishWithoutBegin(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	err := repo.Finish(ctx, "s1", 7, "https://example.com/x", "/tmp/x", domain.OutcomeFailure, 404, "HTTP 404")
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}

	rec, err := repo.Get(ctx, "s1", 7)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Outcome != domain.OutcomeFailure {
		t.Errorf("Outcome = %q, want %q", rec.Outcome, domain.OutcomeFailure)
	}
	if rec.StatusCode != 404 {
		t.Errorf("StatusCode = %d, want 404", rec.StatusCode)
	}
	if rec.Message != "HTTP 404" {
		t.Errorf("Message = %q, want %q", rec.Message, "HTTP 404")
	}
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	repo.Begin(ctx, "s1", 1, "https://example.com/a", "/tmp/a", 0)

	tests := []struct {
		name    string
		session string
		id      int64
	}{
		{"unknown id", "s1", 2},
		{"other session", "s2", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.Get(ctx, tt.session, tt.id)
			if !errors.Is(err, domain.ErrJobNotFound) {
				t.Errorf("Get() error = %v, want %v", err, domain.ErrJobNotFound)
			}
		})
	}
}

func TestRepository_SessionsAreSeparate(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	repo.Finish(ctx, "s1", 1, "https://example.com/a", "/tmp/a", domain.OutcomeSuccess, 0, "")
	repo.Finish(ctx, "s2", 1, "https://example.com/b", "/tmp/b", domain.OutcomeCanceled, 0, "")

	a, err := repo.Get(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Get(s1) error = %v", err)
	}
	b, err := repo.Get(ctx, "s2", 1)
	if err != nil {
		t.Fatalf("Get(s2) error = %v", err)
	}
	if a.URL == b.URL || a.Outcome == b.Outcome {
		t.Errorf("sessions overwrote each other: %+v / %+v", a, b)
	}
}

func TestRepository_Recent(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()
	tick(repo)

	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		repo.Finish(ctx, "s1", i, "https://example.com/"+string(rune('a'+i)), "", domain.OutcomeSuccess, 0, "")
	}
	// Touching job 1 again makes it the newest.
	repo.Retry(ctx, "s1", 1)

	records, err := repo.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Recent() returned %d records, want 3", len(records))
	}
	want := []int64{1, 4, 3}
	for i, rec := range records {
		if rec.JobID != want[i] {
			t.Errorf("records[%d].JobID = %d, want %d", i, rec.JobID, want[i])
		}
	}
}

func TestRepository_Recent_Empty(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	records, err := repo.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Recent() returned %d records, want 0", len(records))
	}
}

func TestNew_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "dir", "test.db")

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer repo.Close()

	if _, err := os.Stat(filepath.Dir(dbPath)); os.IsNotExist(err) {
		t.Error("New() did not create parent directory")
	}
}

func TestNew_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	repo, err := New(dbPath)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	repo.Finish(ctx, "s1", 1, "https://example.com/a", "/tmp/a", domain.OutcomeStopped, 0, "")
	repo.Close()

	repo, err = New(dbPath)
	if err != nil {
		t.Fatalf("New() second open error = %v", err)
	}
	defer repo.Close()

	rec, err := repo.Get(ctx, "s1", 1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Outcome != domain.OutcomeStopped {
		t.Errorf("Outcome = %q, want %q", rec.Outcome, domain.OutcomeStopped)
	}
}

func TestRepository_RecoverStale(t *testing.T) {
	repo, cleanup := setupTestRepo(t)
	defer cleanup()

	ctx := context.Background()
	repo.Begin(ctx, "old", 1, "https://example.com/1", "/tmp/1", 100)
	repo.Begin(ctx, "old", 2, "https://example.com/2", "/tmp/2", 100)
	repo.Begin(ctx, "old", 3, "https://example.com/3", "/tmp/3", 100)
	repo.Finish(ctx, "old", 3, "https://example.com/3", "/tmp/3", domain.OutcomeSuccess, 0, "")

	count, err := repo.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() error = %v", err)
	}
	if count != 2 {
		t.Errorf("RecoverStale() = %d, want 2", count)
	}

	for _, id := range []int64{1, 2} {
		rec, _ := repo.Get(ctx, "old", id)
		if rec.Outcome != domain.OutcomeInterrupted {
			t.Errorf("job %d outcome = %q, want %q", id, rec.Outcome, domain.OutcomeInterrupted)
		}
		if rec.Message == "" {
			t.Errorf("job %d has no message", id)
		}
	}

	rec, _ := repo.Get(ctx, "old", 3)
	if rec.Outcome != domain.OutcomeSuccess {
		t.Errorf("finished job outcome = %q, want %q", rec.Outcome, domain.OutcomeSuccess)
	}
}
