package delivery

import (
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/cwygoda/fetcher/internal/domain"
)

// LogListener writes job events to a structured logger.
type LogListener struct {
	logger *slog.Logger
}

// NewLogListener creates a LogListener. A nil logger uses slog.Default().
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{logger: logger}
}

func (l *LogListener) OnStart(id int64, url, path string, total int64) {
	l.logger.Info("download started", "job", id, "url", url, "path", path, "size", humanize.Bytes(uint64(max(total, 0))))
}

func (l *LogListener) OnRetry(id int64, url, path string) {
	l.logger.Info("retrying download", "job", id, "url", url)
}

func (l *LogListener) OnProgress(id int64, url, path string, written, total int64) {
	pct := 0.0
	if total > 0 {
		pct = float64(written) * 100 / float64(total)
	}
	l.logger.Debug("download progress",
		"job", id,
		"written", humanize.Bytes(uint64(max(written, 0))),
		"total", humanize.Bytes(uint64(max(total, 0))),
		"percent", humanize.FtoaWithDigits(pct, 1),
	)
}

func (l *LogListener) OnSuccess(id int64, url, path string) {
	l.logger.Info("download complete", "job", id, "url", url, "path", path)
}

func (l *LogListener) OnFailure(id int64, url, path string, code int, message string) {
	l.logger.Warn("download failed", "job", id, "url", url, "code", code, "error", message)
}

func (l *LogListener) OnCancel(id int64, url, path string) {
	l.logger.Info("download canceled", "job", id, "url", url)
}

func (l *LogListener) OnStop(id int64, url, path string) {
	l.logger.Info("download stopped", "job", id, "url", url, "path", path)
}

var _ domain.Listener = (*LogListener)(nil)
