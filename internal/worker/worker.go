// Package worker performs a single resumable HTTP download into a temporary
// file, following redirects and retrying transient failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
)

// Defaults applied to zero Options fields.
const (
	DefaultConnectTimeout = 20 * time.Second
	DefaultReadTimeout    = 20 * time.Second
	DefaultRetryBackoff   = 3500 * time.Millisecond
	DefaultBufferSize     = 4096
	DefaultMaxRedirects   = 5
)

// Events receives what happens during a transfer. Exactly one of Success,
// Failure, Cancel or Stop is called per Transfer.
type Events interface {
	Start(job *domain.Job, total int64)
	Retry(job *domain.Job)
	Progress(job *domain.Job, written, total int64)
	Success(job *domain.Job)
	Failure(job *domain.Job, code int, message string)
	Cancel(job *domain.Job)
	Stop(job *domain.Job)
}

// Options configures a Worker.
type Options struct {
	// Client is copied and its redirect policy replaced. When nil a client
	// is built from the timeouts below.
	Client         *http.Client
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryBackoff   time.Duration
	BufferSize     int
	MaxRedirects   int
	Network        domain.NetworkMonitor
	Logger         *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = DefaultMaxRedirects
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Worker runs transfers. It holds no per-job state and is safe for
// concurrent use.
type Worker struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
}

// New creates a worker.
func New(opts Options) *Worker {
	opts.setDefaults()
	return &Worker{
		client: newClient(opts),
		opts:   opts,
		logger: opts.Logger,
	}
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func newClient(opts Options) *http.Client {
	if opts.Client != nil {
		c := *opts.Client
		c.CheckRedirect = noRedirect
		return &c
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	tr.TLSHandshakeTimeout = opts.ConnectTimeout
	tr.ResponseHeaderTimeout = opts.ReadTimeout
	tr.DisableCompression = true
	return &http.Client{Transport: tr, CheckRedirect: noRedirect}
}

// Transfer downloads job, reporting through ev, and returns once a terminal
// event has been reported. Cancelling ctx stops the job and keeps the
// partial file.
func (w *Worker) Transfer(ctx context.Context, job *domain.Job, ev Events) {
	t := &transfer{w: w, ctx: ctx, job: job, ev: ev}
	job.SetState(domain.StateRunning)

	if job.Destination() == "" {
		t.fail(terminal(domain.CodeInvalid, "no destination path"))
		return
	}

	for {
		err := t.attempt()
		switch {
		case err == nil:
			t.succeed()
			return
		case errors.Is(err, errCanceled):
			t.cancel()
			return
		case errors.Is(err, errStopped):
			t.stop()
			return
		}

		te := asTransferError(err)
		if !te.Retryable || job.ConsumeRetry() < 0 {
			t.fail(te)
			return
		}
		if !t.backoff(te) {
			return
		}
	}
}

// transfer is the state of one Transfer call.
type transfer struct {
	w   *Worker
	ctx context.Context
	job *domain.Job
	ev  Events

	redirects int
	started   bool
}

// checkpoint reports why the transfer must not continue, if anything.
// Cancel wins over stop.
func (t *transfer) checkpoint() error {
	switch {
	case t.job.Canceled():
		return errCanceled
	case t.job.Stopped(), t.ctx.Err() != nil:
		return errStopped
	}
	if allowed := t.job.AllowedNetworks(); allowed != 0 && t.w.opts.Network != nil {
		if current := t.w.opts.Network.Current(); !domain.NetworkAllowed(allowed, current) {
			return retryable(domain.CodeNetworkError, "network type %d not allowed", current)
		}
	}
	return nil
}

// attempt performs one connection sequence, following redirects, and
// streams the body.
func (t *transfer) attempt() error {
	for {
		if err := t.checkpoint(); err != nil {
			return err
		}

		offset := fileSize(t.job.TempPath())
		ctx, cancel := context.WithCancel(t.ctx)
		resp, err := t.request(ctx, offset)
		if err != nil {
			cancel()
			if t.ctx.Err() != nil {
				return t.checkpoint()
			}
			return retryable(domain.CodeInvalid, "%v", err)
		}

		switch resp.StatusCode {
		case http.StatusOK, http.StatusPartialContent:
			err := t.stream(cancel, resp, offset)
			cancel()
			return err

		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
			http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
			loc, lerr := resp.Location()
			discard(resp)
			cancel()
			if t.redirects >= t.w.opts.MaxRedirects {
				return terminal(resp.StatusCode, "redirect too many times")
			}
			if lerr != nil || (loc.Scheme != "http" && loc.Scheme != "https") {
				return terminal(resp.StatusCode, "invalid redirect location %q", resp.Header.Get("Location"))
			}
			t.redirects++
			t.w.logger.Debug("following redirect", "job", t.job.ID(), "to", loc.String(), "hop", t.redirects)
			t.job.SetURL(loc.String())

		case http.StatusRequestedRangeNotSatisfiable:
			complete := offset > 0 && rangeSize(resp) == offset
			discard(resp)
			cancel()
			if complete {
				t.job.SetProgress(offset, offset)
				t.notifyStart(offset)
				t.ev.Progress(t.job, offset, offset)
				return nil
			}
			return terminal(resp.StatusCode, "%s", http.StatusText(resp.StatusCode))

		default:
			discard(resp)
			cancel()
			return terminal(resp.StatusCode, "%s", http.StatusText(resp.StatusCode))
		}
	}
}

func (t *transfer) request(ctx context.Context, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.job.URL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Cache-Control", "no-cache")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	t.w.logger.Debug("connecting", "job", t.job.ID(), "url", req.URL.String(), "offset", offset)
	return t.w.client.Do(req)
}

// stream appends the response body to the temp file. cancel aborts the
// request and is armed as the read timeout.
func (t *transfer) stream(cancel context.CancelFunc, resp *http.Response, offset int64) error {
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK && offset > 0 {
		t.w.logger.Debug("server ignored range, restarting", "job", t.job.ID(), "offset", offset)
		offset = 0
	}
	if resp.ContentLength < 0 {
		return terminal(domain.CodeInvalid, "content length unknown")
	}
	total := offset + resp.ContentLength
	t.job.SetProgress(offset, total)
	t.notifyStart(total)

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(t.job.TempPath(), flags, 0644)
	if err != nil {
		return retryable(domain.CodeInvalid, "open temp file: %v", err)
	}
	defer f.Close()

	var timedOut atomic.Bool
	timer := time.AfterFunc(t.w.opts.ReadTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	buf := make([]byte, t.w.opts.BufferSize)
	written := offset
	interval := t.job.ProgressInterval()
	var lastProgress time.Time
	reported := int64(-1)

	for {
		if err := t.checkpoint(); err != nil {
			return err
		}

		timer.Reset(t.w.opts.ReadTimeout)
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return retryable(domain.CodeInvalid, "write temp file: %v", err)
			}
			written += int64(n)
			t.job.SetProgress(written, total)
			if now := time.Now(); written == total || now.Sub(lastProgress) >= interval {
				lastProgress = now
				reported = written
				t.ev.Progress(t.job, written, total)
			}
		}

		if rerr == io.EOF || errors.Is(rerr, io.ErrUnexpectedEOF) {
			if reported != written {
				t.ev.Progress(t.job, written, total)
			}
			break
		}
		if rerr != nil {
			if t.ctx.Err() != nil {
				return t.checkpoint()
			}
			if timedOut.Load() {
				return retryable(domain.CodeInvalid, "read timed out after %s", t.w.opts.ReadTimeout)
			}
			return retryable(domain.CodeInvalid, "%v", rerr)
		}
	}

	if err := f.Close(); err != nil {
		return retryable(domain.CodeInvalid, "close temp file: %v", err)
	}
	if written != total {
		return retryable(domain.CodeSizeError, "expected %d bytes, got %d", total, written)
	}
	return nil
}

func (t *transfer) notifyStart(total int64) {
	if !t.started {
		t.started = true
		t.ev.Start(t.job, total)
	}
}

// backoff reports progress, sleeps and emits the retry event. It returns
// false if shutdown interrupted the sleep, after reporting the stop.
func (t *transfer) backoff(te *TransferError) bool {
	t.w.logger.Info("transfer failed, retrying",
		"job", t.job.ID(), "code", te.Code, "error", te.Message, "retries_left", t.job.Retries())

	written := fileSize(t.job.TempPath())
	_, total := t.job.Progress()
	t.job.SetProgress(written, total)
	if !t.job.Canceled() {
		t.ev.Progress(t.job, written, total)
	}

	timer := time.NewTimer(t.w.opts.RetryBackoff)
	select {
	case <-timer.C:
	case <-t.ctx.Done():
		timer.Stop()
		t.stop()
		return false
	}

	if !t.job.Canceled() && !t.job.Stopped() {
		t.ev.Retry(t.job)
	}
	return true
}

func (t *transfer) succeed() {
	if err := os.Rename(t.job.TempPath(), t.job.Destination()); err != nil {
		t.fail(terminal(domain.CodeInvalid, "rename temp file: %v", err))
		return
	}
	t.job.SetState(domain.StateSuccessful)
	t.ev.Success(t.job)
}

func (t *transfer) fail(te *TransferError) {
	t.w.logger.Debug("transfer failed", "job", t.job.ID(), "code", te.Code, "error", te.Message)
	t.job.SetState(domain.StateFailure)
	t.ev.Failure(t.job, te.Code, te.Message)
}

func (t *transfer) cancel() {
	if err := os.Remove(t.job.TempPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.w.logger.Warn("remove temp file", "job", t.job.ID(), "error", err)
	}
	t.job.SetState(domain.StateFailure)
	t.ev.Cancel(t.job)
}

func (t *transfer) stop() {
	t.job.SetState(domain.StateFailure)
	t.ev.Stop(t.job)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// discard drains a little of the body so the connection can be reused.
func discard(resp *http.Response) {
	io.CopyN(io.Discard, resp.Body, 4096)
	resp.Body.Close()
}

// rangeSize parses the complete length from a "bytes */N" Content-Range.
func rangeSize(resp *http.Response) int64 {
	cr := resp.Header.Get("Content-Range")
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return -1
	}
	n, err := strconv.ParseInt(cr[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}
