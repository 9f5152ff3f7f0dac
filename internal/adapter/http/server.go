package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/cwygoda/fetcher/internal/domain"
	"github.com/cwygoda/fetcher/internal/downloader"
)

// Downloads is the part of the download manager the API drives.
type Downloads interface {
	Add(job *domain.Job) (int64, error)
	Cancel(id int64) bool
	Stop(id int64) bool
	CancelAll() int
	StopAll() int
	Job(id int64) (domain.Snapshot, bool)
	Jobs() []domain.Snapshot
	Pause()
	Resume()
	Stats() downloader.Stats
}

// History answers queries about finished downloads.
type History interface {
	Recent(ctx context.Context, limit int) ([]domain.Record, error)
}

// Options configures a Server.
type Options struct {
	Addr string
	// Secret enables signed requests on every mutating endpoint.
	Secret string
	// DownloadDir anchors the path and dir fields of submitted jobs.
	DownloadDir      string
	Retries          int
	ProgressInterval time.Duration
	Logger           *slog.Logger
}

// Server is the HTTP control API.
type Server struct {
	downloads Downloads
	history   History
	opts      Options
	mux       *http.ServeMux
	server    *http.Server
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewServer creates the API server. history may be nil.
func NewServer(downloads Downloads, history History, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		downloads: downloads,
		history:   history,
		opts:      opts,
		mux:       http.NewServeMux(),
		validate:  validator.New(),
		logger:    opts.Logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.withRequestID(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /downloads", s.signed(s.handleAdd))
	s.mux.HandleFunc("GET /downloads", s.handleList)
	s.mux.HandleFunc("GET /downloads/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /downloads/{id}", s.signed(s.handleCancel))
	s.mux.HandleFunc("POST /downloads/{id}/stop", s.signed(s.handleStop))
	s.mux.HandleFunc("POST /downloads/cancel", s.signed(s.handleCancelAll))
	s.mux.HandleFunc("POST /downloads/stop", s.signed(s.handleStopAll))
	s.mux.HandleFunc("GET /scheduler", s.handleStats)
	s.mux.HandleFunc("POST /scheduler/pause", s.signed(s.handlePause))
	s.mux.HandleFunc("POST /scheduler/resume", s.signed(s.handleResume))
	s.mux.HandleFunc("GET /history", s.handleHistory)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

type requestIDKey struct{}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) log(r *http.Request) *slog.Logger {
	id, _ := r.Context().Value(requestIDKey{}).(string)
	return s.logger.With("request_id", id)
}

// downloadRequest is the request body for POST /downloads.
type downloadRequest struct {
	URL                string   `json:"url" validate:"required,url"`
	Path               string   `json:"path" validate:"omitempty,max=4096"`
	Dir                string   `json:"dir" validate:"omitempty,max=4096"`
	Priority           string   `json:"priority" validate:"omitempty,oneof=high normal low"`
	Retries            *int     `json:"retries" validate:"omitempty,min=0,max=100"`
	ProgressIntervalMS int      `json:"progress_interval_ms" validate:"min=0"`
	AllowedNetworks    []string `json:"allowed_networks" validate:"omitempty,dive,oneof=mobile wifi"`
}

// jobResponse is the JSON form of a job snapshot.
type jobResponse struct {
	ID          int64  `json:"id"`
	URL         string `json:"url"`
	OriginalURL string `json:"original_url"`
	Path        string `json:"path"`
	Priority    string `json:"priority"`
	State       string `json:"state"`
	Written     int64  `json:"written"`
	Total       int64  `json:"total"`
	Retries     int    `json:"retries"`
	Canceled    bool   `json:"canceled,omitempty"`
	Stopped     bool   `json:"stopped,omitempty"`
	SubmittedAt string `json:"submitted_at"`
}

type countResponse struct {
	Affected int `json:"affected"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request, body []byte) {
	var req downloadRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	opts, err := s.jobOptions(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := domain.NewJob(req.URL, opts...)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid URL")
		return
	}

	if _, err := s.downloads.Add(job); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidURL):
			s.writeError(w, http.StatusBadRequest, "invalid URL")
		case errors.Is(err, domain.ErrDuplicate):
			s.writeError(w, http.StatusConflict, "download already pending or running")
		case errors.Is(err, downloader.ErrClosed):
			s.writeError(w, http.StatusServiceUnavailable, "shutting down")
		default:
			s.log(r).Error("add download", "url", req.URL, "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	s.log(r).Info("download queued", "job", job.ID(), "url", req.URL)
	s.writeJSON(w, http.StatusCreated, snapshotToResponse(job.Snapshot()))
}

func (s *Server) jobOptions(req downloadRequest) ([]domain.Option, error) {
	retries := s.opts.Retries
	if req.Retries != nil {
		retries = *req.Retries
	}
	interval := s.opts.ProgressInterval
	if req.ProgressIntervalMS > 0 {
		interval = time.Duration(req.ProgressIntervalMS) * time.Millisecond
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		return nil, err
	}

	opts := []domain.Option{
		domain.WithPriority(priority),
		domain.WithRetries(retries),
		domain.WithProgressInterval(interval),
	}
	if req.Path != "" {
		opts = append(opts, domain.WithDestination(s.within(req.Path)))
	}
	if req.Dir != "" {
		opts = append(opts, domain.WithDestDir(s.within(req.Dir)))
	}

	var networks domain.NetworkType
	for _, n := range req.AllowedNetworks {
		switch n {
		case "mobile":
			networks |= domain.NetworkMobile
		case "wifi":
			networks |= domain.NetworkWifi
		}
	}
	if networks != 0 {
		opts = append(opts, domain.WithAllowedNetworks(networks))
	}
	return opts, nil
}

// within confines a client-supplied path to the download directory.
func (s *Server) within(p string) string {
	return filepath.Join(s.opts.DownloadDir, filepath.Clean("/"+p))
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	return fmt.Sprintf("field %s failed %q validation", fe.Field(), fe.Tag())
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs := s.downloads.Jobs()
	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, snapshotToResponse(j))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	snap, found := s.downloads.Job(id)
	if !found {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotToResponse(snap))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, _ []byte) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if !s.downloads.Cancel(id) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.log(r).Info("cancel requested", "job", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, _ []byte) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if !s.downloads.Stop(id) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.log(r).Info("stop requested", "job", id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.writeJSON(w, http.StatusAccepted, countResponse{Affected: s.downloads.CancelAll()})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.writeJSON(w, http.StatusAccepted, countResponse{Affected: s.downloads.StopAll()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.downloads.Stats())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.downloads.Pause()
	s.log(r).Info("scheduler paused")
	s.writeJSON(w, http.StatusOK, s.downloads.Stats())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, _ []byte) {
	s.downloads.Resume()
	s.log(r).Info("scheduler resumed")
	s.writeJSON(w, http.StatusOK, s.downloads.Stats())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.writeError(w, http.StatusNotFound, "history disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.log(r).Error("read history", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if records == nil {
		records = []domain.Record{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}

// signed reads the body and, when a secret is configured, verifies the
// request signature before calling h.
func (s *Server) signed(h func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		if s.opts.Secret != "" {
			if err := s.verifySignature(r, body); err != nil {
				s.log(r).Warn("request verification failed", "path", r.URL.Path, "error", err)
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}
		h(w, r, body)
	}
}

const maxTimestampSkew = 5 * time.Minute

func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}

	if subtle.ConstantTimeCompare([]byte(signature), []byte(Sign(timestamp, body, s.opts.Secret))) != 1 {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the X-Signature value: hex SHA256 of "timestamp\nbody\nsecret".
func Sign(timestamp string, body []byte, secret string) string {
	payload := fmt.Sprintf("%s\n%s\n%s", timestamp, body, secret)
	hash := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(hash[:])
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func snapshotToResponse(j domain.Snapshot) jobResponse {
	resp := jobResponse{
		ID:          j.ID,
		URL:         j.URL,
		OriginalURL: j.OriginalURL,
		Path:        j.Destination,
		Priority:    j.Priority.String(),
		State:       j.State.String(),
		Written:     j.Written,
		Total:       j.Total,
		Retries:     j.Retries,
		Canceled:    j.Canceled,
		Stopped:     j.Stopped,
	}
	if !j.SubmittedAt.IsZero() {
		resp.SubmittedAt = j.SubmittedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.server.Handler.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
