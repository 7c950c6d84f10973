// Package api serves the minutes HTTP surface: the pipeline triggers, the
// session lifecycle routes the meeting page calls, signed PDF downloads and
// the operational endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/minutes-admin/pkg/buildinfo"
	merrors "github.com/otherjamesbrown/minutes-admin/pkg/errors"
	"github.com/otherjamesbrown/minutes-admin/pkg/logging"
	"github.com/otherjamesbrown/minutes-admin/pkg/minutes"
	"github.com/otherjamesbrown/minutes-admin/pkg/notify"
	"github.com/otherjamesbrown/minutes-admin/pkg/pipeline"
	"github.com/otherjamesbrown/minutes-admin/pkg/storage"
)

// WebhookSecretHeader carries the shared webhook secret.
const WebhookSecretHeader = "X-Webhook-Secret"

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 25 * time.Second
)

// Pipeline is the part of the orchestrator the API drives.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.RunResult, error)
	Resend(ctx context.Context, meetingID, sessionID, sentBy string) (*notify.Result, error)
	SignedURL(ctx context.Context, sessionID string) (string, error)
}

// Sessions is the session lifecycle service.
type Sessions interface {
	StartSession(ctx context.Context, meetingID, referenceLink string) (*minutes.Session, error)
	AttachRecording(ctx context.Context, sessionID, storagePath string, durationSeconds int) (*minutes.Recording, error)
	ConcludeSession(ctx context.Context, meetingID, sessionID string) (*minutes.StatusView, error)
	SessionStatus(ctx context.Context, sessionID string) (*minutes.StatusView, error)
	UpdateNote(ctx context.Context, sessionID, agendaItemID, text string) error
}

// ChangeHandler acts on session change records from the database webhook.
type ChangeHandler interface {
	HandleSessionChange(ctx context.Context, event minutes.ChangeEvent) (bool, error)
}

// TokenVerifier checks signed download tokens.
type TokenVerifier interface {
	Verify(token string) (bucket, key string, err error)
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// Deps are the collaborators of the server.
type Deps struct {
	Pipeline Pipeline
	Sessions Sessions
	Changes  ChangeHandler
	Verifier TokenVerifier
	// Buckets maps bucket names to the stores signed links may read from.
	Buckets map[string]storage.Blobs
	Ready   map[string]ReadyCheck
	Logger  logging.Logger
}

// Options configures the server.
type Options struct {
	// WebhookSecret gates the webhook route when set.
	WebhookSecret string
	ServiceName   string
}

// Server is the HTTP API.
type Server struct {
	deps       Deps
	opts       Options
	logger     logging.Logger
	router     chi.Router
	healthOnly bool
}

// NewServer builds the router.
func NewServer(deps Deps, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "minutes-admin"
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With(logging.F("component", "api")),
	}
	s.router = s.routes()
	return s
}

// NewHealthServer serves only the operational routes. Worker processes use
// it for health checks and metrics.
func NewHealthServer(ready map[string]ReadyCheck, logger logging.Logger, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "minutes-admin"
	}
	s := &Server{
		deps:       Deps{Ready: ready, Logger: logger},
		opts:       opts,
		logger:     logger.With(logging.F("component", "health")),
		healthOnly: true,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/livez", s.handleLive)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())
	if s.healthOnly {
		r.Get("/version", buildinfo.Handler(s.opts.ServiceName, "worker"))
		return r
	}
	r.Get("/version", buildinfo.Handler(s.opts.ServiceName, "api"))
	r.Get(storage.DownloadPath, s.handleDownload)

	r.Route("/api/minutes", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Post("/webhook", s.handleWebhook)
		r.Post("/resend", s.handleResend)
		r.Post("/pdf-url", s.handlePDFURL)

		r.Post("/meetings/{meetingID}/sessions", s.handleStartSession)
		r.Post("/meetings/{meetingID}/sessions/{sessionID}/conclude", s.handleConclude)
		r.Post("/sessions/{sessionID}/recordings", s.handleAttachRecording)
		r.Get("/sessions/{sessionID}/status", s.handleStatus)
		r.Put("/sessions/{sessionID}/notes/{agendaItemID}", s.handleUpdateNote)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", logging.F("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logging.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r.WithContext(ctx))

		if r.URL.Path == "/livez" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.WithContext(ctx).Info("http request",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", ww.Status()),
			logging.F("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Ready))
	status := http.StatusOK
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, map[string]interface{}{"ready": status == http.StatusOK, "checks": checks})
}

type processRequest struct {
	MeetingID     string `json:"meetingId"`
	SessionID     string `json:"sessionId"`
	RecordingPath string `json:"recordingPath,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

// handleProcess runs the pipeline synchronously. Skips are successful
// responses; a recorded failure is a 500 carrying the failure message.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Pipeline.Run(r.Context(), pipeline.Request(req))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Status == minutes.StatusError {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: res.Error})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		*pipeline.RunResult
	}{true, res})
}

// handleWebhook accepts database change records. Only records whose
// ai_status is queued start a run; everything else is acknowledged.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.webhookAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
		return
	}
	var event minutes.ChangeEvent
	if !s.decode(w, r, &event) {
		return
	}
	if event.Record == nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "record is required"})
		return
	}
	started, err := s.deps.Changes.HandleSessionChange(r.Context(), event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !started {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "ignored": true})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "queued": true, "sessionId": event.Record.ID})
}

func (s *Server) webhookAuthorized(r *http.Request) bool {
	if s.opts.WebhookSecret == "" {
		return true
	}
	got := r.Header.Get(WebhookSecretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) == 1
}

type resendRequest struct {
	MeetingID string `json:"meetingId"`
	SessionID string `json:"sessionId"`
	SentByID  string `json:"sentById,omitempty"`
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Pipeline.Resend(r.Context(), req.MeetingID, req.SessionID, req.SentByID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":         true,
		"messageId":  res.MessageID,
		"recipients": res.Recipients,
	})
}

func (s *Server) handlePDFURL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	link, err := s.deps.Pipeline.SignedURL(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": link})
}

// handleDownload streams the object a signed link grants.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Verifier == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "downloads are disabled"})
		return
	}
	bucket, key, err := s.deps.Verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	blobs, ok := s.deps.Buckets[bucket]
	if !ok {
		s.writeError(w, r, fmt.Errorf("bucket %s: %w", bucket, merrors.ErrNotFound))
		return
	}
	data, err := blobs.Download(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", storage.ContentTypePDF)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", path.Base(key)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReferenceLink string `json:"referenceLink,omitempty"`
	}
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	sess, err := s.deps.Sessions.StartSession(r.Context(), chi.URLParam(r, "meetingID"), req.ReferenceLink)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAttachRecording(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StoragePath     string `json:"storagePath"`
		DurationSeconds int    `json:"durationSeconds"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.deps.Sessions.AttachRecording(r.Context(), chi.URLParam(r, "sessionID"), req.StoragePath, req.DurationSeconds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleConclude(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Sessions.ConcludeSession(r.Context(), chi.URLParam(r, "meetingID"), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.Sessions.SessionStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Notes string `json:"notes"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	err := s.deps.Sessions.UpdateNote(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "agendaItemID"), req.Notes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case merrors.IsValidation(err), merrors.IsParseError(err):
		return http.StatusBadRequest
	case merrors.IsUnauthorized(err):
		return http.StatusUnauthorized
	case merrors.IsNotFound(err):
		return http.StatusNotFound
	case merrors.IsConflict(err), merrors.IsInvalidState(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).Error("request failed", logging.F("path", r.URL.Path), logging.Err(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
