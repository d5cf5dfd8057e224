// Package server exposes the active session to a local UI over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"labsync/internal/session"
	"labsync/internal/util"
	"labsync/pkg/domain"
)

// Limiter caps calls per key.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config wires the server dependencies. RefreshLimiter and UploadLimiter are
// optional.
type Config struct {
	Sessions       *session.Manager
	RefreshLimiter Limiter
	UploadLimiter  Limiter
	AllowedOrigin  string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// Server is the local bridge between a UI and the sync session.
type Server struct {
	sessions       *session.Manager
	refreshLimiter Limiter
	uploadLimiter  Limiter
	allowedOrigin  string
	maxUploadBytes int64
	log            *slog.Logger
	mux            *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server requires a session manager")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 20 << 20
	}
	s := &Server{
		sessions:       cfg.Sessions,
		refreshLimiter: cfg.RefreshLimiter,
		uploadLimiter:  cfg.UploadLimiter,
		allowedOrigin:  cfg.AllowedOrigin,
		maxUploadBytes: maxUploadBytes,
		log:            util.Component(cfg.Logger, "http"),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the handler with request id, logging and local headers.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(s.log, util.WithRequestLog(s.log, util.WithLocalHeaders(s.allowedOrigin, s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/session", s.handleSession)

	s.mux.Handle("/api/reports", s.withSession(s.handleReports))
	s.mux.Handle("/api/reports/", s.withSession(s.handleReportByID))
	s.mux.Handle("/api/biomarkers", s.withSession(s.handleBiomarkers))
	s.mux.Handle("/api/biomarkers/", s.withSession(s.handleBiomarkerByID))
	s.mux.Handle("/api/refresh", s.withSession(s.handleRefresh))
	s.mux.Handle("/api/polling", s.withSession(s.handlePolling))
	s.mux.Handle("/api/polling/resume", s.withSession(s.handleResume))
	s.mux.Handle("/api/events", s.withSession(s.handleEvents))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionHandler func(http.ResponseWriter, *http.Request, *session.Session)

func (s *Server) withSession(next sessionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.sessions.Current()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "no active session")
			return
		}
		next(w, r, sess)
	})
}

type sessionResponse struct {
	UserID  string                `json:"userId"`
	Polling session.PollingStatus `json:"polling"`
}

// /api/session: POST signs in with the bearer token, DELETE signs out.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		sess, err := s.sessions.SignIn(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("sign in rejected", "ip", clientIP(r), "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{UserID: sess.UserID(), Polling: sess.Polling()})
	case http.MethodGet:
		sess, err := s.sessions.Current()
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "no active session")
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{UserID: sess.UserID(), Polling: sess.Polling()})
	case http.MethodDelete:
		s.sessions.SignOut()
		writeJSON(w, http.StatusOK, map[string]string{"status": "signed_out"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodGet:
		writeItems(w, sess.Reports())
	case http.MethodPost:
		s.handleUpload(w, r, sess)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if !s.allowRate(w, r, s.uploadLimiter, "upload|"+sess.UserID()) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()

	report, err := sess.UploadReport(r.Context(), session.UploadInput{
		FileName:       header.Filename,
		ContentType:    header.Header.Get("Content-Type"),
		Size:           header.Size,
		Body:           file,
		PatientName:    r.FormValue("patientName"),
		PatientDOB:     r.FormValue("patientDob"),
		PatientGender:  r.FormValue("patientGender"),
		LaboratoryName: r.FormValue("laboratoryName"),
		ReportDate:     r.FormValue("reportDate"),
		Description:    r.FormValue("description"),
		Notes:          r.FormValue("notes"),
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, report)
}

type progressResponse struct {
	ReportID string                  `json:"reportId"`
	Status   domain.ExtractionStatus `json:"status"`
	Progress int                     `json:"progress"`
}

// /api/reports/{id}, /api/reports/{id}/progress or /api/reports/{id}/biomarkers
func (s *Server) handleReportByID(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	id, action, ok := splitIDPath(r.URL.Path, "/api/reports/")
	if !ok {
		notFound(w, "not found")
		return
	}
	report, found := sess.Report(id)
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			if !found {
				notFound(w, "report not found")
				return
			}
			writeJSON(w, http.StatusOK, report)
		case http.MethodDelete:
			if err := sess.DeleteReport(r.Context(), id); err != nil {
				writeSessionError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w)
		}
	case "progress":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		if !found {
			notFound(w, "report not found")
			return
		}
		writeJSON(w, http.StatusOK, progressResponse{ReportID: id, Status: report.ExtractionStatus, Progress: sess.Progress(id)})
	case "biomarkers":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeItems(w, sess.BiomarkersForReport(id))
	default:
		notFound(w, "not found")
	}
}

func (s *Server) handleBiomarkers(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if reportID := strings.TrimSpace(r.URL.Query().Get("reportId")); reportID != "" {
		writeItems(w, sess.BiomarkersForReport(reportID))
		return
	}
	writeItems(w, sess.Biomarkers())
}

type biomarkerPatch struct {
	Value        *float64 `json:"value"`
	AbnormalFlag *string  `json:"abnormalFlag"`
	IsFavourite  *bool    `json:"isFavourite"`
}

// /api/biomarkers/{id}
func (s *Server) handleBiomarkerByID(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	id, action, ok := splitIDPath(r.URL.Path, "/api/biomarkers/")
	if !ok || action != "" {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		b, found := sess.Biomarker(id)
		if !found {
			notFound(w, "biomarker not found")
			return
		}
		writeJSON(w, http.StatusOK, b)
	case http.MethodPatch:
		var patch biomarkerPatch
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		b, err := applyBiomarkerPatch(r.Context(), sess, id, patch)
		if err != nil {
			writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, b)
	case http.MethodDelete:
		if err := sess.DeleteBiomarker(r.Context(), id); err != nil {
			writeSessionError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

var errEmptyPatch = errors.New("nothing to update")

func applyBiomarkerPatch(ctx context.Context, sess *session.Session, id string, patch biomarkerPatch) (domain.Biomarker, error) {
	if patch.Value == nil && patch.AbnormalFlag == nil && patch.IsFavourite == nil {
		return domain.Biomarker{}, errEmptyPatch
	}
	current, ok := sess.Biomarker(id)
	if !ok {
		return domain.Biomarker{}, session.ErrBiomarkerNotFound
	}
	out := current
	if patch.Value != nil || patch.AbnormalFlag != nil {
		value, flag := current.Value, current.AbnormalFlag
		if patch.Value != nil {
			value = *patch.Value
		}
		if patch.AbnormalFlag != nil {
			flag = domain.AbnormalFlag(strings.ToLower(strings.TrimSpace(*patch.AbnormalFlag)))
		}
		b, err := sess.UpdateBiomarkerValue(ctx, id, value, flag)
		if err != nil {
			return domain.Biomarker{}, err
		}
		out = b
	}
	if patch.IsFavourite != nil {
		b, err := sess.SetFavourite(ctx, id, *patch.IsFavourite)
		if err != nil {
			return domain.Biomarker{}, err
		}
		out = b
	}
	return out, nil
}

// /api/refresh[?stop=true]
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.refreshLimiter, "refresh|"+sess.UserID()) {
		return
	}
	refresh := sess.Refresh
	if r.URL.Query().Get("stop") == "true" {
		refresh = sess.RefreshAndStop
	}
	if err := refresh(r.Context()); err != nil {
		writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Polling())
}

func (s *Server) handlePolling(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, sess.Polling())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, sess.ResumePolling())
}

type changeEvent struct {
	Reports    int `json:"reports"`
	Biomarkers int `json:"biomarkers"`
}

// handleEvents streams one server-sent event per store change until the
// client leaves or the session closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	changes, stop := sess.Watch()
	defer stop()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	send := func(name string) bool {
		data, _ := json.Marshal(changeEvent{Reports: len(sess.Reports()), Biomarkers: len(sess.Biomarkers())})
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
			return false
		}
		return rc.Flush() == nil
	}
	if !send("ready") {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			_ = send("closed")
			return
		case _, ok := <-changes:
			if !ok || !send("change") {
				return
			}
		}
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter Limiter, key string) bool {
	if limiter == nil || limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many requests")
	return false
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrSessionClosed), errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusServiceUnavailable, "no active session")
	case errors.Is(err, session.ErrReportNotFound):
		notFound(w, "report not found")
	case errors.Is(err, session.ErrBiomarkerNotFound):
		notFound(w, "biomarker not found")
	case errors.Is(err, session.ErrInvalidUpload), errors.Is(err, session.ErrInvalidFlag), errors.Is(err, errEmptyPatch):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		util.LoggerFromContext(r.Context()).Warn("backend call failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
	}
}

func splitIDPath(path, prefix string) (id, action string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) > 2 || parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		action = parts[1]
	}
	return parts[0], action, true
}

func writeItems[T any](w http.ResponseWriter, items []T) {
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCode(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCode(status int, msg string) string {
	switch strings.ToLower(strings.TrimSpace(msg)) {
	case "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case "no active session":
		return "SESSION_REQUIRED"
	case "report not found":
		return "REPORT_NOT_FOUND"
	case "biomarker not found":
		return "BIOMARKER_NOT_FOUND"
	case "file too large":
		return "REPORT_FILE_TOO_LARGE"
	case "too many requests":
		return "RATE_LIMITED"
	case "backend unavailable":
		return "BACKEND_UNAVAILABLE"
	case "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case "not found":
		return "SYSTEM_NOT_FOUND"
	}
	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func clientIP(r *http.Request) string {
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}
