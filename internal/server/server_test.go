package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"labsync/internal/ratelimit"
	"labsync/internal/session"
	"labsync/pkg/domain"
	"labsync/pkg/feed"
	"labsync/pkg/storage"
	"labsync/pkg/store"
)

type bridge struct {
	t   *testing.T
	db  *store.MemoryStore
	mgr *session.Manager
	url string
}

func newBridge(t *testing.T, cfg Config) *bridge {
	t.Helper()
	hub := feed.NewMemoryHub()
	db := store.NewMemoryStore(store.WithPublisher(hub))
	objects, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	verifier := session.VerifierFunc(func(_ context.Context, token string) (string, error) {
		if strings.HasPrefix(token, "user-") {
			return token, nil
		}
		return "", errors.New("bad token")
	})
	mgr := session.NewManager(context.Background(), verifier, session.Deps{
		Backend: db,
		Feed:    hub,
		Objects: objects,
		Timing:  session.Timing{ReportActive: time.Hour, Biomarkers: time.Hour, ProgressTick: time.Millisecond},
	})
	t.Cleanup(mgr.Close)

	cfg.Sessions = mgr
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &bridge{t: t, db: db, mgr: mgr, url: ts.URL}
}

func (b *bridge) do(method, path, token string, body io.Reader, contentType string) (*http.Response, []byte) {
	b.t.Helper()
	req, err := http.NewRequest(method, b.url+path, body)
	if err != nil {
		b.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		b.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (b *bridge) expect(method, path string, body io.Reader, want int, out any) {
	b.t.Helper()
	resp, raw := b.do(method, path, "", body, "application/json")
	if resp.StatusCode != want {
		b.t.Fatalf("%s %s: want=%d got=%d body=%s", method, path, want, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			b.t.Fatalf("decode %s: %v", raw, err)
		}
	}
}

func (b *bridge) signIn(user string) {
	b.t.Helper()
	resp, raw := b.do(http.MethodPost, "/api/session", user, nil, "")
	if resp.StatusCode != http.StatusOK {
		b.t.Fatalf("sign in: want=200 got=%d body=%s", resp.StatusCode, raw)
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func TestHealthAndSessionRequired(t *testing.T) {
	b := newBridge(t, Config{})
	b.expect(http.MethodGet, "/healthz", nil, http.StatusOK, nil)

	var errResp errorResponse
	b.expect(http.MethodGet, "/api/reports", nil, http.StatusServiceUnavailable, &errResp)
	if errResp.Code != "SESSION_REQUIRED" || errResp.RequestID == "" {
		t.Fatalf("unexpected error body: %+v", errResp)
	}
}

func TestSignInFlow(t *testing.T) {
	b := newBridge(t, Config{})
	if _, err := b.db.InsertReport(context.Background(), domain.LabReport{ID: "r1", UserID: "user-1", ExtractionStatus: domain.StatusDone}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if resp, _ := b.do(http.MethodPost, "/api/session", "", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: want=401 got=%d", resp.StatusCode)
	}
	if resp, _ := b.do(http.MethodPost, "/api/session", "nope", nil, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: want=401 got=%d", resp.StatusCode)
	}

	b.signIn("user-1")
	var me sessionResponse
	b.expect(http.MethodGet, "/api/session", nil, http.StatusOK, &me)
	if me.UserID != "user-1" || me.Polling.ReportsRunning {
		t.Fatalf("unexpected session: %+v", me)
	}
	var reports listResponse[domain.LabReport]
	b.expect(http.MethodGet, "/api/reports", nil, http.StatusOK, &reports)
	if reports.Count != 1 || reports.Items[0].ID != "r1" {
		t.Fatalf("unexpected reports: %+v", reports)
	}

	b.expect(http.MethodDelete, "/api/session", nil, http.StatusOK, nil)
	b.expect(http.MethodGet, "/api/reports", nil, http.StatusServiceUnavailable, nil)
}

func multipartUpload(t *testing.T, name, content string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := io.WriteString(fw, content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUploadProgressAndDelete(t *testing.T) {
	b := newBridge(t, Config{})
	b.signIn("user-1")

	body, ct := multipartUpload(t, "cbc.pdf", "%PDF-1.7", map[string]string{"patientName": "Ann", "reportDate": "2026-02-01"})
	resp, raw := b.do(http.MethodPost, "/api/reports", "", body, ct)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload: want=201 got=%d body=%s", resp.StatusCode, raw)
	}
	var report domain.LabReport
	if err := json.Unmarshal(raw, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.ExtractionStatus != domain.StatusPending || report.PatientName != "Ann" || report.ReportDate != "2026-02-01" {
		t.Fatalf("unexpected report: %+v", report)
	}

	var prog progressResponse
	b.expect(http.MethodGet, "/api/reports/"+report.ID+"/progress", nil, http.StatusOK, &prog)
	if prog.Status != domain.StatusPending || prog.Progress < 10 || prog.Progress > 15 {
		t.Fatalf("unexpected progress: %+v", prog)
	}
	var polling session.PollingStatus
	b.expect(http.MethodGet, "/api/polling", nil, http.StatusOK, &polling)
	if !polling.ReportsRunning {
		t.Fatalf("upload should start report polling: %+v", polling)
	}

	b.expect(http.MethodDelete, "/api/reports/"+report.ID, nil, http.StatusOK, nil)
	b.expect(http.MethodGet, "/api/reports/"+report.ID, nil, http.StatusNotFound, nil)
	b.expect(http.MethodDelete, "/api/reports/"+report.ID, nil, http.StatusNotFound, nil)
	b.expect(http.MethodGet, "/api/reports/"+report.ID+"/unknown", nil, http.StatusNotFound, nil)
}

func TestUploadValidation(t *testing.T) {
	b := newBridge(t, Config{MaxUploadBytes: 1024})
	b.signIn("user-1")

	resp, _ := b.do(http.MethodPost, "/api/reports", "", strings.NewReader("{}"), "application/json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("non-multipart: want=400 got=%d", resp.StatusCode)
	}
	body, ct := multipartUpload(t, "big.pdf", strings.Repeat("x", 4096), nil)
	resp, raw := b.do(http.MethodPost, "/api/reports", "", body, ct)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized: want=413 got=%d body=%s", resp.StatusCode, raw)
	}
}

func TestBiomarkerEndpoints(t *testing.T) {
	b := newBridge(t, Config{})
	ctx := context.Background()
	if _, err := b.db.InsertReport(ctx, domain.LabReport{ID: "r1", UserID: "user-1", ExtractionStatus: domain.StatusDone}); err != nil {
		t.Fatalf("seed report: %v", err)
	}
	if err := b.db.InsertBiomarkers(ctx, []domain.Biomarker{
		{ID: "b1", ReportID: "r1", UserID: "user-1", MarkerName: "HbA1c", Value: 6.1, AbnormalFlag: domain.FlagHigh},
	}); err != nil {
		t.Fatalf("seed biomarker: %v", err)
	}
	b.signIn("user-1")

	var list listResponse[domain.Biomarker]
	b.expect(http.MethodGet, "/api/biomarkers?reportId=r1", nil, http.StatusOK, &list)
	if list.Count != 1 {
		t.Fatalf("want 1 biomarker for r1, got %d", list.Count)
	}

	var updated domain.Biomarker
	b.expect(http.MethodPatch, "/api/biomarkers/b1", strings.NewReader(`{"value":5.4}`), http.StatusOK, &updated)
	if updated.Value != 5.4 || updated.AbnormalFlag != domain.FlagHigh {
		t.Fatalf("value patch must keep the flag: %+v", updated)
	}
	b.expect(http.MethodPatch, "/api/biomarkers/b1", strings.NewReader(`{"abnormalFlag":"Very High","isFavourite":true}`), http.StatusOK, &updated)
	if updated.AbnormalFlag != domain.FlagVeryHigh || !updated.IsFavourite {
		t.Fatalf("unexpected biomarker: %+v", updated)
	}
	b.expect(http.MethodPatch, "/api/biomarkers/b1", strings.NewReader(`{"abnormalFlag":"weird"}`), http.StatusBadRequest, nil)
	b.expect(http.MethodPatch, "/api/biomarkers/b1", strings.NewReader(`{}`), http.StatusBadRequest, nil)
	b.expect(http.MethodPatch, "/api/biomarkers/b1", strings.NewReader(`not json`), http.StatusBadRequest, nil)

	b.expect(http.MethodDelete, "/api/biomarkers/b1", nil, http.StatusOK, nil)
	b.expect(http.MethodGet, "/api/biomarkers/b1", nil, http.StatusNotFound, nil)
	b.expect(http.MethodPatch, "/api/biomarkers/b1", strings.NewReader(`{"value":1}`), http.StatusNotFound, nil)
}

func TestRefreshEndpoints(t *testing.T) {
	b := newBridge(t, Config{})
	if _, err := b.db.InsertReport(context.Background(), domain.LabReport{ID: "r1", UserID: "user-1", ExtractionStatus: domain.StatusProcessing}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	b.signIn("user-1")

	b.db.FailNextList(errors.New("timeout"))
	var errResp errorResponse
	b.expect(http.MethodPost, "/api/refresh", nil, http.StatusBadGateway, &errResp)
	if errResp.Code != "BACKEND_UNAVAILABLE" {
		t.Fatalf("unexpected error code: %+v", errResp)
	}

	var polling session.PollingStatus
	b.expect(http.MethodPost, "/api/refresh?stop=true", nil, http.StatusOK, &polling)
	if polling.ReportsRunning || !polling.ReportsHeld {
		t.Fatalf("refresh and stop should hold polling: %+v", polling)
	}
	b.expect(http.MethodPost, "/api/polling/resume", nil, http.StatusOK, &polling)
	if !polling.ReportsRunning || polling.ReportsHeld {
		t.Fatalf("resume should restart polling: %+v", polling)
	}
	b.expect(http.MethodGet, "/api/refresh", nil, http.StatusMethodNotAllowed, nil)
}

func TestRefreshRateLimited(t *testing.T) {
	srv := miniredis.RunT(t)
	limiter, err := ratelimit.NewFixedWindowLimiter(ratelimit.Config{Addr: srv.Addr(), Limit: 1, Window: time.Minute})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	defer limiter.Close()
	b := newBridge(t, Config{RefreshLimiter: limiter})
	b.signIn("user-1")

	b.expect(http.MethodPost, "/api/refresh", nil, http.StatusOK, nil)
	resp, _ := b.do(http.MethodPost, "/api/refresh", "", nil, "")
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("second refresh: want=429 got=%d", resp.StatusCode)
	}
}

func TestEventsStream(t *testing.T) {
	b := newBridge(t, Config{})
	ctx := context.Background()
	if _, err := b.db.InsertReport(ctx, domain.LabReport{ID: "r1", UserID: "user-1", ExtractionStatus: domain.StatusPending}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	b.signIn("user-1")

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, b.url+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}
	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		for lines.Scan() {
			if line := lines.Text(); strings.HasPrefix(line, "event: ") {
				return strings.TrimPrefix(line, "event: ")
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}
	if ev := next(); ev != "ready" {
		t.Fatalf("first event: want=ready got=%s", ev)
	}

	if _, err := b.db.UpdateReportStatus(ctx, "user-1", "r1", domain.StatusProcessing); err != nil {
		t.Fatalf("update: %v", err)
	}
	if ev := next(); ev != "change" {
		t.Fatalf("want change event, got %s", ev)
	}

	b.mgr.SignOut()
	for ev := next(); ev != "closed"; ev = next() {
		if ev != "change" {
			t.Fatalf("unexpected event before close: %s", ev)
		}
	}
}
