package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"

	"pdfchat/internal/app"
	"pdfchat/internal/cache"
	"pdfchat/internal/chat"
	"pdfchat/internal/config"
	"pdfchat/internal/llm"
	"pdfchat/internal/prompt"
	"pdfchat/internal/session"
)

func newTestDeps(backend llm.Client) app.Deps {
	cfg := config.Config{
		MaxUploadSize: 1024 * 1024, // 1MB for tests
		Models:        []string{"gemma3:1b", "llama3:latest"},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return app.Deps{
		Config:   cfg,
		Log:      log,
		Sessions: session.NewManager(),
		Backend:  backend,
		Cache:    cache.NewNoOpCache(),
		Chat: chat.NewService(backend, cache.NewNoOpCache(), log, chat.Config{
			Models:         cfg.Models,
			HistoryTurns:   2,
			RequestTimeout: 5 * time.Second,
		}),
	}
}

func newTestRouter(deps app.Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/api/sessions", createSessionHandler(deps))
	r.Delete("/api/sessions/{id}", deleteSessionHandler(deps))
	r.Get("/api/sessions/{id}/history", historyHandler(deps))
	r.Post("/api/sessions/{id}/documents", uploadHandler(deps))
	r.Post("/api/sessions/{id}/ask", askHandler(deps))
	r.Get("/api/models", modelsHandler(deps))
	return r
}

func TestCreateAndDeleteSession(t *testing.T) {
	deps := newTestDeps(&llm.MockClient{})
	r := newTestRouter(deps)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	id := created["session_id"]
	if id == "" {
		t.Fatal("expected session_id in response")
	}
	if deps.Sessions.Count() != 1 {
		t.Fatalf("expected 1 live session, got %d", deps.Sessions.Count())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if deps.Sessions.Count() != 0 {
		t.Fatalf("expected 0 live sessions, got %d", deps.Sessions.Count())
	}
}

func TestSessionNotFound(t *testing.T) {
	deps := newTestDeps(&llm.MockClient{})
	r := newTestRouter(deps)

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/sessions/6e0ccb90-0000-4000-8000-000000000000/history"},
		{http.MethodDelete, "/api/sessions/6e0ccb90-0000-4000-8000-000000000000"},
		{http.MethodPost, "/api/sessions/6e0ccb90-0000-4000-8000-000000000000/ask"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}")))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: expected 404, got %d", tt.method, tt.path, rec.Code)
		}
	}

	// Malformed id is a 400, not a 404.
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/not-a-uuid/history", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed id, got %d", rec.Code)
	}
}

func multipartBody(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("files", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadHandlerRejections(t *testing.T) {
	deps := newTestDeps(&llm.MockClient{})
	r := newTestRouter(deps)
	sess := deps.Sessions.Create()
	base := "/api/sessions/" + sess.ID.String() + "/documents"

	tests := []struct {
		name       string
		filename   string
		content    []byte
		wantStatus int
	}{
		{"unsupported extension", "notes.docx", []byte("hello"), http.StatusBadRequest},
		{"corrupt pdf", "broken.pdf", []byte("not a real pdf"), http.StatusBadRequest},
		{"oversized upload", "big.pdf", make([]byte, 2*1024*1024), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, contentType := multipartBody(t, tt.filename, tt.content)
			req := httptest.NewRequest(http.MethodPost, base, body)
			req.Header.Set("Content-Type", contentType)

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}

	if len(sess.Corpus()) != 0 {
		t.Error("expected corpus untouched after rejected uploads")
	}
}

// minimalPDF builds a one-page PDF with no content streams; xref offsets
// are computed from the assembled objects so the fixture stays well formed.
func minimalPDF() []byte {
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	var offsets []int
	for _, obj := range []string{
		"1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n",
		"2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n",
		"3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>\nendobj\n",
	} {
		offsets = append(offsets, buf.Len())
		buf.WriteString(obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestUploadWaitsForActiveExchange(t *testing.T) {
	deps := newTestDeps(&llm.MockClient{})
	r := newTestRouter(deps)
	sess := deps.Sessions.Create()
	path := "/api/sessions/" + sess.ID.String() + "/documents"

	// An in-flight exchange holds the session's stream slot.
	if err := sess.AcquireStream(context.Background()); err != nil {
		t.Fatalf("acquire stream slot: %v", err)
	}

	body, contentType := multipartBody(t, "fresh.pdf", minimalPDF())
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	ctx, cancel := context.WithTimeout(req.Context(), 50*time.Millisecond)
	defer cancel()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req.WithContext(ctx))
	if rec.Code != http.StatusRequestTimeout {
		t.Fatalf("expected 408 while an exchange is active, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(sess.Corpus()) != 0 {
		t.Error("expected corpus untouched while the exchange held the slot")
	}

	// Slot freed: the same upload goes through.
	sess.ReleaseStream()
	body, contentType = multipartBody(t, "fresh.pdf", minimalPDF())
	req = httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after the slot freed, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(sess.Corpus()) != 1 {
		t.Errorf("expected 1 document after upload, got %d", len(sess.Corpus()))
	}
}

func TestUploadHandlerNoFiles(t *testing.T) {
	deps := newTestDeps(&llm.MockClient{})
	r := newTestRouter(deps)
	sess := deps.Sessions.Create()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID.String()+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty upload, got %d", rec.Code)
	}
}

type ndjsonLine struct {
	Fragment string `json:"fragment"`
	Done     bool   `json:"done"`
	Model    string `json:"model"`
	Answer   string `json:"answer"`
	Error    string `json:"error"`
}

func decodeNDJSON(t *testing.T, body io.Reader) []ndjsonLine {
	t.Helper()
	var lines []ndjsonLine
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		var line ndjsonLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", sc.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestAskHandlerStreams(t *testing.T) {
	backend := &llm.MockClient{}
	backend.On("Generate", mock.Anything, mock.Anything).
		Return(llm.StaticStream("Alpha", " Beta"), nil).Once()

	deps := newTestDeps(backend)
	r := newTestRouter(deps)
	sess := deps.Sessions.Create()

	body := `{"question": "What is this about?", "model": "gemma3:1b"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID.String()+"/ask", strings.NewReader(body))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("expected NDJSON content type, got %q", ct)
	}

	lines := decodeNDJSON(t, rec.Body)
	if len(lines) != 3 {
		t.Fatalf("expected 2 fragments + done line, got %d lines", len(lines))
	}
	if lines[0].Fragment != "Alpha" || lines[1].Fragment != " Beta" {
		t.Errorf("unexpected fragments: %+v", lines[:2])
	}
	last := lines[2]
	if !last.Done || last.Answer != "Alpha Beta" || last.Model != "gemma3:1b" {
		t.Errorf("unexpected done line: %+v", last)
	}

	if sess.HistoryLen() != 2 {
		t.Errorf("expected 2 history turns, got %d", sess.HistoryLen())
	}
}

func TestAskHandlerMidStreamError(t *testing.T) {
	backend := &llm.MockClient{}
	backend.On("Generate", mock.Anything, mock.Anything).
		Return(llm.FailingStream(llm.ErrProtocol, "partial"), nil).Once()

	deps := newTestDeps(backend)
	r := newTestRouter(deps)
	sess := deps.Sessions.Create()

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+sess.ID.String()+"/ask",
		strings.NewReader(`{"question": "q?"}`))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	lines := decodeNDJSON(t, rec.Body)
	last := lines[len(lines)-1]
	if last.Error == "" {
		t.Errorf("expected trailing error line, got %+v", last)
	}
	if sess.HistoryLen() != 0 {
		t.Errorf("expected history unchanged after failed stream, got %d turns", sess.HistoryLen())
	}
}

func TestAskHandlerRejections(t *testing.T) {
	backend := &llm.MockClient{}
	deps := newTestDeps(backend)
	r := newTestRouter(deps)
	sess := deps.Sessions.Create()
	path := "/api/sessions/" + sess.ID.String() + "/ask"

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing question", `{}`, http.StatusUnprocessableEntity},
		{"blank question", `{"question": "   "}`, http.StatusUnprocessableEntity},
		{"unknown model", `{"question": "q?", "model": "mystery"}`, http.StatusBadRequest},
		{"unknown option", `{"question": "q?", "options": {"top_p": 0.9}}`, http.StatusUnprocessableEntity},
		{"invalid json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(tt.body)))
			if rec.Code != tt.wantStatus {
				t.Errorf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
	backend.AssertNotCalled(t, "Generate")
}

type modelListingBackend struct {
	llm.MockClient
	models []string
}

func (b *modelListingBackend) ListModels(ctx context.Context) ([]string, error) {
	return b.models, nil
}

func TestModelsHandler(t *testing.T) {
	backend := &modelListingBackend{models: []string{"gemma3:1b"}}
	deps := newTestDeps(backend)
	r := newTestRouter(deps)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Models []struct {
			Name      string `json:"name"`
			Available bool   `json:"available"`
		} `json:"models"`
		BackendReachable bool `json:"backend_reachable"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.BackendReachable {
		t.Error("expected backend reachable")
	}
	if len(resp.Models) != 2 {
		t.Fatalf("expected 2 configured models, got %d", len(resp.Models))
	}
	if !resp.Models[0].Available || resp.Models[0].Name != "gemma3:1b" {
		t.Errorf("expected gemma3:1b available, got %+v", resp.Models[0])
	}
	if resp.Models[1].Available {
		t.Errorf("expected llama3:latest unavailable, got %+v", resp.Models[1])
	}
}

func TestAskErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{prompt.ErrEmptyQuestion, http.StatusUnprocessableEntity},
		{llm.ErrInvalidOptions, http.StatusUnprocessableEntity},
		{chat.ErrUnknownModel, http.StatusBadRequest},
		{llm.ErrTimeout, http.StatusGatewayTimeout},
		{llm.ErrBackendUnavailable, http.StatusBadGateway},
		{llm.ErrProtocol, http.StatusBadGateway},
		{context.Canceled, http.StatusRequestTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := askErrorStatus(tt.err); got != tt.want {
			t.Errorf("askErrorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
