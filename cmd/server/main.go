package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pdfchat/internal/app"
	"pdfchat/internal/chat"
	"pdfchat/internal/extract"
	"pdfchat/internal/httputil"
	"pdfchat/internal/llm"
	"pdfchat/internal/prompt"
	"pdfchat/internal/session"
)

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	r := httputil.NewRouter(deps.Log)

	r.Post("/api/sessions", createSessionHandler(deps))
	r.Delete("/api/sessions/{id}", deleteSessionHandler(deps))
	r.Get("/api/sessions/{id}/history", historyHandler(deps))
	r.Post("/api/sessions/{id}/documents", uploadHandler(deps))
	r.Post("/api/sessions/{id}/ask", askHandler(deps))
	r.Get("/api/models", modelsHandler(deps))
	r.Get("/healthz", httputil.HealthHandler(deps.Log))

	addr := fmt.Sprintf(":%d", deps.Config.Port)
	server := &http.Server{Addr: addr, Handler: r}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.Log.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		deps.Log.Info("shutting down")
		return server.Shutdown(context.Background())
	})
	if err := g.Wait(); err != nil {
		deps.Log.Error("server stopped", "err", err)
	}
	if err := deps.Cache.Close(); err != nil {
		deps.Log.Warn("cache close failed", "err", err)
	}
}

func createSessionHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := deps.Sessions.Create()
		httputil.WriteJSON(w, http.StatusCreated, map[string]any{
			"session_id": sess.ID.String(),
		})
	}
}

func deleteSessionHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(deps, w, r)
		if !ok {
			return
		}
		sess.Reset()
		deps.Sessions.Delete(sess.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func historyHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(deps, w, r)
		if !ok {
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID.String(),
			"turns":      sess.History(),
		})
	}
}

func uploadHandler(deps app.Deps) http.HandlerFunc {
	maxUploadSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(deps, w, r)
		if !ok {
			return
		}
		if r.ContentLength > maxUploadSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("upload too large (max %d bytes)", maxUploadSize), nil, http.StatusBadRequest)
			return
		}
		if err := r.ParseMultipartForm(maxUploadSize); err != nil {
			httputil.Fail(deps.Log, w, "invalid multipart form", err, http.StatusBadRequest)
			return
		}
		files := r.MultipartForm.File["files"]
		if len(files) == 0 {
			httputil.Fail(deps.Log, w, "at least one file is required", nil, http.StatusBadRequest)
			return
		}

		var docs []session.Document
		var processed []map[string]any
		for _, header := range files {
			if ext := strings.ToLower(filepath.Ext(header.Filename)); ext != ".pdf" {
				httputil.Fail(deps.Log, w, fmt.Sprintf("unsupported file type %q (only PDF allowed)", header.Filename), nil, http.StatusBadRequest)
				return
			}
			file, err := header.Open()
			if err != nil {
				httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
				return
			}
			content, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
				return
			}
			text, err := extract.Text(content)
			if err != nil {
				httputil.Fail(deps.Log, w, fmt.Sprintf("failed to extract text from %q", header.Filename), err, http.StatusBadRequest)
				return
			}
			docs = append(docs, session.Document{Filename: header.Filename, Text: text})
			processed = append(processed, map[string]any{
				"filename": header.Filename,
				"chars":    len(text),
			})
		}

		// Replace wholesale; prior answers referred to the old corpus, so
		// the conversation starts over. The swap takes the session's stream
		// slot first: an in-flight exchange about the old corpus must not
		// commit into the freshly cleared history.
		if err := sess.AcquireStream(r.Context()); err != nil {
			httputil.Fail(deps.Log, w, "request cancelled while waiting for the active exchange", err, http.StatusRequestTimeout)
			return
		}
		sess.ReplaceCorpus(docs)
		sess.ReleaseStream()
		deps.Log.Info("corpus replaced", "session_id", sess.ID, "documents", len(docs))

		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"session_id": sess.ID.String(),
			"documents":  processed,
		})
	}
}

type askRequest struct {
	Question string                     `json:"question" validate:"required,max=2000"`
	Model    string                     `json:"model" validate:"omitempty,max=100"`
	Options  map[string]json.RawMessage `json:"options"`
}

// askHandler streams the answer as newline-delimited JSON: fragment objects
// while generation runs, then a single done object carrying the full
// answer, or an error object if the attempt failed.
func askHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(deps, w, r)
		if !ok {
			return
		}
		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.Fail(deps.Log, w, "invalid payload", err, http.StatusBadRequest)
			return
		}
		if err := httputil.Validator.Struct(&req); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}

		ex, err := deps.Chat.Ask(r.Context(), sess, chat.AskRequest{
			Question:   req.Question,
			Model:      req.Model,
			RawOptions: req.Options,
		})
		if err != nil {
			httputil.Fail(deps.Log, w, err.Error(), err, askErrorStatus(err))
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		var full strings.Builder
		for frag := range ex.Fragments {
			full.WriteString(frag)
			if err := enc.Encode(map[string]any{"fragment": frag}); err != nil {
				// Client went away; keep draining so the exchange can be
				// cancelled through the request context.
				continue
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err := <-ex.Err; err != nil {
			deps.Log.Error("exchange failed", "session_id", sess.ID, "err", err)
			_ = enc.Encode(map[string]any{"error": err.Error()})
			return
		}
		_ = enc.Encode(map[string]any{
			"done":   true,
			"model":  ex.Model,
			"answer": full.String(),
		})
	}
}

func modelsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type modelInfo struct {
			Name      string `json:"name"`
			Available bool   `json:"available"`
		}

		available := map[string]bool{}
		reachable := false
		if lister, ok := deps.Backend.(llm.ModelLister); ok {
			if served, err := lister.ListModels(r.Context()); err == nil {
				reachable = true
				for _, name := range served {
					available[name] = true
				}
			} else {
				deps.Log.Warn("backend model listing failed", "err", err)
			}
		}

		models := make([]modelInfo, 0, len(deps.Chat.Models()))
		for _, name := range deps.Chat.Models() {
			models = append(models, modelInfo{Name: name, Available: available[name]})
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"models":            models,
			"backend_reachable": reachable,
		})
	}
}

func lookupSession(deps app.Deps, w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Fail(deps.Log, w, "invalid session id", err, http.StatusBadRequest)
		return nil, false
	}
	sess, ok := deps.Sessions.Get(id)
	if !ok {
		httputil.Fail(deps.Log, w, "session not found", nil, http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// askErrorStatus maps pipeline failures onto HTTP statuses before any
// streaming has begun.
func askErrorStatus(err error) int {
	switch {
	case errors.Is(err, prompt.ErrEmptyQuestion), errors.Is(err, llm.ErrInvalidOptions):
		return http.StatusUnprocessableEntity
	case errors.Is(err, chat.ErrUnknownModel):
		return http.StatusBadRequest
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, llm.ErrBackendUnavailable), errors.Is(err, llm.ErrProtocol):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
