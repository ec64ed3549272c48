package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient talks to a local Ollama server's generate endpoint and
// consumes its newline-delimited JSON stream.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllamaClient builds a client for the given base URL, e.g.
// http://localhost:11434. Request deadlines come from the caller's context;
// the transport itself carries no timeout so long streams are not cut off.
func NewOllamaClient(baseURL string) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base url required")
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}, nil
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

func (c *OllamaClient) Generate(ctx context.Context, req Request) (*Stream, error) {
	payload := ollamaGenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		Stream: true,
		Options: map[string]any{
			"num_predict": req.Options.MaxOutputTokens,
			"temperature": req.Options.Temperature,
		},
	}
	if len(req.Options.StopSequences) > 0 {
		payload.Options["stop"] = req.Options.StopSequences
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request failed: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request failed: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: status %d: %s", ErrBackendUnavailable, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrProtocol, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	dec := json.NewDecoder(resp.Body)
	done := false
	next := func() (string, error) {
		for {
			if done {
				return "", io.EOF
			}
			var chunk ollamaChunk
			if err := dec.Decode(&chunk); err != nil {
				if ctxErr := classifyContext(ctx); ctxErr != nil {
					return "", ctxErr
				}
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					// Stream ended without a done flag.
					return "", fmt.Errorf("%w: stream ended before completion", ErrProtocol)
				}
				return "", fmt.Errorf("%w: %v", ErrProtocol, err)
			}
			if chunk.Error != "" {
				return "", fmt.Errorf("%w: backend error: %s", ErrProtocol, chunk.Error)
			}
			if chunk.Done {
				done = true
				if chunk.Response != "" {
					return chunk.Response, nil
				}
				return "", io.EOF
			}
			if chunk.Response == "" {
				continue
			}
			return chunk.Response, nil
		}
	}
	return NewStream(next, resp.Body.Close), nil
}

// ListModels queries the tags endpoint for locally available models.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(reqCtx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// classifyTransport maps a transport-level failure onto the error taxonomy.
func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := classifyContext(ctx); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

// classifyContext distinguishes caller cancellation from deadline expiry.
func classifyContext(ctx context.Context) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case context.Canceled:
		return ctx.Err()
	default:
		return nil
	}
}
