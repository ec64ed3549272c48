package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"pdfchat/internal/cache"
	"pdfchat/internal/llm"
	"pdfchat/internal/prompt"
	"pdfchat/internal/session"
)

// ErrUnknownModel is returned when the requested model is not in the
// configured set. Rejected before any network call.
var ErrUnknownModel = errors.New("model is not in the configured set")

// Config holds the service's tuning knobs.
type Config struct {
	// Models is the allowed model set; the first entry is the default.
	Models          []string
	MaxContextChars int
	HistoryTurns    int
	Defaults        llm.Options
	RequestTimeout  time.Duration
	CacheTTL        time.Duration
}

// Service runs the ask pipeline: validate, assemble the prompt, stream the
// backend's answer to the caller, and commit the exchange to history only
// when the stream completes cleanly.
type Service struct {
	backend llm.Client
	cache   cache.Cache
	log     *slog.Logger
	cfg     Config
	allowed map[string]bool
}

// NewService wires a chat service.
func NewService(backend llm.Client, c cache.Cache, log *slog.Logger, cfg Config) *Service {
	allowed := make(map[string]bool, len(cfg.Models))
	for _, m := range cfg.Models {
		allowed[m] = true
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	return &Service{
		backend: backend,
		cache:   c,
		log:     log,
		cfg:     cfg,
		allowed: allowed,
	}
}

// Models returns the configured model set in order.
func (s *Service) Models() []string {
	out := make([]string, len(s.cfg.Models))
	copy(out, s.cfg.Models)
	return out
}

// AskRequest is one question against a session.
type AskRequest struct {
	Question string
	// Model selects the backend model; empty picks the first configured one.
	Model string
	// RawOptions carries caller-supplied generation options; unrecognized
	// names are rejected.
	RawOptions map[string]json.RawMessage
}

// Exchange is an in-flight answer. Fragments delivers answer pieces in
// order and closes when the stream ends; Err then delivers exactly one
// value: nil on success, or the failure that voided the exchange. History
// is updated only on success.
type Exchange struct {
	Model     string
	Fragments <-chan string
	Err       <-chan error
}

// Ask validates the request, builds the prompt from the session's corpus
// and trailing history, and starts streaming. Overlapping asks on one
// session are serialized; Ask blocks until the session's stream slot frees
// up or ctx is cancelled.
func (s *Service) Ask(ctx context.Context, sess *session.Session, req AskRequest) (*Exchange, error) {
	model := req.Model
	if model == "" && len(s.cfg.Models) > 0 {
		model = s.cfg.Models[0]
	}
	if !s.allowed[model] {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	opts, err := llm.DecodeOptions(req.RawOptions, s.cfg.Defaults)
	if err != nil {
		return nil, err
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, prompt.ErrEmptyQuestion
	}

	if err := sess.AcquireStream(ctx); err != nil {
		return nil, err
	}

	// The prompt reads the session's corpus and history, so it is assembled
	// only once the slot is held: an ask that queued behind another must see
	// the exchange that completed ahead of it.
	p, err := prompt.Build(sess.Corpus(), sess.History(), question, prompt.Options{
		MaxContextChars: s.cfg.MaxContextChars,
		HistoryTurns:    s.cfg.HistoryTurns,
	})
	if err != nil {
		sess.ReleaseStream()
		return nil, err
	}

	key := cache.Key(model, p)
	if cached, err := s.cache.GetAnswer(ctx, key); err != nil {
		s.log.Warn("answer cache lookup failed", "err", err)
	} else if cached != nil {
		s.log.Debug("answer cache hit", "model", model)
		return s.replay(ctx, sess, question, cached), nil
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	stream, err := s.backend.Generate(genCtx, llm.Request{Model: model, Prompt: p, Options: opts})
	if err != nil {
		cancel()
		sess.ReleaseStream()
		return nil, err
	}

	frags := make(chan string)
	errs := make(chan error, 1)
	go s.pump(genCtx, cancel, sess, stream, question, model, key, frags, errs)
	return &Exchange{Model: model, Fragments: frags, Err: errs}, nil
}

// pump relays fragments from the backend stream to the caller, then either
// commits the exchange or reports the failure. The stream and the session
// slot are released on every path.
func (s *Service) pump(ctx context.Context, cancel context.CancelFunc, sess *session.Session,
	stream *llm.Stream, question, model, key string, frags chan<- string, errs chan<- error) {

	defer sess.ReleaseStream()
	defer cancel()
	defer stream.Close()

	var full strings.Builder
	for {
		frag, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			close(frags)
			errs <- err
			return
		}
		select {
		case frags <- frag:
			full.WriteString(frag)
		case <-ctx.Done():
			// Caller abandoned consumption or the deadline passed; the
			// exchange never completed, so history stays untouched.
			close(frags)
			errs <- abandonErr(ctx)
			return
		}
	}

	answer := full.String()
	sess.AppendExchange(question, answer)
	if err := s.cache.SetAnswer(context.Background(), key, &cache.Answer{Model: model, Answer: answer}, s.cfg.CacheTTL); err != nil {
		s.log.Warn("failed to cache answer", "err", err)
	}
	close(frags)
	errs <- nil
}

// replay serves a cached answer as a single-fragment exchange. It still
// commits to history: a cache hit is the same exchange, just cheaper.
func (s *Service) replay(ctx context.Context, sess *session.Session, question string, cached *cache.Answer) *Exchange {
	frags := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer sess.ReleaseStream()
		select {
		case frags <- cached.Answer:
			sess.AppendExchange(question, cached.Answer)
			close(frags)
			errs <- nil
		case <-ctx.Done():
			close(frags)
			errs <- abandonErr(ctx)
		}
	}()
	return &Exchange{Model: cached.Model, Fragments: frags, Err: errs}
}

func abandonErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", llm.ErrTimeout, ctx.Err())
	}
	return ctx.Err()
}
