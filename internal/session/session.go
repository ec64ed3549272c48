package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role attributes a conversation turn to one side of the exchange.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Document is one processed upload: the filename and its extracted text.
type Document struct {
	Filename string `json:"filename"`
	Text     string `json:"text"`
}

// Turn is one message in the conversation. Immutable after creation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session owns the document corpus and conversation history for one
// interactive session. History is append-only until Reset; the corpus is
// replaced wholesale on re-upload, never mutated in place. All state sits
// behind a single mutex, which is the only serialization the append/replace
// access pattern needs.
type Session struct {
	ID        uuid.UUID
	CreatedAt time.Time

	mu      sync.Mutex
	corpus  []Document
	history []Turn

	// stream is a one-slot semaphore serializing in-flight generation
	// requests on this session.
	stream chan struct{}
}

// New creates an empty session.
func New() *Session {
	return &Session{
		ID:        uuid.New(),
		CreatedAt: time.Now(),
		stream:    make(chan struct{}, 1),
	}
}

// Corpus returns a snapshot of the current documents in upload order.
func (s *Session) Corpus() []Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Document, len(s.corpus))
	copy(out, s.corpus)
	return out
}

// ReplaceCorpus swaps in a freshly processed set of documents and clears
// the conversation, since prior answers referred to the old corpus.
func (s *Session) ReplaceCorpus(docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corpus = make([]Document, len(docs))
	copy(s.corpus, docs)
	s.history = nil
}

// AppendExchange commits a completed question/answer pair as two turns in
// one indivisible update. Interleaved completions from overlapping requests
// can never split a pair.
func (s *Session) AppendExchange(question, answer string) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history,
		Turn{Role: RoleUser, Content: question, CreatedAt: now},
		Turn{Role: RoleAssistant, Content: answer, CreatedAt: now},
	)
}

// History returns a snapshot of all turns in order.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Tail returns the trailing k turns, or all of them when k exceeds the
// history length. k <= 0 yields nil.
func (s *Session) Tail(k int) []Turn {
	if k <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.history) - k
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(s.history)-start)
	copy(out, s.history[start:])
	return out
}

// HistoryLen reports the number of turns.
func (s *Session) HistoryLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Reset clears both corpus and history.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corpus = nil
	s.history = nil
}

// AcquireStream claims the session's generation slot, blocking until the
// slot frees up or ctx is cancelled. Callers must Release on every path.
func (s *Session) AcquireStream(ctx context.Context) error {
	select {
	case s.stream <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReleaseStream frees the generation slot.
func (s *Session) ReleaseStream() {
	<-s.stream
}
