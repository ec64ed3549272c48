package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache stores completed answers keyed by the exact generation input. Keys
// are content-addressed over (model, prompt), and the prompt embeds the
// corpus and conversation window, so entries can never go stale; they just
// expire.
type Cache interface {
	// GetAnswer retrieves a cached answer by key. Returns nil on miss.
	GetAnswer(ctx context.Context, key string) (*Answer, error)

	// SetAnswer stores an answer with TTL.
	SetAnswer(ctx context.Context, key string, answer *Answer, ttl time.Duration) error

	// Close closes the cache connection.
	Close() error
}

// Answer is a cached generation result.
type Answer struct {
	Model  string `json:"model"`
	Answer string `json:"answer"`
}

// Key derives the cache key for a generation request.
func Key(model, prompt string) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return hex.EncodeToString(h.Sum(nil))
}
