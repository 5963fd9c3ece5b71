package distill

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures how much of the context budget a text consumes.
type TokenCounter interface {
	Count(text string) int
}

// ApproxCounter estimates tokens as a quarter of the rune count.
type ApproxCounter struct{}

// Count implements TokenCounter.
func (ApproxCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenCounter counts tokens with a tiktoken encoding, loaded on first use.
// If the encoding cannot be loaded it falls back to ApproxCounter.
type TiktokenCounter struct {
	encoding string
	once     sync.Once
	enc      *tiktoken.Tiktoken
	initErr  error
}

// NewTiktokenCounter returns a counter for the named encoding (cl100k_base when empty).
func NewTiktokenCounter(encoding string) *TiktokenCounter {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenCounter{encoding: encoding}
}

// Err reports the encoding load error, if any, after first use.
func (t *TiktokenCounter) Err() error { return t.initErr }

// Count implements TokenCounter.
func (t *TiktokenCounter) Count(text string) int {
	t.once.Do(func() {
		t.enc, t.initErr = tiktoken.GetEncoding(t.encoding)
	})
	if t.initErr != nil || t.enc == nil {
		return ApproxCounter{}.Count(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}
