// Package embeddingtest provides a deterministic embedding client for tests and offline runs.
package embeddingtest

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// KeywordClient maps each known token to a fixed axis and sums them. Texts sharing a keyword point the same
// way, so similarity is predictable without a network call. A text with no known token lands on the last axis.
type KeywordClient struct {
	Dimension  int
	Vocabulary map[string]int

	// FailOn, when set, is consulted for every text of a request; a non-nil error fails the whole request
	FailOn func(text string) error

	mu    sync.Mutex
	calls int
	texts int
}

// DefaultVocabulary covers the sample lexicon used in tests
func DefaultVocabulary() map[string]int {
	return map[string]int{
		"mountain": 0, "山": 0, "やま": 0, "yama": 0, "san": 0,
		"river": 1, "川": 1, "かわ": 1, "kawa": 1, "sen": 1,
		"eat": 2, "食べる": 2, "たべる": 2,
		"climb": 3,
	}
}

// NewKeywordClient creates a client with DefaultVocabulary
func NewKeywordClient(dim int) *KeywordClient {
	return &KeywordClient{Dimension: dim, Vocabulary: DefaultVocabulary()}
}

func (c *KeywordClient) EmbedContents(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	c.mu.Lock()
	c.calls++
	c.texts += len(texts)
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		if c.FailOn != nil {
			if err := c.FailOn(text); err != nil {
				return nil, err
			}
		}
		out[i] = c.Vector(text)
	}
	return out, nil
}

// Vector returns the unnormalized vector for text
func (c *KeywordClient) Vector(text string) []float32 {
	v := make([]float32, c.Dimension)
	hit := false
	for _, tok := range Tokenize(text) {
		if axis, ok := c.Vocabulary[tok]; ok && axis < c.Dimension {
			v[axis]++
			hit = true
		}
	}
	if !hit && c.Dimension > 0 {
		v[c.Dimension-1] = 1
	}
	return v
}

// Calls returns the number of EmbedContents requests received
func (c *KeywordClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Texts returns the number of texts received across all requests
func (c *KeywordClient) Texts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.texts
}

// Tokenize lowercases text and splits it on anything that is not a letter or digit
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
