package model

import (
	"time"

	"cloud.google.com/go/firestore"
)

// Embedding is a vector attached to a record together with the provenance of the text it was derived from
type Embedding struct {
	Vector      firestore.Vector32 `firestore:"vector" json:"vector"`
	ContentHash string             `firestore:"content_hash" json:"content_hash"`
	Model       string             `firestore:"model" json:"model"`
	Dimension   int                `firestore:"dimension" json:"dimension"`
	GeneratedAt time.Time          `firestore:"generated_at" json:"generated_at"`
}

// IsCurrent reports whether the embedding was generated from text with the given hash by the given model
func (e *Embedding) IsCurrent(contentHash, model string, dimension int) bool {
	if e == nil {
		return false
	}
	return e.ContentHash == contentHash &&
		e.Model == model &&
		e.Dimension == dimension &&
		len(e.Vector) == dimension
}

// Match is a single similarity search hit
type Match struct {
	Ref
	Distance float32 `json:"distance"`
}
