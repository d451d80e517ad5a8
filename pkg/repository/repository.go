package repository

import (
	"context"
	"strings"

	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// Repository is the authoritative record store. Records are owned elsewhere; this package only reads them
// and attaches embeddings.
type Repository interface {
	// GetRecord returns model.ErrRecordNotFound when the record does not exist
	GetRecord(ctx context.Context, kind model.Kind, id string) (model.Entity, error)

	// ListRecords returns every record of the kind ordered by id
	ListRecords(ctx context.Context, kind model.Kind) ([]model.Entity, error)

	// QueryRecords returns records whose match fields satisfy the filter
	QueryRecords(ctx context.Context, kind model.Kind, filter Filter) ([]model.Entity, error)

	// PutEmbedding replaces the embedding field of a record. Used only by the offline sync path.
	PutEmbedding(ctx context.Context, ref model.Ref, emb *model.Embedding) error
}

// MatchMode selects how a filter value is compared with a field
type MatchMode int

const (
	// MatchExact requires byte equality
	MatchExact MatchMode = iota
	// MatchFold compares case-insensitively after trimming
	MatchFold
	// MatchContains accepts a case-insensitive substring
	MatchContains
)

func (m MatchMode) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchFold:
		return "fold"
	case MatchContains:
		return "contains"
	default:
		return "unknown"
	}
}

// Filter matches Value against one named field, or against every match field when Field is empty
type Filter struct {
	Field string
	Value string
	Mode  MatchMode
	Limit int
}

// Matches reports whether e satisfies the filter
func (f Filter) Matches(e model.Entity) bool {
	want := strings.TrimSpace(f.Value)
	if want == "" {
		return false
	}

	for _, field := range e.MatchFields() {
		if f.Field != "" && f.Field != field.Name {
			continue
		}
		if field.Value == "" {
			continue
		}

		switch f.Mode {
		case MatchExact:
			if field.Value == f.Value {
				return true
			}
		case MatchFold:
			if strings.EqualFold(strings.TrimSpace(field.Value), want) {
				return true
			}
		case MatchContains:
			if strings.Contains(strings.ToLower(field.Value), strings.ToLower(want)) {
				return true
			}
		}
	}
	return false
}

// collectionName maps a kind to its collection
func collectionName(kind model.Kind) string {
	switch kind {
	case model.KindWord:
		return "words"
	case model.KindKanji:
		return "kanjis"
	case model.KindSentence:
		return "sentences"
	default:
		return string(kind)
	}
}
