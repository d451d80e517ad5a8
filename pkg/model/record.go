package model

import (
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Kind is the closed set of record types that can be embedded and searched
type Kind string

const (
	KindWord     Kind = "word"
	KindKanji    Kind = "kanji"
	KindSentence Kind = "sentence"
)

// Kinds returns every supported kind in a fixed order
func Kinds() []Kind {
	return []Kind{KindWord, KindKanji, KindSentence}
}

// Validate checks if the kind is supported
func (k Kind) Validate() error {
	switch k {
	case KindWord, KindKanji, KindSentence:
		return nil
	default:
		return goerr.Wrap(ErrInvalidKind, "unsupported kind", goerr.V("kind", k))
	}
}

// ParseKind converts a string into a Kind. Plural collection names are accepted.
func ParseKind(s string) (Kind, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "words":
		v = "word"
	case "kanjis":
		v = "kanji"
	case "sentences":
		v = "sentence"
	}

	k := Kind(v)
	if err := k.Validate(); err != nil {
		return "", err
	}
	return k, nil
}

// Ref identifies a record in the authoritative store
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ID
}

// Field is a named text field used for exact matching
type Field struct {
	Name  string
	Value string
}

// Entity is implemented by every record variant. The set of implementations is closed to this package.
type Entity interface {
	EntityID() string
	Kind() Kind
	// EmbeddableText returns the canonical text for embedding: fixed field order, empty fields omitted.
	EmbeddableText() string
	CurrentEmbedding() *Embedding
	// MatchFields returns the fields consulted by exact lookups, most specific first.
	MatchFields() []Field
	Summary() string

	entity()
}

// RefOf returns the reference of an entity
func RefOf(e Entity) Ref {
	return Ref{Kind: e.Kind(), ID: e.EntityID()}
}

// Word is a vocabulary entry
type Word struct {
	ID         string     `firestore:"-" json:"id" yaml:"id"`
	Name       string     `firestore:"name" json:"name" yaml:"name"`
	Hiragana   string     `firestore:"hiragana" json:"hiragana" yaml:"hiragana"`
	English    string     `firestore:"english" json:"english" yaml:"english"`
	Vietnamese string     `firestore:"vietnamese,omitempty" json:"vietnamese,omitempty" yaml:"vietnamese"`
	Chinese    string     `firestore:"chinese,omitempty" json:"chinese,omitempty" yaml:"chinese"`
	Korean     string     `firestore:"korean,omitempty" json:"korean,omitempty" yaml:"korean"`
	Level      int        `firestore:"level" json:"level" yaml:"level"`
	Embedding  *Embedding `firestore:"embedding,omitempty" json:"-" yaml:"-"`
}

func (w *Word) EntityID() string             { return w.ID }
func (w *Word) Kind() Kind                   { return KindWord }
func (w *Word) CurrentEmbedding() *Embedding { return w.Embedding }
func (w *Word) entity()                      {}

func (w *Word) EmbeddableText() string {
	return joinFields(w.Name, w.Hiragana, w.English, w.Vietnamese, w.Chinese, w.Korean)
}

func (w *Word) MatchFields() []Field {
	return []Field{
		{Name: "name", Value: w.Name},
		{Name: "hiragana", Value: w.Hiragana},
		{Name: "english", Value: w.English},
	}
}

func (w *Word) Summary() string {
	s := w.Name
	if w.Hiragana != "" && w.Hiragana != w.Name {
		s += " (" + w.Hiragana + ")"
	}
	if w.English != "" {
		s += ": " + w.English
	}
	if w.Level > 0 {
		s += fmt.Sprintf(" [N%d]", w.Level)
	}
	return s
}

// Kanji is a single character entry
type Kanji struct {
	ID        string     `firestore:"-" json:"id" yaml:"id"`
	Character string     `firestore:"character" json:"character" yaml:"character"`
	Meaning   string     `firestore:"meaning" json:"meaning" yaml:"meaning"`
	Reading   string     `firestore:"reading" json:"reading" yaml:"reading"`
	Strokes   int        `firestore:"strokes,omitempty" json:"strokes,omitempty" yaml:"strokes"`
	Embedding *Embedding `firestore:"embedding,omitempty" json:"-" yaml:"-"`
}

func (k *Kanji) EntityID() string             { return k.ID }
func (k *Kanji) Kind() Kind                   { return KindKanji }
func (k *Kanji) CurrentEmbedding() *Embedding { return k.Embedding }
func (k *Kanji) entity()                      {}

func (k *Kanji) EmbeddableText() string {
	return joinFields(k.Character, k.Meaning, k.Reading)
}

func (k *Kanji) MatchFields() []Field {
	return []Field{
		{Name: "character", Value: k.Character},
		{Name: "meaning", Value: k.Meaning},
		{Name: "reading", Value: k.Reading},
	}
}

func (k *Kanji) Summary() string {
	s := k.Character
	if k.Meaning != "" {
		s += ": " + k.Meaning
	}
	if k.Reading != "" {
		s += " (" + k.Reading + ")"
	}
	return s
}

// Sentence is an example sentence
type Sentence struct {
	ID        string     `firestore:"-" json:"id" yaml:"id"`
	Japanese  string     `firestore:"japanese" json:"japanese" yaml:"japanese"`
	Furigana  string     `firestore:"furigana,omitempty" json:"furigana,omitempty" yaml:"furigana"`
	English   string     `firestore:"english" json:"english" yaml:"english"`
	Level     int        `firestore:"level" json:"level" yaml:"level"`
	Embedding *Embedding `firestore:"embedding,omitempty" json:"-" yaml:"-"`
}

func (s *Sentence) EntityID() string             { return s.ID }
func (s *Sentence) Kind() Kind                   { return KindSentence }
func (s *Sentence) CurrentEmbedding() *Embedding { return s.Embedding }
func (s *Sentence) entity()                      {}

func (s *Sentence) EmbeddableText() string {
	return joinFields(s.Japanese, s.English)
}

func (s *Sentence) MatchFields() []Field {
	return []Field{
		{Name: "japanese", Value: s.Japanese},
		{Name: "english", Value: s.English},
		{Name: "furigana", Value: s.Furigana},
	}
}

func (s *Sentence) Summary() string {
	if s.English == "" {
		return s.Japanese
	}
	return s.Japanese + ": " + s.English
}

// joinFields joins non-empty fields with a single space, collapsing inner whitespace
func joinFields(fields ...string) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if v := strings.Join(strings.Fields(f), " "); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// WithEmbedding returns a copy of e carrying emb. The original entity is left untouched.
func WithEmbedding(e Entity, emb *Embedding) Entity {
	switch v := e.(type) {
	case *Word:
		c := *v
		c.Embedding = emb
		return &c
	case *Kanji:
		c := *v
		c.Embedding = emb
		return &c
	case *Sentence:
		c := *v
		c.Embedding = emb
		return &c
	default:
		panic(fmt.Sprintf("unknown entity type %T", e))
	}
}

// NewEntity returns an empty entity of the given kind, ready to be decoded into
func NewEntity(kind Kind) (Entity, error) {
	switch kind {
	case KindWord:
		return &Word{}, nil
	case KindKanji:
		return &Kanji{}, nil
	case KindSentence:
		return &Sentence{}, nil
	default:
		return nil, goerr.Wrap(ErrInvalidKind, "unsupported kind", goerr.V("kind", kind))
	}
}

// SetEntityID assigns the store key to a decoded entity
func SetEntityID(e Entity, id string) {
	switch v := e.(type) {
	case *Word:
		v.ID = id
	case *Kanji:
		v.ID = id
	case *Sentence:
		v.ID = id
	}
}
