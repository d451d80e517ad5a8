package repository

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"gopkg.in/yaml.v3"
)

// Memory is an in-process Repository used by tests and by the CLI when records come from a local file
type Memory struct {
	mu      sync.RWMutex
	records map[model.Kind]map[string]model.Entity
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	m := &Memory{records: make(map[model.Kind]map[string]model.Entity)}
	for _, k := range model.Kinds() {
		m.records[k] = make(map[string]model.Entity)
	}
	return m
}

// Fixture is the on-disk layout of a records file
type Fixture struct {
	Words     []*model.Word     `yaml:"words"`
	Kanjis    []*model.Kanji    `yaml:"kanjis"`
	Sentences []*model.Sentence `yaml:"sentences"`
}

// LoadFile reads a YAML records file into a new Memory repository
func LoadFile(path string) (*Memory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read records file", goerr.V("path", path))
	}

	var fixture Fixture
	if err := yaml.Unmarshal(raw, &fixture); err != nil {
		return nil, goerr.Wrap(err, "failed to parse records file", goerr.V("path", path))
	}

	m := NewMemory()
	for _, w := range fixture.Words {
		if err := m.Put(w); err != nil {
			return nil, goerr.Wrap(err, "invalid word", goerr.V("path", path))
		}
	}
	for _, k := range fixture.Kanjis {
		if err := m.Put(k); err != nil {
			return nil, goerr.Wrap(err, "invalid kanji", goerr.V("path", path))
		}
	}
	for _, s := range fixture.Sentences {
		if err := m.Put(s); err != nil {
			return nil, goerr.Wrap(err, "invalid sentence", goerr.V("path", path))
		}
	}

	return m, nil
}

// Put stores or replaces a record. Records are normally created by other systems; this exists for fixtures.
func (m *Memory) Put(e model.Entity) error {
	if e.EntityID() == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "record id is empty", goerr.V("kind", e.Kind()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[e.Kind()][e.EntityID()] = e
	return nil
}

// ClearEmbedding drops the embedding of a record, making it look never embedded
func (m *Memory) ClearEmbedding(ref model.Ref) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.records[ref.Kind][ref.ID]; ok {
		m.records[ref.Kind][ref.ID] = model.WithEmbedding(e, nil)
	}
}

func (m *Memory) GetRecord(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.records[kind][id]
	if !ok {
		return nil, goerr.Wrap(model.ErrRecordNotFound, "record not found",
			goerr.V("kind", kind),
			goerr.V("id", id))
	}
	return e, nil
}

func (m *Memory) ListRecords(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	return m.scan(kind, nil, 0)
}

func (m *Memory) QueryRecords(ctx context.Context, kind model.Kind, filter Filter) ([]model.Entity, error) {
	return m.scan(kind, filter.Matches, filter.Limit)
}

func (m *Memory) scan(kind model.Kind, keep func(model.Entity) bool, limit int) ([]model.Entity, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	results := make([]model.Entity, 0, len(m.records[kind]))
	for _, e := range m.records[kind] {
		if keep != nil && !keep(e) {
			continue
		}
		results = append(results, e)
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].EntityID() < results[j].EntityID() })
	return limitRecords(results, limit), nil
}

func (m *Memory) PutEmbedding(ctx context.Context, ref model.Ref, emb *model.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.records[ref.Kind][ref.ID]
	if !ok {
		return goerr.Wrap(model.ErrRecordNotFound, "record not found", goerr.V("ref", ref.String()))
	}
	m.records[ref.Kind][ref.ID] = model.WithEmbedding(e, emb)
	return nil
}
