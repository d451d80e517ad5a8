package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// DefaultPrefix is the key prefix of snapshots in blob storage
const DefaultPrefix = "vector-index/"

const (
	indexObject  = "index.bin.zst"
	metaObject   = "meta.json"
	latestObject = "LATEST"
)

// Store persists snapshots as versioned objects:
//
//	<prefix><version>/index.bin.zst
//	<prefix><version>/meta.json
//	<prefix>LATEST
//
// Objects are written in that order. A version is complete once its meta exists and becomes the
// served one when LATEST names it, so readers never see an index without matching metadata.
type Store struct {
	storage adapter.Storage
	prefix  string
}

func NewStore(storage adapter.Storage, prefix string) *Store {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{storage: storage, prefix: prefix}
}

func (s *Store) key(version, object string) string {
	return s.prefix + version + "/" + object
}

func newVersion() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Save writes a snapshot and points LATEST at it
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	version := snap.meta.Version
	if version == "" {
		return goerr.Wrap(model.ErrInvalidArgument, "snapshot has no version")
	}

	blob, err := encodeVectors(snap.index)
	if err != nil {
		return goerr.Wrap(err, "failed to encode index", goerr.V("version", version))
	}
	sum := sha256.Sum256(blob)
	meta := snap.meta
	meta.Checksum = hex.EncodeToString(sum[:])

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal snapshot meta", goerr.V("version", version))
	}

	if err := s.storage.Put(ctx, s.key(version, indexObject), blob); err != nil {
		return goerr.Wrap(err, "failed to write index blob", goerr.V("version", version))
	}
	if err := s.storage.Put(ctx, s.key(version, metaObject), metaJSON); err != nil {
		return goerr.Wrap(err, "failed to write snapshot meta", goerr.V("version", version))
	}
	if err := s.storage.Put(ctx, s.prefix+latestObject, []byte(version)); err != nil {
		return goerr.Wrap(err, "failed to update latest pointer", goerr.V("version", version))
	}

	return nil
}

// Load reads the snapshot LATEST points at.
// It returns model.ErrIndexMissing when nothing complete is stored and model.ErrIndexCorrupt when
// stored objects disagree with each other.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	latest, err := s.storage.Get(ctx, s.prefix+latestObject)
	if err != nil {
		if errors.Is(err, model.ErrBlobNotFound) {
			return nil, goerr.Wrap(model.ErrIndexMissing, "no snapshot has been published", goerr.V("prefix", s.prefix))
		}
		return nil, goerr.Wrap(err, "failed to read latest pointer")
	}

	version := strings.TrimSpace(string(latest))
	if version == "" {
		return nil, goerr.Wrap(model.ErrIndexCorrupt, "latest pointer is empty")
	}
	return s.LoadVersion(ctx, version)
}

// LoadVersion reads a specific snapshot version
func (s *Store) LoadVersion(ctx context.Context, version string) (*Snapshot, error) {
	metaJSON, err := s.storage.Get(ctx, s.key(version, metaObject))
	if err != nil {
		if errors.Is(err, model.ErrBlobNotFound) {
			return nil, goerr.Wrap(model.ErrIndexMissing, "snapshot meta not found", goerr.V("version", version))
		}
		return nil, goerr.Wrap(err, "failed to read snapshot meta", goerr.V("version", version))
	}

	var meta Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return nil, goerr.Wrap(model.ErrIndexCorrupt, "snapshot meta is not valid JSON",
			goerr.V("version", version),
			goerr.V("error", err.Error()))
	}

	blob, err := s.storage.Get(ctx, s.key(version, indexObject))
	if err != nil {
		if errors.Is(err, model.ErrBlobNotFound) {
			return nil, goerr.Wrap(model.ErrIndexCorrupt, "index blob missing for published meta", goerr.V("version", version))
		}
		return nil, goerr.Wrap(err, "failed to read index blob", goerr.V("version", version))
	}

	sum := sha256.Sum256(blob)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, goerr.Wrap(model.ErrIndexCorrupt, "index blob checksum mismatch", goerr.V("version", version))
	}

	if err := validateMeta(meta); err != nil {
		return nil, goerr.Wrap(err, "invalid snapshot meta", goerr.V("version", version))
	}

	vectors, err := decodeVectors(ctx, blob, meta)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decode index", goerr.V("version", version))
	}

	return &Snapshot{meta: meta, index: vectors}, nil
}

func validateMeta(meta Meta) error {
	if meta.Metric != MetricL2 {
		return goerr.Wrap(model.ErrIndexCorrupt, "unsupported metric", goerr.V("metric", meta.Metric))
	}
	if meta.Dimension <= 0 {
		return goerr.Wrap(model.ErrIndexCorrupt, "invalid dimension", goerr.V("dimension", meta.Dimension))
	}
	if meta.Count != len(meta.IDs) {
		return goerr.Wrap(model.ErrIndexCorrupt, "count does not match id-mapping",
			goerr.V("count", meta.Count),
			goerr.V("ids", len(meta.IDs)))
	}

	seen := make(map[model.Ref]struct{}, len(meta.IDs))
	for _, ref := range meta.IDs {
		if err := ref.Kind.Validate(); err != nil {
			return goerr.Wrap(model.ErrIndexCorrupt, "id-mapping has unknown kind", goerr.V("ref", ref.String()))
		}
		if _, ok := seen[ref]; ok {
			return goerr.Wrap(model.ErrIndexCorrupt, "id-mapping has duplicate ref", goerr.V("ref", ref.String()))
		}
		seen[ref] = struct{}{}
	}
	return nil
}
