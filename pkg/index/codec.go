package index

import (
	"bytes"
	"context"

	"github.com/klauspost/compress/zstd"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"github.com/philippgille/chromem-go"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// encodeVectors exports the collection of an index and compresses it
func encodeVectors(v *Vectors) ([]byte, error) {
	var raw bytes.Buffer
	if err := v.db.ExportToWriter(&raw, false, "", collectionName); err != nil {
		return nil, goerr.Wrap(err, "failed to export vector collection")
	}
	return zstdEncoder.EncodeAll(raw.Bytes(), make([]byte, 0, raw.Len()/2)), nil
}

// decodeVectors restores an index from a blob and checks it against meta. Any disagreement is ErrIndexCorrupt.
func decodeVectors(ctx context.Context, blob []byte, meta Meta) (*Vectors, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, goerr.Wrap(model.ErrIndexCorrupt, "failed to decompress index blob", goerr.V("error", err.Error()))
	}

	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(raw), "", collectionName); err != nil {
		return nil, goerr.Wrap(model.ErrIndexCorrupt, "failed to import vector collection", goerr.V("error", err.Error()))
	}
	col := db.GetCollection(collectionName, precomputedOnly)
	if col == nil {
		return nil, goerr.Wrap(model.ErrIndexCorrupt, "index blob has no vector collection")
	}
	if col.Count() != len(meta.IDs) {
		return nil, goerr.Wrap(model.ErrIndexCorrupt, "id-mapping does not match index",
			goerr.V("count", col.Count()),
			goerr.V("ids", len(meta.IDs)))
	}

	v := newVectors(meta.Dimension, db, col)
	for _, ref := range meta.IDs {
		doc, err := col.GetByID(ctx, ref.String())
		if err != nil {
			return nil, goerr.Wrap(model.ErrIndexCorrupt, "id-mapping names a missing vector",
				goerr.V("ref", ref.String()),
				goerr.V("error", err.Error()))
		}
		if len(doc.Embedding) != meta.Dimension {
			return nil, goerr.Wrap(model.ErrIndexCorrupt, "stored vector has wrong dimension",
				goerr.V("ref", ref.String()),
				goerr.V("expected", meta.Dimension),
				goerr.V("actual", len(doc.Embedding)))
		}
		if doc.Metadata[kindKey] != string(ref.Kind) {
			return nil, goerr.Wrap(model.ErrIndexCorrupt, "stored kind does not match id-mapping",
				goerr.V("ref", ref.String()),
				goerr.V("kind", doc.Metadata[kindKey]))
		}
		v.track(ref)
	}

	return v, nil
}
