package repository

import (
	"context"
	"errors"
	"sort"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore implements Repository on Firestore collections words, kanjis and sentences
type Firestore struct {
	client *firestore.Client
}

var _ Repository = (*Firestore)(nil)

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}

	return &Firestore{client: client}, nil
}

// Close closes the underlying client
func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) collection(kind model.Kind) (*firestore.CollectionRef, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}
	return r.client.Collection(collectionName(kind)), nil
}

func decodeEntity(kind model.Kind, doc *firestore.DocumentSnapshot) (model.Entity, error) {
	e, err := model.NewEntity(kind)
	if err != nil {
		return nil, err
	}
	if err := doc.DataTo(e); err != nil {
		return nil, goerr.Wrap(err, "failed to decode record",
			goerr.V("kind", kind),
			goerr.V("id", doc.Ref.ID))
	}
	model.SetEntityID(e, doc.Ref.ID)
	return e, nil
}

func (r *Firestore) GetRecord(ctx context.Context, kind model.Kind, id string) (model.Entity, error) {
	col, err := r.collection(kind)
	if err != nil {
		return nil, err
	}

	doc, err := col.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrRecordNotFound, "record not found",
				goerr.V("kind", kind),
				goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get record",
			goerr.V("kind", kind),
			goerr.V("id", id))
	}

	return decodeEntity(kind, doc)
}

func (r *Firestore) ListRecords(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	col, err := r.collection(kind)
	if err != nil {
		return nil, err
	}

	return r.collect(ctx, kind, col.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx), nil)
}

func (r *Firestore) QueryRecords(ctx context.Context, kind model.Kind, filter Filter) ([]model.Entity, error) {
	col, err := r.collection(kind)
	if err != nil {
		return nil, err
	}

	// Firestore has no case-insensitive or substring operators, so only exact filters are pushed down
	if filter.Mode != MatchExact {
		records, err := r.collect(ctx, kind, col.Documents(ctx), filter.Matches)
		if err != nil {
			return nil, err
		}
		return limitRecords(records, filter.Limit), nil
	}

	fields := []string{filter.Field}
	if filter.Field == "" {
		sample, err := model.NewEntity(kind)
		if err != nil {
			return nil, err
		}
		fields = fields[:0]
		for _, f := range sample.MatchFields() {
			fields = append(fields, f.Name)
		}
	}

	seen := make(map[string]struct{})
	var results []model.Entity
	for _, field := range fields {
		q := col.Where(field, "==", filter.Value)
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		records, err := r.collect(ctx, kind, q.Documents(ctx), nil)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if _, ok := seen[rec.EntityID()]; ok {
				continue
			}
			seen[rec.EntityID()] = struct{}{}
			results = append(results, rec)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].EntityID() < results[j].EntityID() })
	return limitRecords(results, filter.Limit), nil
}

func (r *Firestore) collect(ctx context.Context, kind model.Kind, iter *firestore.DocumentIterator, keep func(model.Entity) bool) ([]model.Entity, error) {
	defer iter.Stop()

	var records []model.Entity
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate records", goerr.V("kind", kind))
		}

		e, err := decodeEntity(kind, doc)
		if err != nil {
			return nil, err
		}
		if keep != nil && !keep(e) {
			continue
		}
		records = append(records, e)
	}

	return records, nil
}

func (r *Firestore) PutEmbedding(ctx context.Context, ref model.Ref, emb *model.Embedding) error {
	col, err := r.collection(ref.Kind)
	if err != nil {
		return err
	}

	_, err = col.Doc(ref.ID).Update(ctx, []firestore.Update{
		{Path: "embedding", Value: emb},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(model.ErrRecordNotFound, "record not found", goerr.V("ref", ref.String()))
		}
		return goerr.Wrap(err, "failed to update embedding", goerr.V("ref", ref.String()))
	}

	return nil
}

func limitRecords(records []model.Entity, limit int) []model.Entity {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}
