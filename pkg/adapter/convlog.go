package adapter

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// ConversationLogRetention is how long a conversation log is kept before the TTL policy removes it
const ConversationLogRetention = 90 * 24 * time.Hour

// ConversationLogger persists completed turns. Callers treat failures as non-fatal.
// Close releases the underlying client once no Notify is in flight.
type ConversationLogger interface {
	Notify(ctx context.Context, log *model.ConversationLog) error
	Close() error
}

type firestoreLogger struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreLogger writes each log as a new document in collection.
// The expire_at field is meant to be configured as the collection's TTL field.
func NewFirestoreLogger(ctx context.Context, projectID, databaseID, collection string) (ConversationLogger, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID),
			goerr.V("database", databaseID))
	}

	return &firestoreLogger{client: client, collection: collection}, nil
}

func (x *firestoreLogger) Notify(ctx context.Context, log *model.ConversationLog) error {
	trace, err := json.Marshal(log.ToolTrace)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal tool trace")
	}

	expireAt := log.ExpireAt
	if expireAt.IsZero() {
		expireAt = log.CreatedAt.Add(ConversationLogRetention)
	}

	doc := map[string]any{
		"session_id": log.SessionID,
		"question":   log.Question,
		"answer":     log.Answer,
		"tool_trace": string(trace),
		"partial":    log.Partial,
		"created_at": log.CreatedAt,
		"expire_at":  expireAt,
	}

	if _, err := x.client.Collection(x.collection).Doc(uuid.NewString()).Set(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to save conversation log",
			goerr.V("collection", x.collection),
			goerr.V("session_id", log.SessionID))
	}
	return nil
}

func (x *firestoreLogger) Close() error {
	if err := x.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client", goerr.V("collection", x.collection))
	}
	return nil
}

type nopLogger struct{}

// NewNopLogger returns a ConversationLogger that discards everything
func NewNopLogger() ConversationLogger {
	return nopLogger{}
}

func (nopLogger) Notify(ctx context.Context, log *model.ConversationLog) error {
	return nil
}

func (nopLogger) Close() error {
	return nil
}
