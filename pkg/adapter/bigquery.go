package adapter

import (
	"context"
	"encoding/json"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// bigqueryLogger streams conversation logs into a BigQuery table.
// Retention is governed by the table's partition expiration rather than a per-row TTL.
type bigqueryLogger struct {
	client   *bigquery.Client
	inserter *bigquery.Inserter
}

// NewBigQueryLogger creates a ConversationLogger that inserts rows into project.dataset.table
func NewBigQueryLogger(ctx context.Context, projectID, datasetID, tableID string) (ConversationLogger, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &bigqueryLogger{
		client:   client,
		inserter: client.Dataset(datasetID).Table(tableID).Inserter(),
	}, nil
}

func (x *bigqueryLogger) Notify(ctx context.Context, log *model.ConversationLog) error {
	row, err := newConversationRow(log)
	if err != nil {
		return err
	}

	if err := x.inserter.Put(ctx, row); err != nil {
		return goerr.Wrap(err, "failed to insert conversation log", goerr.V("session_id", log.SessionID))
	}
	return nil
}

func (x *bigqueryLogger) Close() error {
	if err := x.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close BigQuery client")
	}
	return nil
}

// conversationRow is the BigQuery row shape. The tool trace is stored as a JSON string column.
type conversationRow struct {
	insertID  string
	sessionID string
	question  string
	answer    string
	toolTrace string
	partial   bool
	createdAt time.Time
	expireAt  time.Time
}

func newConversationRow(log *model.ConversationLog) (*conversationRow, error) {
	trace, err := json.Marshal(log.ToolTrace)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal tool trace")
	}

	return &conversationRow{
		insertID:  log.SessionID + "/" + log.CreatedAt.Format(time.RFC3339Nano),
		sessionID: log.SessionID,
		question:  log.Question,
		answer:    log.Answer,
		toolTrace: string(trace),
		partial:   log.Partial,
		createdAt: log.CreatedAt,
		expireAt:  log.ExpireAt,
	}, nil
}

// Save implements bigquery.ValueSaver
func (r *conversationRow) Save() (map[string]bigquery.Value, string, error) {
	return map[string]bigquery.Value{
		"session_id": r.sessionID,
		"question":   r.question,
		"answer":     r.answer,
		"tool_trace": r.toolTrace,
		"partial":    r.partial,
		"created_at": r.createdAt,
		"expire_at":  r.expireAt,
	}, r.insertID, nil
}
