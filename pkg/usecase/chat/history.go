package chat

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/adapter"
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

const historyPrefix = "sessions/"

// session ids become storage keys, so they are limited to a path-safe charset
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateSessionID rejects ids that are not 1 to 128 letters, digits, '-' or '_'
func ValidateSessionID(sessionID string) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return goerr.Wrap(model.ErrInvalidArgument, "invalid session id", goerr.V("session_id", sessionID))
	}
	return nil
}

type savedHistory struct {
	SessionID string    `json:"session_id"`
	Turns     []Turn    `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryStore keeps a durable copy of session memory in blob storage so a session can be resumed by a
// later process
type HistoryStore struct {
	storage adapter.Storage
}

func NewHistoryStore(storage adapter.Storage) *HistoryStore {
	return &HistoryStore{storage: storage}
}

func historyKey(sessionID string) string {
	return historyPrefix + sessionID + ".json"
}

// Load returns the saved turns of a session, or nil when nothing was saved
func (h *HistoryStore) Load(ctx context.Context, sessionID string) ([]Turn, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	data, err := h.storage.Get(ctx, historyKey(sessionID))
	if err != nil {
		if errors.Is(err, model.ErrBlobNotFound) {
			return nil, nil
		}
		return nil, goerr.Wrap(err, "failed to get session history", goerr.V("session_id", sessionID))
	}

	var saved savedHistory
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, goerr.Wrap(err, "failed to unmarshal session history", goerr.V("session_id", sessionID))
	}
	return saved.Turns, nil
}

// Save overwrites the saved turns of a session
func (h *HistoryStore) Save(ctx context.Context, sessionID string, turns []Turn) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	data, err := json.Marshal(savedHistory{
		SessionID: sessionID,
		Turns:     turns,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return goerr.Wrap(err, "failed to marshal session history")
	}

	if err := h.storage.Put(ctx, historyKey(sessionID), data); err != nil {
		return goerr.Wrap(err, "failed to put session history", goerr.V("session_id", sessionID))
	}
	return nil
}
