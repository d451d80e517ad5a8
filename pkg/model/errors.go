package model

import (
	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrInvalidKind     = goerr.New("invalid kind")
	ErrRecordNotFound  = goerr.New("record not found")
	ErrBlobNotFound    = goerr.New("blob not found")
	ErrInvalidArgument = goerr.New("invalid argument")

	// Embedding provider
	ErrEmbeddingFailed  = goerr.New("embedding failed")
	ErrProviderTimeout  = goerr.New("provider timeout")
	ErrProviderRejected = goerr.New("provider rejected request")

	// Vector index lifecycle
	ErrIndexMissing   = goerr.New("vector index missing")
	ErrIndexCorrupt   = goerr.New("vector index corrupt")
	ErrEmptyIndex     = goerr.New("no embedded records to index")
	ErrDimensionMatch = goerr.New("vector dimension mismatch")

	// Tools and conversation
	ErrToolArgumentInvalid = goerr.New("tool argument invalid")
	ErrToolExecution       = goerr.New("tool execution failed")
	ErrConversationTimeout = goerr.New("conversation timeout")
	ErrRoundLimitExceeded  = goerr.New("tool round limit exceeded")
	ErrModelUnavailable    = goerr.New("chat model unavailable")
)

// EmbeddingFailure reports a single record that could not be embedded. Batches continue past it.
type EmbeddingFailure struct {
	Ref    Ref
	Reason string
	Err    error
}

func (f *EmbeddingFailure) Error() string {
	return "embedding failed for " + f.Ref.String() + ": " + f.Reason
}

func (f *EmbeddingFailure) Unwrap() []error {
	if f.Err == nil {
		return []error{ErrEmbeddingFailed}
	}
	return []error{ErrEmbeddingFailed, f.Err}
}
