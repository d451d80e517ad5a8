package embedding

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// Extract returns the canonical embeddable text of a record. It never fails; a record with no text yields "".
func Extract(e model.Entity) string {
	return e.EmbeddableText()
}

// ContentHash fingerprints the text an embedding was derived from. The model id takes part so that switching
// models makes every stored vector stale.
func ContentHash(text, modelID string) string {
	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}
