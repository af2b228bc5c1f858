// Package audit writes decision records for state-mutating actions:
// run triggers, credential deactivations and run finalisation.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/procmon/internal/models"
)

// Store persists decision records.
type Store interface {
	WriteDecision(ctx context.Context, action, inputsHash, outcome, runID, details string) (*models.DecisionRecord, error)
}

// Writer writes decision records for audit trails.
type Writer struct {
	store Store
}

// NewWriter creates a new decision writer.
func NewWriter(s Store) *Writer {
	return &Writer{store: s}
}

// Record writes an entry. Inputs are hashed, never stored verbatim, so
// tokens passed by mistake do not leak into the table.
func (w *Writer) Record(ctx context.Context, action string, inputs interface{}, outcome, runID, details string) (*models.DecisionRecord, error) {
	return w.store.WriteDecision(ctx, action, hashInputs(inputs), outcome, runID, details)
}

// hashInputs creates a SHA256 hash of the inputs for reproducibility.
func hashInputs(inputs interface{}) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
