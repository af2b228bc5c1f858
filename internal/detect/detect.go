// Package detect normalizes process status payloads and decides whether a
// freshly fetched status differs from the last known snapshot.
package detect

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/fentz26/procmon/internal/models"
)

// Kind is the result of comparing a fetch against the last snapshot.
type Kind int

const (
	Unchanged Kind = iota
	Changed
	FirstObservation
)

func (k Kind) String() string {
	switch k {
	case Unchanged:
		return "unchanged"
	case Changed:
		return "changed"
	case FirstObservation:
		return "first_observation"
	default:
		return "unknown"
	}
}

// ProcessStatus is a normalized status as returned by the process client.
type ProcessStatus struct {
	Text string `json:"text"`
	Hash string `json:"hash"`
}

// Outcome carries the detection result. OldText is empty for FirstObservation.
type Outcome struct {
	Kind    Kind
	OldText string
	NewText string
	NewHash string
}

// Field is one labelled part of a status payload.
type Field struct {
	Label string
	Value string
}

// NewStatus builds a ProcessStatus from labelled fields. Empty values are
// dropped so that an absent optional field and an empty one hash the same.
func NewStatus(fields ...Field) ProcessStatus {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		v := collapse(f.Value)
		if v == "" {
			continue
		}
		if f.Label == "" {
			parts = append(parts, v)
			continue
		}
		parts = append(parts, f.Label+": "+v)
	}
	text := strings.Join(parts, "; ")
	return ProcessStatus{Text: text, Hash: Hash(text)}
}

// Normalize folds whitespace runs to a single space, trims and lower-cases.
func Normalize(text string) string {
	return strings.ToLower(collapse(text))
}

// Hash returns the hex SHA-256 of the normalized text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Detect compares a fresh status with the last snapshot (nil if none).
func Detect(status ProcessStatus, last *models.ProcessSnapshot) Outcome {
	out := Outcome{NewText: status.Text, NewHash: status.Hash}
	switch {
	case last == nil:
		out.Kind = FirstObservation
	case last.StatusHash == status.Hash:
		out.Kind = Unchanged
		out.OldText = last.StatusText
	default:
		out.Kind = Changed
		out.OldText = last.StatusText
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
