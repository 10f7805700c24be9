package types

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================
//
// The selector's error path depends on being able to tell "no match" apart
// from "could not evaluate". These sentinels are the only error kinds that
// cross package boundaries below the selector; everything else is wrapped.

var (
	// ErrEmbeddingUnavailable means the embedding provider timed out or
	// failed. The matcher returns this instead of an empty result set.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrKnowledgeStoreUnavailable means the store snapshot could not be
	// read or refreshed.
	ErrKnowledgeStoreUnavailable = errors.New("knowledge store unavailable")

	// ErrMalformedQuery means the query text is empty or over-length. It is
	// surfaced to the caller as a validation failure, never retried.
	ErrMalformedQuery = errors.New("malformed query")
)

// MaxQueryLength bounds the accepted query text.
const MaxQueryLength = 4000

// ValidateQuery rejects empty or over-length query text before matching.
func ValidateQuery(text string) error {
	if text == "" {
		return fmt.Errorf("%w: empty text", ErrMalformedQuery)
	}
	if len(text) > MaxQueryLength {
		return fmt.Errorf("%w: text exceeds %d bytes", ErrMalformedQuery, MaxQueryLength)
	}
	return nil
}
