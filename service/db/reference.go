package db

import "github.com/google/uuid"

// NewReferenceCode returns a fresh client-side reference code for a transfer
// record. Callers may supply their own codes instead; this is the default
// format the engine generates when the front-end does not.
func NewReferenceCode() string {
	return "REF-" + uuid.NewString()
}
