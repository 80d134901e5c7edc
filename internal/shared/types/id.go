package types

import (
	"github.com/google/uuid"
)

// ID is a UUID wrapper for type safety
type ID string

var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:ripple:cdr"))

// NewDeterministicID derives a UUID v5 from a kind and a name. The same
// pair always yields the same ID, so a retried journal append carries the
// ID of the first attempt.
func NewDeterministicID(kind, name string) ID {
	return ID(uuid.NewSHA1(namespace, []byte(kind+":"+name)).String())
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsZero checks if the ID is empty
func (id ID) IsZero() bool {
	return id == ""
}
