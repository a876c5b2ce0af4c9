// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxNameLen = 36

var (
	ErrNameTooLong = errors.New("display name too long")
	ErrNameEmpty   = errors.New("display name empty")
)

type IdentityID string

// Identity is the durable record issued by the identity provider.
// Immutable for the lifetime of a session.
type Identity struct {
	ID   IdentityID `json:"id"`
	Name string     `json:"name"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(name string) (Identity, error) {
	if len(name) == 0 {
		return Identity{}, ErrNameEmpty
	}
	if len(name) > MaxNameLen {
		return Identity{}, ErrNameTooLong
	}
	return Identity{ID: IdentityID(uuid.NewString()), Name: name}, nil
}
