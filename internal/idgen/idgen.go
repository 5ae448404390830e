// Package idgen provides the IDGen collaborator: opaque string id
// generation for games, members, chapters, actions, and messages.
package idgen

import "github.com/google/uuid"

// IDGen mints opaque string identifiers.
type IDGen interface {
	New() string
}

// UUIDGen generates RFC 4122 v4 ids via google/uuid.
type UUIDGen struct{}

func (UUIDGen) New() string { return uuid.NewString() }
