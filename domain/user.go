// Package domain contains core concepts of the engine.
// This file defines User entities and their connection state.
// No event, storage, or extension logic should be added here.
package domain

// User is identified by its ID; two users sharing an ID are the same
// entity. Connected is mutated only by the engine connect/disconnect
// operations.
type User struct {
	ID        string
	Username  string
	Metadata  map[string]string
	Connected bool
}

func NewUser(id, username string, metadata map[string]string) *User {
	if metadata == nil {
		metadata = make(map[string]string)
	}
	return &User{
		ID:       id,
		Username: username,
		Metadata: metadata,
	}
}

// Clone returns a detached copy, safe to hand to event subscribers
// while the engine keeps mutating the original.
func (u *User) Clone() *User {
	metadata := make(map[string]string, len(u.Metadata))
	for k, v := range u.Metadata {
		metadata[k] = v
	}
	return &User{
		ID:        u.ID,
		Username:  u.Username,
		Metadata:  metadata,
		Connected: u.Connected,
	}
}
