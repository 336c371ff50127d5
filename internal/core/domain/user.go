package domain

import "time"

type UserID string
type ConnectionID string

func (id UserID) String() string { return string(id) }
func (id ConnectionID) String() string { return string(id) }

// UserIdentity is the presence view of a user. Online is derived from
// registry membership and is never stored.
type UserIdentity struct {
	UserID      UserID `json:"userId"`
	DisplayName string `json:"displayName"`
	Online      bool   `json:"online"`
}

// Binding ties a registered user to the connection that registered it.
type Binding struct {
	UserID       UserID
	DisplayName  string
	ConnectionID ConnectionID
	RegisteredAt time.Time
}

func (b Binding) Identity() UserIdentity {
	return UserIdentity{
		UserID:      b.UserID,
		DisplayName: b.DisplayName,
		Online:      true,
	}
}
