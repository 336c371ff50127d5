package ports

import (
	"context"

	"visiocall/internal/core/domain"
)

// PresenceRegistry maps user ids to the live connection that registered them.
// All methods are safe for concurrent use.
type PresenceRegistry interface {
	// Register upserts the binding for userID. The previous binding, if any,
	// is returned so the caller can notify the displaced connection.
	Register(userID domain.UserID, displayName string, connID domain.ConnectionID) (previous domain.Binding, replaced bool)
	// UnregisterByConnection removes the binding owned by connID and returns it.
	UnregisterByConnection(connID domain.ConnectionID) (domain.Binding, bool)
	LookupConnection(userID domain.UserID) (domain.ConnectionID, bool)
	LookupUser(connID domain.ConnectionID) (domain.UserID, bool)
	Lookup(userID domain.UserID) (domain.Binding, bool)
	ListOnline() []domain.UserIdentity
	Bindings() []domain.Binding
	Count() int
}

// PresencePublisher mirrors presence changes to an external feed.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, identity domain.UserIdentity) error
}
