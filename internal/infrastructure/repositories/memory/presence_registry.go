package memory

import (
	"sort"
	"time"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"

	"github.com/puzpuzpuz/xsync/v3"
)

// PresenceRegistry keeps both directions of the user/connection mapping in
// striped concurrent maps, so unrelated users never contend on one lock.
//
// Writers always lock byUser before byConn. Operations issued by a single
// connection are expected to be serialized by its reader loop.
type PresenceRegistry struct {
	byUser *xsync.MapOf[domain.UserID, domain.Binding]
	byConn *xsync.MapOf[domain.ConnectionID, domain.UserID]
	now    func() time.Time
}

func NewPresenceRegistry() ports.PresenceRegistry {
	return newPresenceRegistry(time.Now)
}

func newPresenceRegistry(now func() time.Time) *PresenceRegistry {
	return &PresenceRegistry{
		byUser: xsync.NewMapOf[domain.UserID, domain.Binding](),
		byConn: xsync.NewMapOf[domain.ConnectionID, domain.UserID](),
		now:    now,
	}
}

func (r *PresenceRegistry) Register(userID domain.UserID, displayName string, connID domain.ConnectionID) (domain.Binding, bool) {
	// A connection holds at most one user binding.
	if owner, ok := r.byConn.Load(connID); ok && owner != userID {
		r.UnregisterByConnection(connID)
	}

	var (
		previous domain.Binding
		replaced bool
	)
	r.byUser.Compute(userID, func(old domain.Binding, loaded bool) (domain.Binding, bool) {
		if loaded && old.ConnectionID != connID {
			previous, replaced = old, true
			r.byConn.Compute(old.ConnectionID, func(owner domain.UserID, ok bool) (domain.UserID, bool) {
				return owner, !ok || owner == userID
			})
		}
		r.byConn.Store(connID, userID)

		registeredAt := r.now()
		if loaded && old.ConnectionID == connID {
			registeredAt = old.RegisteredAt
		}
		return domain.Binding{
			UserID:       userID,
			DisplayName:  displayName,
			ConnectionID: connID,
			RegisteredAt: registeredAt,
		}, false
	})
	return previous, replaced
}

func (r *PresenceRegistry) UnregisterByConnection(connID domain.ConnectionID) (domain.Binding, bool) {
	userID, ok := r.byConn.Load(connID)
	if !ok {
		return domain.Binding{}, false
	}

	var (
		removed domain.Binding
		found   bool
	)
	r.byUser.Compute(userID, func(current domain.Binding, loaded bool) (domain.Binding, bool) {
		if !loaded || current.ConnectionID != connID {
			// Replaced by a newer connection; leave it alone.
			return current, !loaded
		}
		removed, found = current, true
		return current, true
	})
	r.byConn.Compute(connID, func(owner domain.UserID, loaded bool) (domain.UserID, bool) {
		return owner, !loaded || owner == userID
	})
	return removed, found
}

func (r *PresenceRegistry) LookupConnection(userID domain.UserID) (domain.ConnectionID, bool) {
	b, ok := r.byUser.Load(userID)
	if !ok {
		return "", false
	}
	return b.ConnectionID, true
}

func (r *PresenceRegistry) LookupUser(connID domain.ConnectionID) (domain.UserID, bool) {
	return r.byConn.Load(connID)
}

func (r *PresenceRegistry) Lookup(userID domain.UserID) (domain.Binding, bool) {
	return r.byUser.Load(userID)
}

func (r *PresenceRegistry) ListOnline() []domain.UserIdentity {
	bindings := r.Bindings()
	users := make([]domain.UserIdentity, 0, len(bindings))
	for _, b := range bindings {
		users = append(users, b.Identity())
	}
	return users
}

// Bindings returns a snapshot ordered by user id.
func (r *PresenceRegistry) Bindings() []domain.Binding {
	bindings := make([]domain.Binding, 0, r.byUser.Size())
	r.byUser.Range(func(_ domain.UserID, b domain.Binding) bool {
		bindings = append(bindings, b)
		return true
	})
	sort.Slice(bindings, func(i, j int) bool {
		return bindings[i].UserID < bindings[j].UserID
	})
	return bindings
}

func (r *PresenceRegistry) Count() int {
	return r.byUser.Size()
}
