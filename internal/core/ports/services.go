package ports

import (
	"context"

	"visiocall/internal/core/domain"
)

// EventDispatcher pushes an event to a single connection. Delivery is
// fire-and-forget; false means the event was not queued.
type EventDispatcher interface {
	Deliver(connID domain.ConnectionID, event domain.Event) bool
}

// SignalingService is the server side entry point for every request a
// connection can issue.
type SignalingService interface {
	Register(ctx context.Context, connID domain.ConnectionID, userID domain.UserID, displayName string) error
	InitiateCall(ctx context.Context, connID domain.ConnectionID, calleeID domain.UserID) domain.CallResponse
	RespondToCall(ctx context.Context, connID domain.ConnectionID, callerID domain.UserID, accepted bool)
	EndCall(ctx context.Context, connID domain.ConnectionID, remoteUserID domain.UserID)
	GetOnlineUsers(ctx context.Context) []domain.UserIdentity
	Disconnect(ctx context.Context, connID domain.ConnectionID)
	// Relay delivers a fire-and-forget event from the user bound to connID
	// to target. It reports whether the event was queued.
	Relay(ctx context.Context, connID domain.ConnectionID, target domain.UserID, eventType domain.EventType, payload any) bool
}

// NegotiationService forwards opaque negotiation payloads.
type NegotiationService interface {
	SendOffer(ctx context.Context, connID domain.ConnectionID, target domain.UserID, desc domain.SessionDescription)
	SendAnswer(ctx context.Context, connID domain.ConnectionID, target domain.UserID, desc domain.SessionDescription)
	SendIceCandidate(ctx context.Context, connID domain.ConnectionID, target domain.UserID, candidate domain.IceCandidate)
}

// CallTransport is what an endpoint orchestrator needs from its signaling
// connection.
type CallTransport interface {
	InitiateCall(ctx context.Context, calleeID domain.UserID) (domain.CallResponse, error)
	RespondToCall(ctx context.Context, callerID domain.UserID, accepted bool) error
	EndCall(ctx context.Context, remoteUserID domain.UserID) error
}

// NegotiationTransport carries locally produced negotiation payloads to the peer.
type NegotiationTransport interface {
	SendOffer(ctx context.Context, target domain.UserID, desc domain.SessionDescription) error
	SendAnswer(ctx context.Context, target domain.UserID, desc domain.SessionDescription) error
	SendIceCandidate(ctx context.Context, target domain.UserID, candidate domain.IceCandidate) error
}

// MediaNegotiator is the peer-connection layer driven by the orchestrator.
type MediaNegotiator interface {
	// StartNegotiation creates the local offer for remote. Called on the
	// caller side when the call enters Connecting.
	StartNegotiation(ctx context.Context, remote domain.UserID) error
	// Teardown releases the peer connection. Called when the call ends.
	Teardown(ctx context.Context) error
}

// PermissionGranter grants the capture permissions a call needs.
type PermissionGranter interface {
	RequestPermissions(ctx context.Context) (bool, error)
}

// SignalingMetrics records relay activity.
type SignalingMetrics interface {
	RecordRegistration(replaced bool)
	RecordUnregistration()
	SetOnlineUsers(n int)
	RecordCallAttempt(result string)
	RecordRelayed(event domain.EventType)
	RecordDropped(event domain.EventType)
}
