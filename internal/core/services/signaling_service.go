package services

import (
	"context"
	"fmt"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"
	"visiocall/pkg/validation"

	"go.uber.org/zap"
)

type SignalingConfig struct {
	// NotifyDisplaced pushes sessionReplaced to a connection whose binding
	// was taken over by a newer registration of the same user.
	NotifyDisplaced bool
}

type signalingService struct {
	registry   ports.PresenceRegistry
	dispatcher ports.EventDispatcher
	publisher  ports.PresencePublisher
	metrics    ports.SignalingMetrics
	cfg        SignalingConfig
	logger     *zap.SugaredLogger
}

func NewSignalingService(
	registry ports.PresenceRegistry,
	dispatcher ports.EventDispatcher,
	publisher ports.PresencePublisher,
	metrics ports.SignalingMetrics,
	cfg SignalingConfig,
	logger *zap.SugaredLogger,
) ports.SignalingService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &signalingService{
		registry:   registry,
		dispatcher: dispatcher,
		publisher:  publisher,
		metrics:    metrics,
		cfg:        cfg,
		logger:     logger,
	}
}

func (s *signalingService) Register(ctx context.Context, connID domain.ConnectionID, userID domain.UserID, displayName string) error {
	if err := validation.ValidateUserID(string(userID)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, err)
	}
	if err := validation.ValidateDisplayName(displayName); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidIdentity, err)
	}
	if displayName == "" {
		displayName = string(userID)
	}

	// Switching identity on one connection releases the old one first.
	if current, ok := s.registry.LookupUser(connID); ok && current != userID {
		if released, found := s.registry.UnregisterByConnection(connID); found {
			s.metrics.RecordUnregistration()
			s.announce(ctx, released.UserID, released.DisplayName, false, connID)
		}
	}

	previous, replaced := s.registry.Register(userID, displayName, connID)
	s.metrics.RecordRegistration(replaced)
	s.metrics.SetOnlineUsers(s.registry.Count())

	s.logger.Infow("user registered",
		"user_id", userID,
		"display_name", displayName,
		"connection_id", connID,
		"replaced", replaced,
	)

	if replaced && s.cfg.NotifyDisplaced {
		s.deliver(previous.ConnectionID, domain.Event{
			Type:    domain.EventSessionReplaced,
			From:    userID,
			Payload: domain.SessionReplacedPayload{UserID: userID},
		})
	}

	s.announce(ctx, userID, displayName, true, connID)
	return nil
}

func (s *signalingService) InitiateCall(ctx context.Context, connID domain.ConnectionID, calleeID domain.UserID) domain.CallResponse {
	caller, ok := s.sender(connID)
	if !ok {
		s.metrics.RecordCallAttempt("not_registered")
		s.logger.Debugw("call rejected, caller not registered", "connection_id", connID, "callee_id", calleeID)
		return domain.CallFailed(domain.ReasonNotRegistered)
	}

	calleeConn, ok := s.registry.LookupConnection(calleeID)
	if !ok {
		s.metrics.RecordCallAttempt("offline")
		s.logger.Debugw("call rejected, callee offline", "user_id", caller.UserID, "callee_id", calleeID)
		return domain.CallFailed(domain.ReasonTargetOffline)
	}

	callerName := caller.DisplayName
	if callerName == "" {
		callerName = string(caller.UserID)
	}

	s.deliver(calleeConn, domain.Event{
		Type: domain.EventIncomingCall,
		From: caller.UserID,
		Payload: domain.CallRequest{
			CallerID:   caller.UserID,
			CallerName: callerName,
			CalleeID:   calleeID,
		},
	})
	s.metrics.RecordCallAttempt("delivered")

	s.logger.Infow("call initiated",
		"user_id", caller.UserID,
		"callee_id", calleeID,
		"connection_id", connID,
	)
	return domain.CallSucceeded()
}

func (s *signalingService) RespondToCall(ctx context.Context, connID domain.ConnectionID, callerID domain.UserID, accepted bool) {
	s.Relay(ctx, connID, callerID, domain.EventCallResponseReceived, domain.CallResponsePayload{Accepted: accepted})
}

// EndCall only needs the remote to be online. A sender without a binding
// still ends the call; the event then carries no from.
func (s *signalingService) EndCall(ctx context.Context, connID domain.ConnectionID, remoteUserID domain.UserID) {
	from, _ := s.registry.LookupUser(connID)
	targetConn, ok := s.registry.LookupConnection(remoteUserID)
	if !ok {
		s.metrics.RecordDropped(domain.EventCallEnded)
		s.logger.Debugw("end call dropped, remote offline",
			"connection_id", connID,
			"target_user_id", remoteUserID,
		)
		return
	}

	delivered := s.deliver(targetConn, domain.Event{Type: domain.EventCallEnded, From: from})
	s.logger.Infow("call ended",
		"user_id", from,
		"target_user_id", remoteUserID,
		"connection_id", connID,
		"delivered", delivered,
	)
}

func (s *signalingService) GetOnlineUsers(ctx context.Context) []domain.UserIdentity {
	return s.registry.ListOnline()
}

// Disconnect runs the cleanup for a dropped transport. It must complete
// before the connection handle is discarded.
func (s *signalingService) Disconnect(ctx context.Context, connID domain.ConnectionID) {
	removed, found := s.registry.UnregisterByConnection(connID)
	if !found {
		s.logger.Debugw("unbound connection closed", "connection_id", connID)
		return
	}
	s.metrics.RecordUnregistration()
	s.metrics.SetOnlineUsers(s.registry.Count())

	s.logger.Infow("user disconnected",
		"user_id", removed.UserID,
		"connection_id", connID,
	)
	s.announce(ctx, removed.UserID, removed.DisplayName, false, connID)
}

// Relay drops events from unknown senders and to offline targets silently.
func (s *signalingService) Relay(ctx context.Context, connID domain.ConnectionID, target domain.UserID, eventType domain.EventType, payload any) bool {
	from, ok := s.registry.LookupUser(connID)
	if !ok {
		s.metrics.RecordDropped(eventType)
		s.logger.Debugw("relay dropped, sender not registered",
			"connection_id", connID,
			"event", eventType,
		)
		return false
	}
	targetConn, ok := s.registry.LookupConnection(target)
	if !ok {
		s.metrics.RecordDropped(eventType)
		s.logger.Debugw("relay dropped, target offline",
			"user_id", from,
			"target_user_id", target,
			"event", eventType,
		)
		return false
	}

	delivered := s.deliver(targetConn, domain.Event{Type: eventType, From: from, Payload: payload})
	s.logger.Debugw("event relayed",
		"user_id", from,
		"target_user_id", target,
		"event", eventType,
		"delivered", delivered,
	)
	return delivered
}

func (s *signalingService) sender(connID domain.ConnectionID) (domain.Binding, bool) {
	userID, ok := s.registry.LookupUser(connID)
	if !ok {
		return domain.Binding{}, false
	}
	b, ok := s.registry.Lookup(userID)
	if !ok || b.ConnectionID != connID {
		return domain.Binding{}, false
	}
	return b, true
}

// announce broadcasts a presence change to every bound connection except
// the one that caused it.
func (s *signalingService) announce(ctx context.Context, userID domain.UserID, displayName string, online bool, origin domain.ConnectionID) {
	identity := domain.UserIdentity{UserID: userID, DisplayName: displayName, Online: online}

	for _, b := range s.registry.Bindings() {
		if b.ConnectionID == origin {
			continue
		}
		s.deliver(b.ConnectionID, domain.Event{
			Type:    domain.EventUserStatusChanged,
			From:    userID,
			Payload: identity,
		})
	}

	if s.publisher != nil {
		if err := s.publisher.PublishPresence(ctx, identity); err != nil {
			s.logger.Warnw("failed to publish presence",
				"user_id", userID,
				"online", online,
				"error", err,
			)
		}
	}
}

func (s *signalingService) deliver(connID domain.ConnectionID, event domain.Event) bool {
	if s.dispatcher.Deliver(connID, event) {
		s.metrics.RecordRelayed(event.Type)
		return true
	}
	s.metrics.RecordDropped(event.Type)
	s.logger.Debugw("delivery dropped",
		"connection_id", connID,
		"event", event.Type,
	)
	return false
}

type noopMetrics struct{}

func (noopMetrics) RecordRegistration(bool) {}
func (noopMetrics) RecordUnregistration() {}
func (noopMetrics) SetOnlineUsers(int) {}
func (noopMetrics) RecordCallAttempt(string) {}
func (noopMetrics) RecordRelayed(domain.EventType) {}
func (noopMetrics) RecordDropped(domain.EventType) {}
