package services

import (
	"context"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"

	"go.uber.org/zap"
)

// negotiationService forwards offers, answers and candidates to the target
// user unchanged. Payload semantics belong to the media layer.
type negotiationService struct {
	signaling ports.SignalingService
	logger    *zap.SugaredLogger
}

func NewNegotiationService(signaling ports.SignalingService, logger *zap.SugaredLogger) ports.NegotiationService {
	return &negotiationService{
		signaling: signaling,
		logger:    logger,
	}
}

func (s *negotiationService) SendOffer(ctx context.Context, connID domain.ConnectionID, target domain.UserID, desc domain.SessionDescription) {
	if s.signaling.Relay(ctx, connID, target, domain.EventReceiveOffer, desc) {
		s.logger.Debugw("offer forwarded", "connection_id", connID, "target_user_id", target, "sdp_bytes", len(desc.SDP))
	}
}

func (s *negotiationService) SendAnswer(ctx context.Context, connID domain.ConnectionID, target domain.UserID, desc domain.SessionDescription) {
	if s.signaling.Relay(ctx, connID, target, domain.EventReceiveAnswer, desc) {
		s.logger.Debugw("answer forwarded", "connection_id", connID, "target_user_id", target, "sdp_bytes", len(desc.SDP))
	}
}

func (s *negotiationService) SendIceCandidate(ctx context.Context, connID domain.ConnectionID, target domain.UserID, candidate domain.IceCandidate) {
	s.signaling.Relay(ctx, connID, target, domain.EventReceiveIceCandidate, candidate)
}
