package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"visiocall/internal/core/domain"
	"visiocall/internal/core/ports"
	"visiocall/pkg/config"
	"visiocall/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var errNoPeerConnection = errors.New("no peer connection for remote user")

// Config holds the peer connection settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	Audio bool
	Video bool
}

func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.Audio = true
	c.Video = true
	return c
}

// PeerNegotiator owns the single peer connection of a call endpoint. The
// caller side creates the offer; the callee side answers. ICE candidates
// are trickled through the signaling transport in both directions.
type PeerNegotiator struct {
	cfg       Config
	api       *webrtc.API
	transport ports.NegotiationTransport

	// accepts reports whether negotiation from remote belongs to the
	// current call. Nil accepts everything.
	accepts     func(remote domain.UserID) bool
	onConnected func(ctx context.Context) error

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	remote  domain.UserID
	pending []webrtc.ICECandidateInit

	logger *zap.SugaredLogger
}

func NewPeerNegotiator(cfg Config, transport ports.NegotiationTransport, logger *zap.SugaredLogger) *PeerNegotiator {
	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max)
	}

	return &PeerNegotiator{
		cfg:       cfg,
		api:       webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		transport: transport,
		logger:    logger,
	}
}

// OnConnected registers the callback fired once the peer connection is up.
func (n *PeerNegotiator) OnConnected(fn func(ctx context.Context) error) {
	n.mu.Lock()
	n.onConnected = fn
	n.mu.Unlock()
}

// AcceptFrom installs the filter for inbound negotiation payloads.
func (n *PeerNegotiator) AcceptFrom(fn func(remote domain.UserID) bool) {
	n.mu.Lock()
	n.accepts = fn
	n.mu.Unlock()
}

// StartNegotiation creates the offer for remote.
func (n *PeerNegotiator) StartNegotiation(ctx context.Context, remote domain.UserID) error {
	ctx, span := tracing.TraceWebRTC(ctx, "create_offer", string(remote))
	defer span.End()

	n.mu.Lock()
	pc, err := n.peerConnectionLocked(remote)
	if err != nil {
		n.mu.Unlock()
		tracing.RecordError(ctx, err)
		return err
	}
	n.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}

	n.logger.Infow("sending offer", "remote_user_id", remote, "sdp_length", len(offer.SDP))
	return n.transport.SendOffer(ctx, remote, toDomainDescription(offer))
}

func (n *PeerNegotiator) HandleOffer(ctx context.Context, from domain.UserID, desc domain.SessionDescription) error {
	ctx, span := tracing.TraceWebRTC(ctx, "handle_offer", string(from))
	defer span.End()

	if !n.accepted(from) {
		n.logger.Debugw("offer outside current call ignored", "from", from)
		return nil
	}

	n.mu.Lock()
	pc, err := n.peerConnectionLocked(from)
	n.mu.Unlock()
	if err != nil {
		return err
	}

	if err := n.setRemote(pc, desc); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	n.logger.Infow("sending answer", "remote_user_id", from, "sdp_length", len(answer.SDP))
	return n.transport.SendAnswer(ctx, from, toDomainDescription(answer))
}

func (n *PeerNegotiator) HandleAnswer(ctx context.Context, from domain.UserID, desc domain.SessionDescription) error {
	ctx, span := tracing.TraceWebRTC(ctx, "handle_answer", string(from))
	defer span.End()

	n.mu.Lock()
	pc := n.pc
	remote := n.remote
	n.mu.Unlock()

	if pc == nil || remote != from {
		n.logger.Debugw("answer without matching offer ignored", "from", from)
		return nil
	}
	if err := n.setRemote(pc, desc); err != nil {
		tracing.RecordError(ctx, err)
		return err
	}
	return nil
}

// HandleCandidate applies a remote candidate, or holds it until the remote
// description is known.
func (n *PeerNegotiator) HandleCandidate(ctx context.Context, from domain.UserID, candidate domain.IceCandidate) error {
	if !n.accepted(from) {
		return nil
	}

	init := toICECandidateInit(candidate)

	n.mu.Lock()
	if n.remote != "" && n.remote != from {
		n.mu.Unlock()
		return nil
	}
	if n.pc == nil || n.pc.RemoteDescription() == nil {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return nil
	}
	pc := n.pc
	n.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// Teardown closes the peer connection. Safe to call repeatedly.
func (n *PeerNegotiator) Teardown(ctx context.Context) error {
	n.mu.Lock()
	pc := n.pc
	remote := n.remote
	n.pc = nil
	n.remote = ""
	n.pending = nil
	n.mu.Unlock()

	if pc == nil {
		return nil
	}
	_, span := tracing.TraceWebRTC(ctx, "teardown", string(remote))
	defer span.End()

	n.logger.Infow("closing peer connection", "remote_user_id", remote)
	return pc.Close()
}

// ConnectionState reports the current peer connection state.
func (n *PeerNegotiator) ConnectionState() webrtc.PeerConnectionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return n.pc.ConnectionState()
}

func (n *PeerNegotiator) accepted(from domain.UserID) bool {
	n.mu.Lock()
	accepts := n.accepts
	n.mu.Unlock()
	return accepts == nil || accepts(from)
}

func (n *PeerNegotiator) setRemote(pc *webrtc.PeerConnection, desc domain.SessionDescription) error {
	sdp := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	n.mu.Lock()
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := pc.AddICECandidate(c); err != nil {
			n.logger.Warnw("dropping buffered candidate", "error", err)
		}
	}
	return nil
}

// peerConnectionLocked returns the connection for remote, creating it on
// first use. A connection for another remote is replaced.
func (n *PeerNegotiator) peerConnectionLocked(remote domain.UserID) (*webrtc.PeerConnection, error) {
	if n.pc != nil && n.remote == remote {
		return n.pc, nil
	}
	if n.pc != nil {
		n.logger.Warnw("replacing peer connection", "old_remote", n.remote, "new_remote", remote)
		n.pc.Close()
		n.pending = nil
	}

	pc, err := n.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   n.cfg.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	if err := n.addLocalTracks(pc); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := n.transport.SendIceCandidate(context.Background(), remote, toDomainCandidate(c.ToJSON())); err != nil {
			n.logger.Warnw("failed to send ice candidate", "remote_user_id", remote, "error", err)
		}
	})
	pc.OnConnectionStateChange(n.handleConnectionState(pc, remote))

	n.pc = pc
	n.remote = remote
	return pc, nil
}

func (n *PeerNegotiator) addLocalTracks(pc *webrtc.PeerConnection) error {
	if n.cfg.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "visiocall")
		if err != nil {
			return err
		}
		if _, err := pc.AddTrack(audio); err != nil {
			return fmt.Errorf("add audio track: %w", err)
		}
	}
	if n.cfg.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "visiocall")
		if err != nil {
			return err
		}
		if _, err := pc.AddTrack(video); err != nil {
			return fmt.Errorf("add video track: %w", err)
		}
	}
	if !n.cfg.Audio && !n.cfg.Video {
		// Without any media section there is nothing to negotiate.
		if _, err := pc.CreateDataChannel("control", nil); err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
	}
	return nil
}

func (n *PeerNegotiator) handleConnectionState(pc *webrtc.PeerConnection, remote domain.UserID) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		n.logger.Infow("peer connection state changed", "remote_user_id", remote, "state", state.String())

		if state != webrtc.PeerConnectionStateConnected {
			return
		}

		n.mu.Lock()
		current := n.pc == pc
		onConnected := n.onConnected
		n.mu.Unlock()

		if current && onConnected != nil {
			if err := onConnected(context.Background()); err != nil {
				n.logger.Warnw("connected callback failed", "remote_user_id", remote, "error", err)
			}
		}
	}
}

func toDomainDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: d.Type.String(), SDP: d.SDP}
}

func toDomainCandidate(c webrtc.ICECandidateInit) domain.IceCandidate {
	out := domain.IceCandidate{Candidate: c.Candidate}
	if c.SDPMid != nil {
		out.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		out.SDPMLineIndex = int(*c.SDPMLineIndex)
	}
	return out
}

func toICECandidateInit(c domain.IceCandidate) webrtc.ICECandidateInit {
	mid := c.SDPMid
	index := uint16(c.SDPMLineIndex)
	return webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &index}
}
