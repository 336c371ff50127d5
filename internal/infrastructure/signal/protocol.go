package signal

import (
	"encoding/json"
	"fmt"

	"visiocall/internal/core/domain"
	apperrors "visiocall/pkg/errors"
)

// Client to server methods.
const (
	MethodRegister         = "register"
	MethodInitiateCall     = "initiateCall"
	MethodRespondToCall    = "respondToCall"
	MethodEndCall          = "endCall"
	MethodSendOffer        = "sendOffer"
	MethodSendAnswer       = "sendAnswer"
	MethodSendIceCandidate = "sendIceCandidate"
	MethodGetOnlineUsers   = "getOnlineUsers"
)

const (
	frameResult = "result"
	frameError  = "error"
)

// Request is a client frame. ID is optional; requests carrying one get a
// result or error frame back.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type resultFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Payload any    `json:"payload"`
}

type errorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type eventFrame struct {
	Type    domain.EventType `json:"type"`
	From    domain.UserID    `json:"from,omitempty"`
	Payload any              `json:"payload,omitempty"`
}

// inboundFrame is the union of everything the server may send, as seen by
// the client.
type inboundFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    domain.UserID   `json:"from,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RegisterParams struct {
	UserID      domain.UserID `json:"userId"`
	DisplayName string        `json:"displayName"`
}

type InitiateCallParams struct {
	CalleeID domain.UserID `json:"calleeId"`
}

type RespondToCallParams struct {
	CallerID domain.UserID `json:"callerId"`
	Accepted bool          `json:"accepted"`
}

type EndCallParams struct {
	RemoteUserID domain.UserID `json:"remoteUserId"`
}

type DescriptionParams struct {
	TargetUserID domain.UserID             `json:"targetUserId"`
	Description  domain.SessionDescription `json:"description"`
}

type CandidateParams struct {
	TargetUserID domain.UserID       `json:"targetUserId"`
	Candidate    domain.IceCandidate `json:"candidate"`
}

// Wire shapes used only to check that required keys are present. Values
// are never inspected and the original object is forwarded as sent.
type wireDescription struct {
	Type *string `json:"type"`
	SDP  *string `json:"sdp"`
}

type wireCandidate struct {
	Candidate *string `json:"candidate"`
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "invalid payload", 400)
	}
	return nil
}

func requireTarget(id domain.UserID, field string) error {
	if id == "" {
		return apperrors.NewInvalidInputError(fmt.Sprintf("%s is required", field))
	}
	return nil
}

func decodeDescription(raw json.RawMessage) (DescriptionParams, error) {
	var wire struct {
		TargetUserID domain.UserID   `json:"targetUserId"`
		Description  json.RawMessage `json:"description"`
	}
	if err := decodeParams(raw, &wire); err != nil {
		return DescriptionParams{}, err
	}
	if err := requireTarget(wire.TargetUserID, "targetUserId"); err != nil {
		return DescriptionParams{}, err
	}

	var desc *wireDescription
	if err := decodeParams(wire.Description, &desc); err != nil {
		return DescriptionParams{}, err
	}
	if desc == nil || desc.Type == nil || desc.SDP == nil {
		return DescriptionParams{}, apperrors.NewInvalidInputError("description.type and description.sdp are required")
	}
	description := domain.SessionDescription{Type: *desc.Type, SDP: *desc.SDP}
	return DescriptionParams{
		TargetUserID: wire.TargetUserID,
		Description:  description.WithRaw(wire.Description),
	}, nil
}

func decodeCandidate(raw json.RawMessage) (CandidateParams, error) {
	var wire struct {
		TargetUserID domain.UserID   `json:"targetUserId"`
		Candidate    json.RawMessage `json:"candidate"`
	}
	if err := decodeParams(raw, &wire); err != nil {
		return CandidateParams{}, err
	}
	if err := requireTarget(wire.TargetUserID, "targetUserId"); err != nil {
		return CandidateParams{}, err
	}

	var cand *wireCandidate
	if err := decodeParams(wire.Candidate, &cand); err != nil {
		return CandidateParams{}, err
	}
	if cand == nil || cand.Candidate == nil {
		return CandidateParams{}, apperrors.NewInvalidInputError("candidate.candidate is required")
	}

	// Typed fields are informational; the relay forwards the raw object.
	var typed struct {
		SDPMid        *string `json:"sdpMid"`
		SDPMLineIndex *int    `json:"sdpMLineIndex"`
	}
	_ = json.Unmarshal(wire.Candidate, &typed)
	candidate := domain.IceCandidate{Candidate: *cand.Candidate}
	if typed.SDPMid != nil {
		candidate.SDPMid = *typed.SDPMid
	}
	if typed.SDPMLineIndex != nil {
		candidate.SDPMLineIndex = *typed.SDPMLineIndex
	}
	return CandidateParams{TargetUserID: wire.TargetUserID, Candidate: candidate.WithRaw(wire.Candidate)}, nil
}

func encodeEvent(event domain.Event) ([]byte, error) {
	return json.Marshal(eventFrame{Type: event.Type, From: event.From, Payload: event.Payload})
}

func encodeResult(id string, payload any) ([]byte, error) {
	if payload == nil {
		payload = struct{}{}
	}
	return json.Marshal(resultFrame{Type: frameResult, ID: id, Payload: payload})
}

func encodeError(id string, err error) []byte {
	frame := errorFrame{Type: frameError, ID: id, Code: string(apperrors.ErrCodeInternal), Message: err.Error()}
	if appErr := apperrors.GetAppError(err); appErr != nil {
		frame.Code = string(appErr.Code)
		frame.Message = appErr.Message
	}
	data, _ := json.Marshal(frame)
	return data
}

// decodeEvent turns a pushed frame into a typed domain event.
func decodeEvent(frame inboundFrame) (domain.Event, error) {
	event := domain.Event{Type: domain.EventType(frame.Type), From: frame.From}

	var payload any
	switch event.Type {
	case domain.EventIncomingCall:
		var p domain.CallRequest
		payload = &p
	case domain.EventCallResponseReceived:
		var p domain.CallResponsePayload
		payload = &p
	case domain.EventReceiveOffer, domain.EventReceiveAnswer:
		var p domain.SessionDescription
		payload = &p
	case domain.EventReceiveIceCandidate:
		var p domain.IceCandidate
		payload = &p
	case domain.EventUserStatusChanged:
		var p domain.UserIdentity
		payload = &p
	case domain.EventSessionReplaced:
		var p domain.SessionReplacedPayload
		payload = &p
	case domain.EventCallEnded:
		return event, nil
	default:
		return event, fmt.Errorf("unknown event type %q", frame.Type)
	}

	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, payload); err != nil {
			return event, fmt.Errorf("decode %s payload: %w", frame.Type, err)
		}
	}

	switch p := payload.(type) {
	case *domain.CallRequest:
		event.Payload = *p
	case *domain.CallResponsePayload:
		event.Payload = *p
	case *domain.SessionDescription:
		event.Payload = *p
	case *domain.IceCandidate:
		event.Payload = *p
	case *domain.UserIdentity:
		event.Payload = *p
	case *domain.SessionReplacedPayload:
		event.Payload = *p
	}
	return event, nil
}
