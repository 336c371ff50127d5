package domain

import "time"

type CallState int

const (
	CallStateIdle CallState = iota
	CallStateCalling
	CallStateRinging
	CallStateConnecting
	CallStateConnected
	CallStateEnded
)

func (s CallState) String() string {
	switch s {
	case CallStateIdle:
		return "idle"
	case CallStateCalling:
		return "calling"
	case CallStateRinging:
		return "ringing"
	case CallStateConnecting:
		return "connecting"
	case CallStateConnected:
		return "connected"
	case CallStateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Live reports whether the state belongs to an in-progress call.
func (s CallState) Live() bool {
	return s >= CallStateCalling && s <= CallStateConnected
}

type CallRole string

const (
	RoleCaller CallRole = "caller"
	RoleCallee CallRole = "callee"
)

// CallSession is either IdleSession or ActiveSession. The remote party only
// exists on the active variant.
type CallSession interface {
	State() CallState
	isCallSession()
}

type IdleSession struct{}

func (IdleSession) State() CallState { return CallStateIdle }
func (IdleSession) isCallSession() {}

type ActiveSession struct {
	RemoteUserID UserID
	RemoteName   string
	Role         CallRole
	CallState    CallState
	StartedAt    time.Time
	ConnectedAt  time.Time
}

func (s ActiveSession) State() CallState { return s.CallState }
func (ActiveSession) isCallSession() {}

// CallRequest is delivered to the callee as the incomingCall event.
type CallRequest struct {
	CallerID   UserID `json:"callerId"`
	CallerName string `json:"callerName"`
	CalleeID   UserID `json:"calleeId"`
}

// CallResponse is returned to the caller of initiateCall. A failed response
// always carries a human readable reason.
type CallResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

func CallSucceeded() CallResponse { return CallResponse{Success: true} }

func CallFailed(reason string) CallResponse {
	return CallResponse{Success: false, Reason: reason}
}
