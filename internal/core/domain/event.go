package domain

type EventType string

// Events pushed from the server to a client connection.
const (
	EventIncomingCall         EventType = "incomingCall"
	EventCallResponseReceived EventType = "callResponseReceived"
	EventCallEnded            EventType = "callEnded"
	EventReceiveOffer         EventType = "receiveOffer"
	EventReceiveAnswer        EventType = "receiveAnswer"
	EventReceiveIceCandidate  EventType = "receiveIceCandidate"
	EventUserStatusChanged    EventType = "userStatusChanged"
	EventSessionReplaced      EventType = "sessionReplaced"
)

// Event is a typed message addressed to a single connection.
type Event struct {
	Type    EventType
	From    UserID
	Payload any
}

type CallResponsePayload struct {
	Accepted bool `json:"accepted"`
}

type SessionReplacedPayload struct {
	UserID UserID `json:"userId"`
}
