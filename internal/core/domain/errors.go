package domain

import "errors"

var (
	ErrStaleSession     = errors.New("stale call session")
	ErrInvalidState     = errors.New("invalid call state")
	ErrPermissionDenied = errors.New("media permissions not granted")
	ErrBusy             = errors.New("endpoint busy")
	ErrInvalidIdentity  = errors.New("invalid user identity")
	ErrInvalidPayload   = errors.New("invalid negotiation payload")
)

// Reasons carried by a failed CallResponse.
const (
	ReasonNotRegistered = "caller not registered"
	ReasonTargetOffline = "user is offline"
)
