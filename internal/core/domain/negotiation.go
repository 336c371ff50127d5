package domain

import "encoding/json"

// SessionDescription is an opaque SDP offer or answer. The relay never parses SDP.
//
// A description decoded from the wire keeps the sender's original JSON object
// and is encoded back verbatim, so keys the relay does not know survive.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`

	raw json.RawMessage
}

// WithRaw returns a copy of d that encodes as raw.
func (d SessionDescription) WithRaw(raw json.RawMessage) SessionDescription {
	d.raw = append(json.RawMessage(nil), raw...)
	return d
}

func (d SessionDescription) MarshalJSON() ([]byte, error) {
	if len(d.raw) > 0 {
		return d.raw, nil
	}
	type plain SessionDescription
	return json.Marshal(plain(d))
}

// IceCandidate is an opaque connectivity candidate. Like SessionDescription
// it is forwarded as the original object when one is attached, which keeps
// null or absent sdpMid/sdpMLineIndex and extra keys such as usernameFragment.
type IceCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`

	raw json.RawMessage
}

// WithRaw returns a copy of c that encodes as raw.
func (c IceCandidate) WithRaw(raw json.RawMessage) IceCandidate {
	c.raw = append(json.RawMessage(nil), raw...)
	return c
}

func (c IceCandidate) MarshalJSON() ([]byte, error) {
	if len(c.raw) > 0 {
		return c.raw, nil
	}
	type plain IceCandidate
	return json.Marshal(plain(c))
}
