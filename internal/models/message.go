package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies a frame on the signaling transport.
type EventType string

const (
	EventWelcome    EventType = "welcome"
	EventJoinRoom   EventType = "join-room"
	EventUserJoined EventType = "user-joined"
	EventUserLeft   EventType = "user-left"
	EventSignal     EventType = "signal"
	EventStartEvent EventType = "start-event"
	EventError      EventType = "error"
)

// Frame is the envelope for every text message exchanged with the
// coordinator. Only the fields relevant to Type are populated.
type Frame struct {
	Type       EventType       `json:"type"`
	RoomID     string          `json:"roomId,omitempty"`
	EndpointID string          `json:"endpointId,omitempty"`
	To         string          `json:"to,omitempty"`
	From       string          `json:"from,omitempty"`
	Signal     json.RawMessage `json:"signal,omitempty"`
	StreamKey  string          `json:"streamKey,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// ErrMalformedPayload is returned when a signal body matches none of the
// recognized negotiation shapes.
var ErrMalformedPayload = errors.New("malformed negotiation payload")

// PayloadKind discriminates the variants of NegotiationPayload.
type PayloadKind int

const (
	KindOffer PayloadKind = iota + 1
	KindAnswer
	KindCandidate
)

func (k PayloadKind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindAnswer:
		return "answer"
	case KindCandidate:
		return "candidate"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// NegotiationPayload is the tagged union carried inside a signal envelope:
// exactly one of offer, answer or ICE candidate. The wire shape matches the
// browser convention: session descriptions serialize as {"type","sdp"},
// candidates as {"candidate":...} with the candidate body kept opaque.
type NegotiationPayload struct {
	Kind      PayloadKind
	SDP       string
	Candidate json.RawMessage
}

// Offer builds an offer payload.
func Offer(sdp string) NegotiationPayload {
	return NegotiationPayload{Kind: KindOffer, SDP: sdp}
}

// Answer builds an answer payload.
func Answer(sdp string) NegotiationPayload {
	return NegotiationPayload{Kind: KindAnswer, SDP: sdp}
}

// IceCandidate builds a candidate payload from an opaque candidate body.
func IceCandidate(candidate json.RawMessage) NegotiationPayload {
	return NegotiationPayload{Kind: KindCandidate, Candidate: candidate}
}

type sessionDescriptionJSON struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateJSON struct {
	Candidate json.RawMessage `json:"candidate"`
}

// MarshalJSON encodes the active variant.
func (p NegotiationPayload) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case KindOffer:
		return json.Marshal(sessionDescriptionJSON{Type: "offer", SDP: p.SDP})
	case KindAnswer:
		return json.Marshal(sessionDescriptionJSON{Type: "answer", SDP: p.SDP})
	case KindCandidate:
		return json.Marshal(candidateJSON{Candidate: p.Candidate})
	}
	return nil, fmt.Errorf("%w: no variant set", ErrMalformedPayload)
}

// UnmarshalJSON decodes a payload, requiring exactly one recognizable
// variant. Descriptions must carry a non-empty sdp; anything that is
// neither a description nor a candidate is rejected.
func (p *NegotiationPayload) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type      string          `json:"type"`
		SDP       string          `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch probe.Type {
	case "offer", "answer":
		if probe.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedPayload, probe.Type)
		}
		p.SDP = probe.SDP
		p.Candidate = nil
		if probe.Type == "offer" {
			p.Kind = KindOffer
		} else {
			p.Kind = KindAnswer
		}
		return nil
	case "":
		if len(probe.Candidate) == 0 || string(probe.Candidate) == "null" {
			return fmt.Errorf("%w: no recognized variant", ErrMalformedPayload)
		}
		p.Kind = KindCandidate
		p.SDP = ""
		p.Candidate = probe.Candidate
		return nil
	}
	return fmt.Errorf("%w: unknown description type %q", ErrMalformedPayload, probe.Type)
}

// SignalEnvelope is the unit of relay: a negotiation payload addressed to a
// single endpoint. On delivery the coordinator strips To and fills From.
type SignalEnvelope struct {
	To     string          `json:"to"`
	From   string          `json:"from"`
	Signal json.RawMessage `json:"signal"`
}

// Valid reports whether the envelope carries everything routing needs.
func (e SignalEnvelope) Valid() bool {
	return e.To != "" && len(e.Signal) != 0
}
