package negotiator

import (
	"context"
	"encoding/json"

	"github.com/skillheed/peerlink/internal/models"
)

// Description is a local or remote session description. Kind is KindOffer or
// KindAnswer; the SDP body is opaque to this package.
type Description struct {
	Kind models.PayloadKind
	SDP  string
}

// ConnectionState mirrors the coarse lifecycle of the underlying
// peer-connection capability.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// Terminal reports whether the capability can make no further progress.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionDisconnected || s == ConnectionFailed || s == ConnectionClosed
}

// PeerConnection is the negotiation engine the session orchestrates but does
// not reimplement: description construction, description application and
// candidate application are delegated wholesale. Callback registration must
// happen before negotiation starts; each On* setter is called exactly once.
type PeerConnection interface {
	ConstructOffer(ctx context.Context) (Description, error)
	ConstructAnswer(ctx context.Context) (Description, error)
	SetLocalDescription(desc Description) error
	SetRemoteDescription(desc Description) error
	// Rollback abandons the pending local description, returning the
	// capability to a state where a remote offer can be applied.
	Rollback() error
	AddICECandidate(candidate json.RawMessage) error
	Close() error

	OnICECandidate(fn func(candidate json.RawMessage))
	OnConnectionStateChange(fn func(state ConnectionState))
	OnDataChannelMessage(fn func(data []byte))
}

// Sender pushes outbound messages toward the relay coordinator. All sends
// are fire and forget: the session never waits for delivery confirmation,
// and a routing miss at the coordinator is silent by design.
type Sender interface {
	JoinRoom(roomID string) error
	Signal(to string, payload models.NegotiationPayload) error
	SendMediaChunk(chunk []byte) error
}
