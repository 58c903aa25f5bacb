// Package rtc adapts a pion/webrtc peer connection to the negotiation
// capability the session state machine drives.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/skillheed/peerlink/internal/models"
	"github.com/skillheed/peerlink/internal/negotiator"
)

// Config carries the ICE servers used for candidate gathering.
type Config struct {
	STUNServers []string
}

// Peer wraps a pion PeerConnection plus one pre-negotiated data channel.
// Using negotiated mode lets both sides create the channel independently,
// whichever of them ends up the offerer.
type Peer struct {
	conn        *webrtc.PeerConnection
	dataChannel *webrtc.DataChannel
}

var _ negotiator.PeerConnection = (*Peer)(nil)

// New builds a peer connection configured with the given STUN servers and
// a negotiated "dataChannel" channel.
func New(cfg Config) (*Peer, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUNServers))
	for i, stun := range cfg.STUNServers {
		ice[i] = webrtc.ICEServer{URLs: []string{"stun:" + stun}}
	}

	conn, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	negotiated := true
	id := uint16(0)
	dataChannel, err := conn.CreateDataChannel("dataChannel", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}

	return &Peer{conn: conn, dataChannel: dataChannel}, nil
}

func (p *Peer) ConstructOffer(ctx context.Context) (negotiator.Description, error) {
	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return negotiator.Description{}, err
	}
	return negotiator.Description{Kind: models.KindOffer, SDP: offer.SDP}, nil
}

func (p *Peer) ConstructAnswer(ctx context.Context) (negotiator.Description, error) {
	answer, err := p.conn.CreateAnswer(nil)
	if err != nil {
		return negotiator.Description{}, err
	}
	return negotiator.Description{Kind: models.KindAnswer, SDP: answer.SDP}, nil
}

func (p *Peer) SetLocalDescription(desc negotiator.Description) error {
	sdp, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return p.conn.SetLocalDescription(sdp)
}

func (p *Peer) SetRemoteDescription(desc negotiator.Description) error {
	sdp, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	return p.conn.SetRemoteDescription(sdp)
}

func (p *Peer) Rollback() error {
	return p.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

// AddICECandidate applies an opaque candidate body. Browsers send the full
// RTCIceCandidate JSON; some peers send just the candidate line as a string.
func (p *Peer) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil || init.Candidate == "" {
		var line string
		if err := json.Unmarshal(candidate, &line); err != nil {
			return fmt.Errorf("%w: unrecognized candidate shape", models.ErrMalformedPayload)
		}
		init = webrtc.ICECandidateInit{Candidate: line}
	}
	return p.conn.AddICECandidate(init)
}

func (p *Peer) Close() error {
	return p.conn.Close()
}

func (p *Peer) OnICECandidate(fn func(candidate json.RawMessage)) {
	p.conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Printf("Failed to marshal ICE candidate: %v", err)
			return
		}
		fn(data)
	})
}

func (p *Peer) OnConnectionStateChange(fn func(state negotiator.ConnectionState)) {
	p.conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapConnectionState(state))
	})
}

func mapConnectionState(state webrtc.PeerConnectionState) negotiator.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return negotiator.ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return negotiator.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiator.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiator.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiator.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiator.ConnectionClosed
	}
	return negotiator.ConnectionNew
}

func (p *Peer) OnDataChannelMessage(fn func(data []byte)) {
	p.dataChannel.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// OnRemoteTrack exposes incoming media tracks to the rendering collaborator.
func (p *Peer) OnRemoteTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	p.conn.OnTrack(fn)
}

// AttachTracks adds locally captured tracks to the connection. Capture
// itself belongs to the media collaborator, not this package.
func (p *Peer) AttachTracks(tracks []webrtc.TrackLocal) error {
	for _, track := range tracks {
		if _, err := p.conn.AddTrack(track); err != nil {
			return fmt.Errorf("attach track %s: %w", track.ID(), err)
		}
	}
	return nil
}

// SendData writes to the data channel once it is open.
func (p *Peer) SendData(data []byte) error {
	if p.dataChannel.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel not open (state %s)", p.dataChannel.ReadyState())
	}
	return p.dataChannel.Send(data)
}

func toSessionDescription(desc negotiator.Description) (webrtc.SessionDescription, error) {
	switch desc.Kind {
	case models.KindOffer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: desc.SDP}, nil
	case models.KindAnswer:
		return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}, nil
	}
	return webrtc.SessionDescription{}, fmt.Errorf("%w: %s is not a description", models.ErrMalformedPayload, desc.Kind)
}
