package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/skillheed/peerlink/internal/models"
)

// State is the position of a session in its negotiation lifecycle.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateWaitingForPeer
	StateOffering
	StateAnswering
	StateConnected
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateWaitingForPeer:
		return "waiting-for-peer"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether the session can make no further progress.
// Closed and Failed are absorbing.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// NegotiationError terminates a session: an unexpected payload for the
// current state, or a rejection from the underlying capability.
type NegotiationError struct {
	State   State
	Payload models.PayloadKind
	Err     error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("negotiation failed in state %s on %s: %v", e.State, e.Payload, e.Err)
	}
	return fmt.Sprintf("negotiation failed in state %s on %s", e.State, e.Payload)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// ErrNotConnected is returned when a media chunk is pushed before the
// session reached Connected.
var ErrNotConnected = errors.New("session not connected")

// Session drives one remote peer from no connection to media flowing. It
// owns the negotiation state machine; the peer-connection capability and
// the coordinator transport are collaborators it orchestrates.
//
// Events are handled one at a time: every handler takes the session lock,
// so no two transitions interleave. State observers must not call back
// into the session.
type Session struct {
	mu sync.Mutex

	localID string
	roomID  string
	// remoteID is empty until the remote peer is learned from a
	// user-joined notification or an incoming offer.
	remoteID string

	state State
	err   error

	// pendingICE buffers remote candidates that arrived before a remote
	// description was applied. Ordered, never dropped while the session
	// lives; flushed as soon as the remote description lands.
	pendingICE []json.RawMessage
	remoteSet  bool

	// localPending buffers locally gathered candidates until the remote
	// endpoint is known, mirroring the remote-side buffer.
	localPending []json.RawMessage

	pc      PeerConnection
	sender  Sender
	onState func(State)
}

// NewSession wires a session to its capability and transport. The session
// subscribes to the capability's events here, exactly once.
func NewSession(localID string, pc PeerConnection, sender Sender) *Session {
	s := &Session{
		localID: localID,
		state:   StateIdle,
		pc:      pc,
		sender:  sender,
		onState: func(State) {},
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnDataChannelMessage(func(data []byte) {
		log.Printf("Data channel message from %s: %d bytes", s.RemoteID(), len(data))
	})

	return s
}

// OnStateChange registers an observer for every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// RemoteID returns the remote endpoint ID, empty until a peer is known.
func (s *Session) RemoteID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// PendingCandidates reports how many remote candidates are buffered.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pendingICE)
}

func (s *Session) transition(next State) {
	s.state = next
	s.onState(next)
}

func (s *Session) fail(kind models.PayloadKind, err error) {
	s.err = &NegotiationError{State: s.state, Payload: kind, Err: err}
	log.Printf("Session %s->%s failed: %v", s.localID, s.remoteID, s.err)
	s.pc.Close()
	s.pendingICE = nil
	s.localPending = nil
	s.transition(StateFailed)
}

// JoinRoom asks the coordinator to add this endpoint to a room. The join is
// fire and forget; the session moves to WaitingForPeer as soon as the
// request is on the wire.
func (s *Session) JoinRoom(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("cannot join room in state %s", s.state)
	}
	s.roomID = roomID
	s.transition(StateJoining)

	if err := s.sender.JoinRoom(roomID); err != nil {
		s.fail(0, fmt.Errorf("join room %s: %w", roomID, err))
		return err
	}

	s.transition(StateWaitingForPeer)
	return nil
}

// HandleUserJoined reacts to another endpoint entering the room. Whoever
// observes the other side joining becomes the offerer: the joiner itself is
// never notified, so in the coordinator-mediated flow only one side offers.
func (s *Session) HandleUserJoined(ctx context.Context, remoteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateWaitingForPeer {
		log.Printf("Ignoring user-joined(%s) in state %s", remoteID, s.state)
		return
	}
	s.remoteID = remoteID

	offer, err := s.pc.ConstructOffer(ctx)
	if err != nil {
		s.fail(models.KindOffer, err)
		return
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.fail(models.KindOffer, err)
		return
	}

	s.transition(StateOffering)
	s.send(models.Offer(offer.SDP))
	s.flushLocalCandidates()
}

// HandleSignal dispatches a delivered envelope into the state machine.
func (s *Session) HandleSignal(ctx context.Context, from string, payload models.NegotiationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}

	switch payload.Kind {
	case models.KindOffer:
		s.handleOffer(ctx, from, payload.SDP)
	case models.KindAnswer:
		s.handleAnswer(from, payload.SDP)
	case models.KindCandidate:
		s.handleRemoteCandidate(payload.Candidate)
	default:
		s.fail(payload.Kind, models.ErrMalformedPayload)
	}
}

// handleOffer covers two cases: the normal answerer path, and glare. On
// glare the endpoint with the lexicographically smaller ID keeps its offer
// and ignores the rival; the larger one rolls its own offer back and
// answers.
func (s *Session) handleOffer(ctx context.Context, from, sdp string) {
	switch s.state {
	case StateWaitingForPeer:
		// Normal path: recipient becomes the answerer.

	case StateOffering:
		if s.localID < from {
			log.Printf("Glare: keeping own offer, ignoring offer from %s", from)
			return
		}
		log.Printf("Glare: yielding to offer from %s", from)
		if err := s.pc.Rollback(); err != nil {
			s.fail(models.KindOffer, err)
			return
		}

	default:
		s.fail(models.KindOffer, fmt.Errorf("offer not expected in state %s", s.state))
		return
	}

	s.remoteID = from
	if err := s.pc.SetRemoteDescription(Description{Kind: models.KindOffer, SDP: sdp}); err != nil {
		s.fail(models.KindOffer, err)
		return
	}
	s.remoteSet = true
	s.transition(StateAnswering)

	if !s.flushRemoteCandidates() {
		return
	}

	answer, err := s.pc.ConstructAnswer(ctx)
	if err != nil {
		s.fail(models.KindAnswer, err)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.fail(models.KindAnswer, err)
		return
	}

	s.send(models.Answer(answer.SDP))
	s.flushLocalCandidates()
	s.transition(StateConnected)
}

func (s *Session) handleAnswer(from, sdp string) {
	if s.state != StateOffering || from != s.remoteID {
		// An answer with no offer outstanding can never connect.
		s.fail(models.KindAnswer, fmt.Errorf("answer from %s not expected in state %s", from, s.state))
		return
	}

	if err := s.pc.SetRemoteDescription(Description{Kind: models.KindAnswer, SDP: sdp}); err != nil {
		s.fail(models.KindAnswer, err)
		return
	}
	s.remoteSet = true

	if !s.flushRemoteCandidates() {
		return
	}
	s.transition(StateConnected)
}

// handleRemoteCandidate applies a candidate immediately once a remote
// description is set; before that it is buffered in arrival order.
// Candidates racing ahead of the offer/answer exchange are an inherent
// hazard of asynchronous delivery and must never be dropped.
func (s *Session) handleRemoteCandidate(candidate json.RawMessage) {
	if !s.remoteSet {
		s.pendingICE = append(s.pendingICE, candidate)
		return
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		s.fail(models.KindCandidate, err)
	}
}

// flushRemoteCandidates applies the buffered queue in arrival order and
// clears it. Reports false if the session failed mid-flush.
func (s *Session) flushRemoteCandidates() bool {
	for i, candidate := range s.pendingICE {
		if err := s.pc.AddICECandidate(candidate); err != nil {
			s.pendingICE = s.pendingICE[i:]
			s.fail(models.KindCandidate, err)
			return false
		}
	}
	s.pendingICE = nil
	return true
}

// handleLocalCandidate forwards capability-gathered candidates to the
// remote endpoint, buffering them while the remote is still unknown.
func (s *Session) handleLocalCandidate(candidate json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	if s.remoteID == "" {
		s.localPending = append(s.localPending, candidate)
		return
	}
	s.send(models.IceCandidate(candidate))
}

func (s *Session) flushLocalCandidates() {
	for _, candidate := range s.localPending {
		s.send(models.IceCandidate(candidate))
	}
	s.localPending = nil
}

func (s *Session) handleConnectionState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || !state.Terminal() {
		return
	}
	log.Printf("Capability reported %s, closing session %s->%s", state, s.localID, s.remoteID)
	s.closeLocked()
}

// HandleUserLeft tears the session down when its remote peer departs.
func (s *Session) HandleUserLeft(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() || endpointID != s.remoteID {
		return
	}
	s.closeLocked()
}

// Close releases the capability and discards buffered candidates. Closed is
// absorbing; closing twice is harmless.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.closeLocked()
}

func (s *Session) closeLocked() {
	s.pc.Close()
	s.pendingICE = nil
	s.localPending = nil
	s.transition(StateClosed)
}

// SendMediaChunk pushes an opaque chunk through the coordinator's degraded
// forwarding path. Only valid once Connected; carries no delivery guarantee
// beyond the underlying transport's.
func (s *Session) SendMediaChunk(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	return s.sender.SendMediaChunk(chunk)
}

// send relays a payload to the remote endpoint, fire and forget. Transport
// errors are logged, not surfaced: best-effort signaling never fails the
// sender.
func (s *Session) send(payload models.NegotiationPayload) {
	if err := s.sender.Signal(s.remoteID, payload); err != nil {
		log.Printf("Failed to send %s to %s: %v", payload.Kind, s.remoteID, err)
	}
}
