package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/skillheed/peerlink/internal/models"
)

// fakeCapability records every call the session makes and lets tests fire
// capability events by invoking the registered callbacks directly.
type fakeCapability struct {
	name string

	localDesc  *Description
	remoteDesc *Description
	applied    []string // remote candidates, in application order
	rolledBack bool
	closed     bool
	offerErr   error
	answerErr  error
	setRemote  error
	candidate  error

	onICE   func(json.RawMessage)
	onState func(ConnectionState)
	onData  func([]byte)
}

func (f *fakeCapability) ConstructOffer(ctx context.Context) (Description, error) {
	if f.offerErr != nil {
		return Description{}, f.offerErr
	}
	return Description{Kind: models.KindOffer, SDP: "sdp-offer-" + f.name}, nil
}

func (f *fakeCapability) ConstructAnswer(ctx context.Context) (Description, error) {
	if f.answerErr != nil {
		return Description{}, f.answerErr
	}
	return Description{Kind: models.KindAnswer, SDP: "sdp-answer-" + f.name}, nil
}

func (f *fakeCapability) SetLocalDescription(desc Description) error {
	f.localDesc = &desc
	return nil
}

func (f *fakeCapability) SetRemoteDescription(desc Description) error {
	if f.setRemote != nil {
		return f.setRemote
	}
	f.remoteDesc = &desc
	return nil
}

func (f *fakeCapability) Rollback() error {
	f.rolledBack = true
	f.localDesc = nil
	return nil
}

func (f *fakeCapability) AddICECandidate(candidate json.RawMessage) error {
	if f.candidate != nil {
		return f.candidate
	}
	f.applied = append(f.applied, string(candidate))
	return nil
}

func (f *fakeCapability) Close() error {
	f.closed = true
	return nil
}

func (f *fakeCapability) OnICECandidate(fn func(json.RawMessage)) { f.onICE = fn }

func (f *fakeCapability) OnConnectionStateChange(fn func(ConnectionState)) { f.onState = fn }

func (f *fakeCapability) OnDataChannelMessage(fn func([]byte)) { f.onData = fn }

type sentSignal struct {
	to      string
	payload models.NegotiationPayload
}

type fakeSender struct {
	joined  []string
	signals []sentSignal
	chunks  [][]byte
	joinErr error
}

func (f *fakeSender) JoinRoom(roomID string) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, roomID)
	return nil
}

func (f *fakeSender) Signal(to string, payload models.NegotiationPayload) error {
	f.signals = append(f.signals, sentSignal{to: to, payload: payload})
	return nil
}

func (f *fakeSender) SendMediaChunk(chunk []byte) error {
	f.chunks = append(f.chunks, chunk)
	return nil
}

func newTestSession(t *testing.T, id string) (*Session, *fakeCapability, *fakeSender) {
	t.Helper()
	pc := &fakeCapability{name: id}
	sender := &fakeSender{}
	return NewSession(id, pc, sender), pc, sender
}

func joinAndWait(t *testing.T, s *Session, room string) {
	t.Helper()
	if err := s.JoinRoom(room); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if got := s.State(); got != StateWaitingForPeer {
		t.Fatalf("expected waiting-for-peer after join, got %s", got)
	}
}

func candidate(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"candidate":"c%d"}`, n))
}

func TestJoinTransitions(t *testing.T) {
	s, _, sender := newTestSession(t, "ep-a")

	var states []State
	s.OnStateChange(func(st State) { states = append(states, st) })

	joinAndWait(t, s, "r1")

	if len(sender.joined) != 1 || sender.joined[0] != "r1" {
		t.Fatalf("expected join-room r1 sent, got %v", sender.joined)
	}
	if len(states) != 2 || states[0] != StateJoining || states[1] != StateWaitingForPeer {
		t.Fatalf("unexpected transition order %v", states)
	}

	if err := s.JoinRoom("r2"); err == nil {
		t.Fatalf("expected second join to be rejected")
	}
}

func TestJoinTransportFailureFailsSession(t *testing.T) {
	pc := &fakeCapability{name: "ep-a"}
	sender := &fakeSender{joinErr: errors.New("socket gone")}
	s := NewSession("ep-a", pc, sender)

	if err := s.JoinRoom("r1"); err == nil {
		t.Fatalf("expected join error")
	}
	if got := s.State(); got != StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if !pc.closed {
		t.Fatalf("expected capability released on failure")
	}
}

func TestObserverOfJoinBecomesOfferer(t *testing.T) {
	s, pc, sender := newTestSession(t, "ep-a")
	joinAndWait(t, s, "r1")

	s.HandleUserJoined(context.Background(), "ep-b")

	if got := s.State(); got != StateOffering {
		t.Fatalf("expected offering, got %s", got)
	}
	if pc.localDesc == nil || pc.localDesc.Kind != models.KindOffer {
		t.Fatalf("expected local offer stored, got %+v", pc.localDesc)
	}
	if len(sender.signals) != 1 {
		t.Fatalf("expected one signal sent, got %d", len(sender.signals))
	}
	sent := sender.signals[0]
	if sent.to != "ep-b" || sent.payload.Kind != models.KindOffer || sent.payload.SDP != "sdp-offer-ep-a" {
		t.Fatalf("unexpected offer envelope %+v", sent)
	}
}

func TestOfferRecipientAnswersAndConnects(t *testing.T) {
	s, pc, sender := newTestSession(t, "ep-b")
	joinAndWait(t, s, "r1")

	var states []State
	s.OnStateChange(func(st State) { states = append(states, st) })

	s.HandleSignal(context.Background(), "ep-a", models.Offer("sdp-offer-ep-a"))

	if got := s.State(); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if pc.remoteDesc == nil || pc.remoteDesc.SDP != "sdp-offer-ep-a" {
		t.Fatalf("offer not applied as remote description: %+v", pc.remoteDesc)
	}
	if len(states) != 2 || states[0] != StateAnswering || states[1] != StateConnected {
		t.Fatalf("expected answering then connected, got %v", states)
	}
	if len(sender.signals) != 1 || sender.signals[0].payload.Kind != models.KindAnswer {
		t.Fatalf("expected answer sent back, got %+v", sender.signals)
	}
	if sender.signals[0].to != "ep-a" {
		t.Fatalf("answer addressed to %q, want ep-a", sender.signals[0].to)
	}
}

func TestOffererConnectsOnAnswer(t *testing.T) {
	s, pc, _ := newTestSession(t, "ep-a")
	joinAndWait(t, s, "r1")
	s.HandleUserJoined(context.Background(), "ep-b")

	s.HandleSignal(context.Background(), "ep-b", models.Answer("sdp-answer-ep-b"))

	if got := s.State(); got != StateConnected {
		t.Fatalf("expected connected, got %s", got)
	}
	if pc.remoteDesc == nil || pc.remoteDesc.Kind != models.KindAnswer {
		t.Fatalf("answer not applied: %+v", pc.remoteDesc)
	}
}

func TestFullHandshakeScenario(t *testing.T) {
	// Endpoint A joins r1, B joins r1, A hears user-joined(B), offers;
	// B answers; both sessions reach Connected.
	a, _, aSender := newTestSession(t, "ep-a")
	b, _, bSender := newTestSession(t, "ep-b")
	ctx := context.Background()

	joinAndWait(t, a, "r1")
	joinAndWait(t, b, "r1")

	a.HandleUserJoined(ctx, "ep-b")
	offer := aSender.signals[0]
	b.HandleSignal(ctx, "ep-a", offer.payload)
	answer := bSender.signals[0]
	a.HandleSignal(ctx, "ep-b", answer.payload)

	if got := a.State(); got != StateConnected {
		t.Fatalf("offerer state = %s, want connected", got)
	}
	if got := b.State(); got != StateConnected {
		t.Fatalf("answerer state = %s, want connected", got)
	}
}

func TestAnswerWithoutOfferFails(t *testing.T) {
	s, pc, _ := newTestSession(t, "ep-b")
	joinAndWait(t, s, "r1")

	s.HandleSignal(context.Background(), "ep-a", models.Answer("sdp-answer"))

	if got := s.State(); got != StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	var negErr *NegotiationError
	if !errors.As(s.Err(), &negErr) {
		t.Fatalf("expected NegotiationError, got %v", s.Err())
	}
	if !pc.closed {
		t.Fatalf("expected capability released")
	}

	// Failed is absorbing: a late offer changes nothing.
	s.HandleSignal(context.Background(), "ep-a", models.Offer("sdp"))
	if got := s.State(); got != StateFailed {
		t.Fatalf("failed state not absorbing, got %s", got)
	}
}

func TestEarlyCandidatesBufferedAndFlushedInOrder(t *testing.T) {
	s, pc, _ := newTestSession(t, "ep-b")
	joinAndWait(t, s, "r1")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s.HandleSignal(ctx, "ep-a", models.IceCandidate(candidate(i)))
	}
	if got := s.PendingCandidates(); got != 3 {
		t.Fatalf("expected 3 buffered candidates, got %d", got)
	}
	if len(pc.applied) != 0 {
		t.Fatalf("candidates applied before remote description: %v", pc.applied)
	}

	s.HandleSignal(ctx, "ep-a", models.Offer("sdp-offer-ep-a"))

	want := []string{string(candidate(1)), string(candidate(2)), string(candidate(3))}
	if len(pc.applied) != len(want) {
		t.Fatalf("expected %d applied candidates, got %v", len(want), pc.applied)
	}
	for i := range want {
		if pc.applied[i] != want[i] {
			t.Fatalf("candidate order broken at %d: got %v", i, pc.applied)
		}
	}
	if got := s.PendingCandidates(); got != 0 {
		t.Fatalf("queue not cleared, %d left", got)
	}
}

func TestCandidateAfterRemoteDescriptionAppliesImmediately(t *testing.T) {
	s, pc, _ := newTestSession(t, "ep-b")
	joinAndWait(t, s, "r1")
	ctx := context.Background()

	s.HandleSignal(ctx, "ep-a", models.Offer("sdp-offer-ep-a"))
	s.HandleSignal(ctx, "ep-a", models.IceCandidate(candidate(9)))

	if len(pc.applied) != 1 || pc.applied[0] != string(candidate(9)) {
		t.Fatalf("expected immediate application, got %v", pc.applied)
	}
}

func TestCapabilityRejectionFailsSession(t *testing.T) {
	s, pc, _ := newTestSession(t, "ep-b")
	pc.setRemote = errors.New("bad sdp")
	joinAndWait(t, s, "r1")

	s.HandleSignal(context.Background(), "ep-a", models.Offer("garbage"))

	if got := s.State(); got != StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	if !pc.closed {
		t.Fatalf("expected capability released")
	}
}

func TestGlareSmallerIDKeepsOffer(t *testing.T) {
	s, pc, sender := newTestSession(t, "ep-a")
	joinAndWait(t, s, "r1")
	s.HandleUserJoined(context.Background(), "ep-b")

	s.HandleSignal(context.Background(), "ep-b", models.Offer("rival"))

	if got := s.State(); got != StateOffering {
		t.Fatalf("smaller ID should stay offerer, got %s", got)
	}
	if pc.rolledBack {
		t.Fatalf("smaller ID must not roll back")
	}
	if len(sender.signals) != 1 {
		t.Fatalf("no extra signals expected, got %d", len(sender.signals))
	}
}

func TestGlareLargerIDYieldsAndAnswers(t *testing.T) {
	s, pc, sender := newTestSession(t, "ep-b")
	joinAndWait(t, s, "r1")
	s.HandleUserJoined(context.Background(), "ep-a")

	s.HandleSignal(context.Background(), "ep-a", models.Offer("rival"))

	if !pc.rolledBack {
		t.Fatalf("larger ID should roll back its offer")
	}
	if got := s.State(); got != StateConnected {
		t.Fatalf("expected connected after yielding, got %s", got)
	}
	last := sender.signals[len(sender.signals)-1]
	if last.payload.Kind != models.KindAnswer {
		t.Fatalf("expected answer after yielding, got %s", last.payload.Kind)
	}
}

func TestLocalCandidatesBufferedUntilRemoteKnown(t *testing.T) {
	s, pc, sender := newTestSession(t, "ep-a")
	joinAndWait(t, s, "r1")

	pc.onICE(candidate(1))
	pc.onICE(candidate(2))
	if len(sender.signals) != 0 {
		t.Fatalf("candidates sent before remote known: %+v", sender.signals)
	}

	s.HandleUserJoined(context.Background(), "ep-b")

	// Offer first, then the buffered candidates in gathering order.
	if len(sender.signals) != 3 {
		t.Fatalf("expected offer plus 2 candidates, got %d", len(sender.signals))
	}
	if sender.signals[1].payload.Kind != models.KindCandidate || string(sender.signals[1].payload.Candidate) != string(candidate(1)) {
		t.Fatalf("unexpected first flushed candidate %+v", sender.signals[1])
	}
	if string(sender.signals[2].payload.Candidate) != string(candidate(2)) {
		t.Fatalf("unexpected second flushed candidate %+v", sender.signals[2])
	}
}

func TestRemotePeerLeavingClosesSession(t *testing.T) {
	s, pc, _ := newTestSession(t, "ep-a")
	joinAndWait(t, s, "r1")
	s.HandleUserJoined(context.Background(), "ep-b")

	s.HandleUserLeft("ep-c") // someone else, ignored
	if got := s.State(); got != StateOffering {
		t.Fatalf("unrelated departure must not close the session, got %s", got)
	}

	s.HandleUserLeft("ep-b")
	if got := s.State(); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
	if !pc.closed {
		t.Fatalf("expected capability released")
	}
}

func TestCapabilityDisconnectClosesSession(t *testing.T) {
	s, pc, _ := newTestSession(t, "ep-a")
	joinAndWait(t, s, "r1")
	s.HandleUserJoined(context.Background(), "ep-b")
	s.HandleSignal(context.Background(), "ep-b", models.Answer("sdp-answer-ep-b"))

	pc.onState(ConnectionDisconnected)

	if got := s.State(); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}

	// Closed is absorbing.
	s.HandleSignal(context.Background(), "ep-b", models.IceCandidate(candidate(1)))
	if got := s.PendingCandidates(); got != 0 {
		t.Fatalf("closed session must not buffer candidates")
	}
}

func TestMediaChunksOnlyWhenConnected(t *testing.T) {
	s, _, sender := newTestSession(t, "ep-a")
	joinAndWait(t, s, "r1")

	if err := s.SendMediaChunk([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	s.HandleUserJoined(context.Background(), "ep-b")
	s.HandleSignal(context.Background(), "ep-b", models.Answer("sdp-answer-ep-b"))

	if err := s.SendMediaChunk([]byte{1, 2, 3}); err != nil {
		t.Fatalf("SendMediaChunk failed: %v", err)
	}
	if len(sender.chunks) != 1 || len(sender.chunks[0]) != 3 {
		t.Fatalf("chunk not forwarded: %v", sender.chunks)
	}
}
