package relay

import (
	"context"
	"encoding/json"
	"log"

	"github.com/skillheed/peerlink/internal/models"
)

// Hub routes signaling frames between connected endpoints. All room and
// endpoint state is owned by the single goroutine running Run, so a join's
// membership mutation and its user-joined broadcast are atomic with respect
// to every other event. The hub never interprets negotiation payloads; it
// only routes them.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	frames     chan inboundFrame
	chunks     chan inboundChunk

	// rooms maps roomID -> endpointID -> client. endpoints indexes every
	// connected client, roomless ones included.
	rooms     map[string]map[string]*Client
	endpoints map[string]*Client

	// Optional hooks, invoked from the hub goroutine. Used by the HTTP
	// layer to mirror membership into Redis; nil hooks are skipped.
	OnJoin       func(roomID, endpointID string)
	OnLeave      func(roomID, endpointID string)
	OnStartEvent func(roomID, streamKey string)
}

type inboundFrame struct {
	client *Client
	frame  models.Frame
}

type inboundChunk struct {
	client *Client
	data   []byte
}

// NewHub creates a hub with empty routing state.
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		frames:     make(chan inboundFrame),
		chunks:     make(chan inboundChunk),
		rooms:      make(map[string]map[string]*Client),
		endpoints:  make(map[string]*Client),
	}
}

// Run processes events one at a time until ctx is cancelled. All rooms are
// empty on every start; nothing is persisted across restarts.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case in := <-h.frames:
			h.handleFrame(in.client, in.frame)

		case in := <-h.chunks:
			h.forwardChunk(in.client, in.data)

		case <-ctx.Done():
			return
		}
	}
}

// Attach registers the client and starts its read/write pumps.
func (h *Hub) Attach(client *Client) {
	h.register <- client
	go client.writePump()
	go client.readPump()
}

func (h *Hub) handleRegister(client *Client) {
	h.endpoints[client.ID] = client
	log.Printf("Endpoint %s connected", client.ID)

	client.enqueue(models.Frame{
		Type:       models.EventWelcome,
		EndpointID: client.ID,
	})
}

func (h *Hub) handleUnregister(client *Client) {
	if _, ok := h.endpoints[client.ID]; !ok {
		return
	}
	delete(h.endpoints, client.ID)

	if client.roomID != "" {
		h.leaveRoom(client)
	}

	close(client.send)
	log.Printf("Endpoint %s disconnected", client.ID)
}

func (h *Hub) handleFrame(client *Client, frame models.Frame) {
	switch frame.Type {
	case models.EventJoinRoom:
		h.joinRoom(client, frame.RoomID)

	case models.EventSignal:
		h.relay(client, frame)

	case models.EventStartEvent:
		if client.roomID == "" || frame.StreamKey == "" {
			log.Printf("Dropping start-event from %s: no room or stream key", client.ID)
			return
		}
		log.Printf("Stream %q started in room %s by %s", frame.StreamKey, client.roomID, client.ID)
		if h.OnStartEvent != nil {
			h.OnStartEvent(client.roomID, frame.StreamKey)
		}

	default:
		log.Printf("Unknown frame type %q from %s", frame.Type, client.ID)
	}
}

// joinRoom adds the client to a room and notifies the pre-existing members.
// The joiner itself receives nothing. An endpoint belongs to at most one
// room; repeat or conflicting joins are ignored.
func (h *Hub) joinRoom(client *Client, requested string) {
	roomID := requested
	if client.roomHint != "" {
		// The identifier sent by the client may be a short join code; the
		// canonical room ID was resolved when the connection was accepted.
		roomID = client.roomHint
	}
	if roomID == "" {
		log.Printf("Dropping join from %s: no room identifier", client.ID)
		return
	}
	if client.roomID != "" {
		log.Printf("Endpoint %s already in room %s, ignoring join of %s", client.ID, client.roomID, roomID)
		return
	}

	room, exists := h.rooms[roomID]
	if !exists {
		room = make(map[string]*Client)
		h.rooms[roomID] = room
		log.Printf("Created room %s", roomID)
	}

	notice := models.Frame{
		Type:       models.EventUserJoined,
		RoomID:     roomID,
		EndpointID: client.ID,
	}
	for _, member := range room {
		member.enqueue(notice)
	}

	room[client.ID] = client
	client.roomID = roomID
	log.Printf("Endpoint %s joined room %s (%d members)", client.ID, roomID, len(room))

	if h.OnJoin != nil {
		h.OnJoin(roomID, client.ID)
	}
}

// relay delivers a signal envelope to its target endpoint. The delivered
// frame carries from and the untouched payload; to is stripped since
// delivery is targeted. Malformed envelopes and envelopes addressed to
// endpoints that are not connected are dropped without failing the sender.
func (h *Hub) relay(client *Client, frame models.Frame) {
	envelope := models.SignalEnvelope{
		To:     frame.To,
		From:   client.ID,
		Signal: frame.Signal,
	}
	if !envelope.Valid() {
		log.Printf("Dropping malformed envelope from %s", client.ID)
		return
	}

	target, ok := h.endpoints[envelope.To]
	if !ok {
		log.Printf("Dropping envelope from %s: target %s not connected", envelope.From, envelope.To)
		return
	}

	target.enqueue(models.Frame{
		Type:   models.EventSignal,
		From:   envelope.From,
		Signal: envelope.Signal,
	})
}

// forwardChunk pushes an opaque media chunk to every other member of the
// sender's room. Best effort: no ordering or delivery guarantee beyond the
// transport's, and roomless senders are dropped.
func (h *Hub) forwardChunk(client *Client, data []byte) {
	if client.roomID == "" {
		return
	}
	for id, member := range h.rooms[client.roomID] {
		if id == client.ID {
			continue
		}
		member.enqueueBinary(data)
	}
}

func (h *Hub) leaveRoom(client *Client) {
	room, ok := h.rooms[client.roomID]
	if !ok {
		return
	}
	delete(room, client.ID)

	notice := models.Frame{
		Type:       models.EventUserLeft,
		RoomID:     client.roomID,
		EndpointID: client.ID,
	}
	for _, member := range room {
		member.enqueue(notice)
	}

	if len(room) == 0 {
		delete(h.rooms, client.roomID)
		log.Printf("Removed empty room %s", client.roomID)
	}

	if h.OnLeave != nil {
		h.OnLeave(client.roomID, client.ID)
	}
	client.roomID = ""
}

func marshalFrame(frame models.Frame) ([]byte, bool) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("Failed to marshal frame: %v", err)
		return nil, false
	}
	return data, true
}
