// Package signalclient is the endpoint side of the relay transport: one
// websocket to the coordinator, typed frames in, fire-and-forget sends out.
package signalclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillheed/peerlink/internal/models"
	"github.com/skillheed/peerlink/internal/negotiator"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024

	outgoingBufferSize = 32
)

// ErrBufferFull is returned when an outbound message cannot be queued.
// Signaling is best effort; callers log and move on.
var ErrBufferFull = errors.New("outgoing buffer full")

// Client manages the websocket connection to the signaling server.
type Client struct {
	serverURL string

	conn       *websocket.Conn
	endpointID string

	frames   chan models.Frame
	chunks   chan []byte
	outgoing chan outbound
	done     chan struct{}
	closed   bool
}

var _ negotiator.Sender = (*Client)(nil)

type outbound struct {
	messageType int
	data        []byte
}

// New creates a client for the given ws:// or wss:// URL.
func New(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		frames:    make(chan models.Frame, outgoingBufferSize),
		chunks:    make(chan []byte, outgoingBufferSize),
		outgoing:  make(chan outbound, outgoingBufferSize),
		done:      make(chan struct{}),
	}
}

// Connect dials the coordinator and waits for the welcome frame that
// assigns this endpoint its ID, then starts the read/write pumps.
func (c *Client) Connect() error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.conn = conn

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	var welcome models.Frame
	if err := c.conn.ReadJSON(&welcome); err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to read welcome: %w", err)
	}
	if welcome.Type != models.EventWelcome || welcome.EndpointID == "" {
		c.conn.Close()
		return fmt.Errorf("unexpected first frame %q", welcome.Type)
	}
	c.endpointID = welcome.EndpointID

	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	return nil
}

// EndpointID returns the coordinator-assigned identity of this endpoint.
func (c *Client) EndpointID() string {
	return c.endpointID
}

// Frames returns delivered signaling frames. Closed when the connection
// drops.
func (c *Client) Frames() <-chan models.Frame {
	return c.frames
}

// MediaChunks returns opaque binary chunks forwarded by the coordinator.
func (c *Client) MediaChunks() <-chan []byte {
	return c.chunks
}

// JoinRoom sends a join-room request. Fire and forget: there is no join
// acknowledgment beyond the transport's own health.
func (c *Client) JoinRoom(roomID string) error {
	return c.enqueueFrame(models.Frame{Type: models.EventJoinRoom, RoomID: roomID})
}

// Signal relays a negotiation payload to another endpoint.
func (c *Client) Signal(to string, payload models.NegotiationPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.enqueueFrame(models.Frame{
		Type:   models.EventSignal,
		To:     to,
		From:   c.endpointID,
		Signal: body,
	})
}

// StartEvent announces a stream key for the current room.
func (c *Client) StartEvent(streamKey string) error {
	return c.enqueueFrame(models.Frame{Type: models.EventStartEvent, StreamKey: streamKey})
}

// SendMediaChunk pushes an opaque chunk for best-effort forwarding to the
// other members of the room.
func (c *Client) SendMediaChunk(chunk []byte) error {
	return c.enqueue(outbound{messageType: websocket.BinaryMessage, data: chunk})
}

func (c *Client) enqueueFrame(frame models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{messageType: websocket.TextMessage, data: data})
}

func (c *Client) enqueue(msg outbound) error {
	select {
	case <-c.done:
		return errors.New("client closed")
	case c.outgoing <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.frames)
		close(c.chunks)
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if messageType == websocket.BinaryMessage {
			c.chunks <- message
			continue
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}
		c.frames <- frame
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.messageType, message.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Close tears down the connection. Safe to call once.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
