package relay

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skillheed/peerlink/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	sendBufferSize = 256
)

// Client is a connected endpoint: one websocket, one identity, at most one
// room. roomID and roomHint are touched only by the hub goroutine once the
// client is attached.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan outbound

	roomID   string
	roomHint string
}

type outbound struct {
	messageType int
	data        []byte
}

// NewClient builds a client for an upgraded connection. canonicalRoom is the
// room ID resolved from the connect URL, applied when the client sends its
// join-room frame.
func NewClient(hub *Hub, conn *websocket.Conn, id, canonicalRoom string) *Client {
	return &Client{
		ID:       id,
		hub:      hub,
		conn:     conn,
		send:     make(chan outbound, sendBufferSize),
		roomHint: canonicalRoom,
	}
}

// enqueue queues a text frame for delivery, dropping it if the client's
// buffer is full. Signaling is best effort; a slow consumer loses frames
// rather than stalling the hub.
func (c *Client) enqueue(frame models.Frame) {
	data, ok := marshalFrame(frame)
	if !ok {
		return
	}
	select {
	case c.send <- outbound{messageType: websocket.TextMessage, data: data}:
	default:
		log.Printf("Failed to send frame to endpoint %s, buffer full", c.ID)
	}
}

func (c *Client) enqueueBinary(data []byte) {
	select {
	case c.send <- outbound{messageType: websocket.BinaryMessage, data: data}:
	default:
		log.Printf("Failed to send media chunk to endpoint %s, buffer full", c.ID)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		if messageType == websocket.BinaryMessage {
			c.hub.chunks <- inboundChunk{client: c, data: message}
			continue
		}

		var frame models.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			log.Printf("Failed to parse frame from %s: %v", c.ID, err)
			continue
		}

		c.hub.frames <- inboundFrame{client: c, frame: frame}
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
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.messageType, message.data); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
