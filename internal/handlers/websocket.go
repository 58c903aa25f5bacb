package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skillheed/peerlink/internal/redis"
	"github.com/skillheed/peerlink/internal/relay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const peerSetTTL = 24 * time.Hour

// HandleSignaling upgrades the connection and attaches the endpoint to the
// hub. The URL identifier may be a room code or ID; the canonical room ID
// is resolved here and applied when the endpoint sends its join-room frame.
func HandleSignaling(hub *relay.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomIdentifier := c.Param("roomId")
		if roomIdentifier == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		// Optional: Get display name from query param
		displayName := c.Query("displayName")

		// Validate room exists and get actual room ID
		roomID, roomMetadata, err := ValidateRoomExists(roomIdentifier)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Printf("Failed to upgrade connection: %v", err)
			return
		}

		endpointID := uuid.New().String()
		if displayName != "" {
			log.Printf("Endpoint %s connecting as '%s'", endpointID, displayName)
		}

		log.Printf("Endpoint %s accepted for room %s (code: %s) - %d/%d peers",
			endpointID, roomID, roomMetadata.Code, roomMetadata.PeerCount+1, roomMetadata.MaxPeers)

		hub.Attach(relay.NewClient(hub, conn, endpointID, roomID))
	}
}

// RegisterHubHooks mirrors live membership and stream keys into Redis so
// the room API can report them. Routing state itself stays in-process.
func RegisterHubHooks(hub *relay.Hub) {
	redisClient := redis.GetClient()
	ctx := redis.GetContext()

	hub.OnJoin = func(roomID, endpointID string) {
		redisClient.SAdd(ctx, "room:"+roomID+":peers", endpointID)
		redisClient.Expire(ctx, "room:"+roomID+":peers", peerSetTTL)
	}
	hub.OnLeave = func(roomID, endpointID string) {
		redisClient.SRem(ctx, "room:"+roomID+":peers", endpointID)
	}
	hub.OnStartEvent = func(roomID, streamKey string) {
		if err := redisClient.Set(ctx, "room:"+roomID+":stream", streamKey, peerSetTTL).Err(); err != nil {
			log.Printf("Failed to store stream key for room %s: %v", roomID, err)
		}
	}
}
