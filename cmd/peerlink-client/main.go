// Command peerlink-client joins a room on a relay coordinator and
// negotiates a direct peer connection with whoever else shows up.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/skillheed/peerlink/internal/models"
	"github.com/skillheed/peerlink/internal/negotiator"
	"github.com/skillheed/peerlink/internal/rtc"
	"github.com/skillheed/peerlink/internal/signalclient"
)

func main() {
	var (
		serverURL = pflag.String("server", "ws://localhost:8080/ws/signal", "signaling server websocket URL (room appended)")
		roomID    = pflag.String("room", "", "room code or ID to join (required)")
		stun      = pflag.StringSlice("stun", []string{"stun.l.google.com:19302"}, "STUN servers for candidate gathering")
	)
	pflag.Parse()

	if *roomID == "" {
		log.Fatal("--room is required")
	}

	client := signalclient.New(*serverURL + "/" + *roomID)
	if err := client.Connect(); err != nil {
		log.Fatalf("Failed to connect to coordinator: %v", err)
	}
	defer client.Close()

	log.Printf("Connected as endpoint %s", client.EndpointID())

	peer, err := rtc.New(rtc.Config{STUNServers: *stun})
	if err != nil {
		log.Fatalf("Failed to create peer connection: %v", err)
	}

	session := negotiator.NewSession(client.EndpointID(), peer, client)
	session.OnStateChange(func(state negotiator.State) {
		log.Printf("Session state: %s", state)
	})

	if err := session.JoinRoom(*roomID); err != nil {
		log.Fatalf("Failed to join room %s: %v", *roomID, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for chunk := range client.MediaChunks() {
			log.Printf("Received media chunk: %d bytes", len(chunk))
		}
	}()

	for {
		select {
		case frame, ok := <-client.Frames():
			if !ok {
				log.Println("Coordinator connection closed")
				session.Close()
				return
			}
			dispatch(ctx, session, frame)

		case <-ctx.Done():
			session.Close()
			return
		}
	}
}

// dispatch feeds one delivered frame into the session's state machine.
func dispatch(ctx context.Context, session *negotiator.Session, frame models.Frame) {
	switch frame.Type {
	case models.EventUserJoined:
		session.HandleUserJoined(ctx, frame.EndpointID)

	case models.EventUserLeft:
		session.HandleUserLeft(frame.EndpointID)

	case models.EventSignal:
		var payload models.NegotiationPayload
		if err := json.Unmarshal(frame.Signal, &payload); err != nil {
			log.Printf("Malformed signal from %s: %v", frame.From, err)
			// An undecodable description is a negotiation failure.
			session.HandleSignal(ctx, frame.From, models.NegotiationPayload{})
			return
		}
		session.HandleSignal(ctx, frame.From, payload)

	case models.EventError:
		log.Printf("Coordinator error: %s", frame.Error)

	default:
		log.Printf("Ignoring frame type %q", frame.Type)
	}
}
