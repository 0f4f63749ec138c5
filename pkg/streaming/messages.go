// Package streaming defines the friend-sync WebSocket wire format.
package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/friendmap/markerd/pkg/core"
)

// Message type constants matching the friend-sync protocol.
const (
	TypeSubscribe      = "subscribe"
	TypeLocationUpdate = "location_update"
	TypeBatch          = "batch"
	TypeAck            = "ack"
	TypeError          = "error"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// SubscribePayload asks the server for updates about the given friends.
// An empty FriendIDs subscribes to every friend of the session.
type SubscribePayload struct {
	SessionID string   `json:"sessionId"`
	FriendIDs []string `json:"friendIds,omitempty"`
}

// BatchPayload carries several updates in server order.
type BatchPayload struct {
	Updates []core.LocationUpdate `json:"updates"`
}

// ErrorPayload is sent by the server before it drops a connection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Updates decodes the location updates carried by a location_update or batch envelope.
func (e Envelope) Updates() ([]core.LocationUpdate, error) {
	switch e.Type {
	case TypeLocationUpdate:
		var u core.LocationUpdate
		if err := json.Unmarshal(e.Payload, &u); err != nil {
			return nil, fmt.Errorf("decoding location update: %w", err)
		}
		return []core.LocationUpdate{u}, nil
	case TypeBatch:
		var b BatchPayload
		if err := json.Unmarshal(e.Payload, &b); err != nil {
			return nil, fmt.Errorf("decoding batch: %w", err)
		}
		return b.Updates, nil
	default:
		return nil, fmt.Errorf("envelope %q carries no updates", e.Type)
	}
}
