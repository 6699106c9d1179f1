// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents different real-time event types
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Entitlement events
	EventTypeEntitlementUpdated EventType = "entitlement:updated"
	EventTypeEntitlementGet     EventType = "entitlement:get"
	EventTypeEntitlement        EventType = "entitlement"

	// Reminder events (server -> client)
	EventTypeReminder EventType = "reminder"

	// Subscription events
	EventTypeSubscribe   EventType = "subscribe"
	EventTypeUnsubscribe EventType = "unsubscribe"
)

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"`
}

// ChannelType is a stream a client can opt in or out of.
type ChannelType string

const (
	ChannelEntitlement ChannelType = "entitlement"
	ChannelReminders   ChannelType = "reminders"
)

// DefaultChannels are subscribed on connect.
var DefaultChannels = []ChannelType{ChannelEntitlement, ChannelReminders}

type SubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

type UnsubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// EntitlementRequest asks for a store's current entitlement. Store clients may
// omit StoreID.
type EntitlementRequest struct {
	StoreID string `json:"store_id"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
		ID:        ulid.Make().String(),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// InboundMessage is a client frame. Data stays raw until a handler knows its
// shape.
type InboundMessage struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	ID   string          `json:"id,omitempty"`
}

// Decode unmarshals Data into target. An absent payload leaves target untouched.
func (m *InboundMessage) Decode(target interface{}) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	return json.Unmarshal(m.Data, target)
}

func ParseMessage(data []byte) (*InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, errors.New("message has no type")
	}
	return &msg, nil
}
