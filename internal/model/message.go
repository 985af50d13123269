package model

import (
	"encoding/json"
	"time"
)

const (
	EventSendMessage    = "send_message"
	EventReceiveMessage = "receive_message"
)

type (
	// Message is one line of a two-party conversation. It is never mutated
	// after it is created.
	Message struct {
		ID        string    `json:"id,omitempty" bson:"_id,omitempty"`
		Sender    string    `json:"sender" bson:"sender" validate:"required"`
		Receiver  string    `json:"receiver" bson:"receiver" validate:"required"`
		Text      string    `json:"text" bson:"text" validate:"required"`
		Timestamp time.Time `json:"timestamp,omitzero" bson:"timestamp"`
	}

	// Event is the frame exchanged on the live channel.
	Event struct {
		Name string          `json:"event" validate:"required"`
		Data json.RawMessage `json:"data"`
	}

	// SendMessagePayload is the data of an outbound send_message event. Sender
	// is only carried by unauthenticated channels; an authenticated channel
	// implies it from the token.
	SendMessagePayload struct {
		Sender   string `json:"sender,omitempty"`
		Receiver string `json:"receiver" validate:"required"`
		Text     string `json:"text" validate:"required"`
	}
)

// Between reports whether m belongs to the conversation of a and b, in either
// direction.
func (m Message) Between(a, b string) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// NewEvent encodes payload as the data of an event called name.
func NewEvent(name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}
