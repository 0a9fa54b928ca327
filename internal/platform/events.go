package platform

import "time"

// Webhook event types delivered by the chat platform.
const (
	EventTypeMessage      = "message"
	EventTypeJoin         = "join"
	EventTypeLeave        = "leave"
	EventTypeMemberJoined = "memberJoined"
	EventTypeMemberLeft   = "memberLeft"
	EventTypeFollow       = "follow"
	EventTypeUnfollow     = "unfollow"
)

// Message kinds carried by message events.
const (
	MessageKindText    = "text"
	MessageKindImage   = "image"
	MessageKindSticker = "sticker"
)

// WebhookPayload is the signed batch envelope posted by the platform.
// Destination identifies the receiving channel.
type WebhookPayload struct {
	Destination string  `json:"destination"`
	Events      []Event `json:"events"`
}

// Event is one inbound webhook event.
type Event struct {
	Type      string        `json:"type"`
	Timestamp int64         `json:"timestamp"` // epoch milliseconds
	Source    Source        `json:"source"`
	Message   *EventMessage `json:"message,omitempty"`
}

// Source identifies where an event originated.
type Source struct {
	Type    string `json:"type"` // "group", "room", or "user"
	GroupID string `json:"groupId,omitempty"`
	UserID  string `json:"userId,omitempty"`
}

// EventMessage is the message portion of a message event.
type EventMessage struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	PackageID string `json:"packageId,omitempty"`
	StickerID string `json:"stickerId,omitempty"`
}

// Time converts the event's epoch-millisecond timestamp to UTC time.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.Timestamp).UTC()
}
