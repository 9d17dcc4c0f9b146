package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const TypeMessageSent = "chat.message.sent"

// MessageSent is emitted once a chat message has been committed, regardless of
// whether it arrived over HTTP or the websocket.
type MessageSent struct {
	EventId     string    `json:"event_id"`
	Type        string    `json:"type"`
	MessageId   int       `json:"message_id"`
	RoomId      int       `json:"room_id"`
	PropertyId  int       `json:"property_id"`
	SenderId    int       `json:"sender_id"`
	RecipientId int       `json:"recipient_id"`
	Preview     string    `json:"preview"`
	SentAt      time.Time `json:"sent_at"`
}

func NewMessageSent(messageId, roomId, propertyId, senderId, recipientId int, preview string, sentAt time.Time) MessageSent {
	return MessageSent{
		EventId:     uuid.NewString(),
		Type:        TypeMessageSent,
		MessageId:   messageId,
		RoomId:      roomId,
		PropertyId:  propertyId,
		SenderId:    senderId,
		RecipientId: recipientId,
		Preview:     preview,
		SentAt:      sentAt,
	}
}

type Publisher interface {
	PublishMessageSent(ctx context.Context, evt MessageSent) error
	Close() error
}

// NopPublisher discards events. It is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishMessageSent(context.Context, MessageSent) error { return nil }
func (NopPublisher) Close() error                                         { return nil }
