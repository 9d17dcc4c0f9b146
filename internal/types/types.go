package types

import (
	"encoding/json"
	"time"

	"github.com/npezzotti/nearby-chat/internal/database"
)

// User is the authenticated principal carried by a request or connection.
type User struct {
	Id       int    `json:"id"`
	UserType string `json:"user_type"`
}

type Room struct {
	Id            int        `json:"id"`
	PropertyId    int        `json:"property_id"`
	StudentId     int        `json:"student_id"`
	OwnerId       int        `json:"owner_id"`
	LastMessage   *string    `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

type RoomListItem struct {
	Room
	PropertyTitle  string          `json:"property_title"`
	PropertyImages json.RawMessage `json:"property_images"`
	OwnerName      string          `json:"owner_name,omitempty"`
	OwnerEmail     string          `json:"owner_email,omitempty"`
	StudentName    string          `json:"student_name,omitempty"`
	StudentEmail   string          `json:"student_email,omitempty"`
}

type Message struct {
	Id         int       `json:"id"`
	RoomId     int       `json:"room_id"`
	SenderId   int       `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Message    string    `json:"message"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Notification is pushed to the counterpart's personal group when a message
// arrives in one of their rooms.
type Notification struct {
	Type    string `json:"type"`
	RoomId  int    `json:"room_id"`
	Message string `json:"message"`
}

type Typing struct {
	UserId   int  `json:"userId"`
	IsTyping bool `json:"isTyping"`
}

func RoomFromModel(r database.ChatRoom) Room {
	room := Room{
		Id:         r.Id,
		PropertyId: r.PropertyId,
		StudentId:  r.StudentId,
		OwnerId:    r.OwnerId,
		CreatedAt:  r.CreatedAt,
	}
	if r.LastMessage.Valid {
		s := r.LastMessage.String
		room.LastMessage = &s
	}
	if r.LastMessageAt.Valid {
		t := r.LastMessageAt.Time
		room.LastMessageAt = &t
	}

	return room
}

// RoomListItemFromModel names the counterpart fields after the counterpart's
// role: a student sees owner_*, an owner sees student_*.
func RoomListItemFromModel(r database.RoomListing, studentView bool) RoomListItem {
	item := RoomListItem{
		Room:           RoomFromModel(r.ChatRoom),
		PropertyTitle:  r.PropertyTitle,
		PropertyImages: json.RawMessage(r.PropertyImages),
	}
	if len(item.PropertyImages) == 0 {
		item.PropertyImages = json.RawMessage("null")
	}

	if studentView {
		item.OwnerName = r.CounterpartName
		item.OwnerEmail = r.CounterpartEmail
	} else {
		item.StudentName = r.CounterpartName
		item.StudentEmail = r.CounterpartEmail
	}

	return item
}

func MessageFromModel(m database.ChatMessage) Message {
	return Message{
		Id:         m.Id,
		RoomId:     m.RoomId,
		SenderId:   m.SenderId,
		SenderName: m.SenderName,
		Message:    m.Message,
		IsRead:     m.IsRead,
		CreatedAt:  m.CreatedAt,
	}
}
