package database

import (
	"database/sql"
	"time"
)

type ChatRoom struct {
	Id            int
	PropertyId    int
	StudentId     int
	OwnerId       int
	LastMessage   sql.NullString
	LastMessageAt sql.NullTime
	CreatedAt     time.Time
}

// HasParticipant reports whether userId is the room's student or owner.
func (r ChatRoom) HasParticipant(userId int) bool {
	return r.StudentId == userId || r.OwnerId == userId
}

// Counterpart returns the participant that is not userId.
func (r ChatRoom) Counterpart(userId int) int {
	if r.StudentId == userId {
		return r.OwnerId
	}
	return r.StudentId
}

// RoomListing is a room joined with its property and the counterpart's account.
type RoomListing struct {
	ChatRoom
	PropertyTitle    string
	PropertyImages   []byte
	CounterpartName  string
	CounterpartEmail string
}

type ChatMessage struct {
	Id         int
	RoomId     int
	SenderId   int
	SenderName string
	Message    string
	IsRead     bool
	CreatedAt  time.Time
}

type CreateRoomParams struct {
	PropertyId int
	StudentId  int
	OwnerId    int
}

type CreateMessageParams struct {
	RoomId   int
	SenderId int
	Message  string
}
