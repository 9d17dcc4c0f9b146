package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Client to server events.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
)

// Server to client events.
const (
	EventNewMessage      = "new_message"
	EventNewNotification = "new_notification"
	EventUserTyping      = "user_typing"
	EventError           = "error"
)

const (
	errMsgAccessDenied   = "Access denied"
	errMsgSendFailed     = "Failed to send message"
	errMsgInvalidMessage = "Invalid message format"
	errMsgEmptyMessage   = "Message is required"
)

var errInvalidRoomId = errors.New("invalid room id")

// ClientMessage is a frame received from a connection. Data is decoded by the
// handler registered for Event.
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ServerMessage is a frame pushed to a connection.
type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// RoomID accepts a room id encoded either as a JSON number or as a string of
// digits.
type RoomID int

func (id *RoomID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}

	n, err := strconv.Atoi(string(b))
	if err != nil || n <= 0 {
		return fmt.Errorf("%w: %s", errInvalidRoomId, b)
	}

	*id = RoomID(n)
	return nil
}

type SendMessage struct {
	RoomId  RoomID `json:"room_id"`
	Message string `json:"message"`
}

type Typing struct {
	RoomId   RoomID `json:"room_id"`
	IsTyping bool   `json:"isTyping"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func ErrorEvent(msg string) *ServerMessage {
	return &ServerMessage{
		Event: EventError,
		Data:  ErrorPayload{Message: msg},
	}
}

func ErrAccessDenied() *ServerMessage {
	return ErrorEvent(errMsgAccessDenied)
}

func ErrSendFailed() *ServerMessage {
	return ErrorEvent(errMsgSendFailed)
}

func ErrInvalidMessage() *ServerMessage {
	return ErrorEvent(errMsgInvalidMessage)
}

func ErrEmptyMessage() *ServerMessage {
	return ErrorEvent(errMsgEmptyMessage)
}
