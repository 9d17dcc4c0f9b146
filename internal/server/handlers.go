package server

import (
	"encoding/json"
	"errors"

	"github.com/npezzotti/nearby-chat/internal/chat"
	"github.com/npezzotti/nearby-chat/internal/database"
	"github.com/npezzotti/nearby-chat/internal/types"
)

// handleEvent dispatches a frame from c. Failures are reported to c alone as an
// error event and never affect other connections.
func (cs *ChatServer) handleEvent(c *Client, msg *ClientMessage) {
	switch msg.Event {
	case EventJoinRoom:
		cs.handleJoin(c, msg.Data)
	case EventLeaveRoom:
		cs.handleLeave(c, msg.Data)
	case EventSendMessage:
		cs.handleSend(c, msg.Data)
	case EventTyping:
		cs.handleTyping(c, msg.Data)
	default:
		c.log.Debug("ignoring unknown event", "event", msg.Event)
	}
}

func (cs *ChatServer) handleJoin(c *Client, data json.RawMessage) {
	var roomId RoomID
	if err := json.Unmarshal(data, &roomId); err != nil {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	if err := cs.Join(c.ctx, c, int(roomId)); err != nil {
		if errors.Is(err, chat.ErrAccessDenied) {
			c.queueMessage(ErrAccessDenied())
			return
		}
		c.log.Error("failed to join room", "room_id", int(roomId), "err", err)
		c.queueMessage(ErrorEvent("Failed to join room"))
	}
}

func (cs *ChatServer) handleLeave(c *Client, data json.RawMessage) {
	var roomId RoomID
	if err := json.Unmarshal(data, &roomId); err != nil {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	cs.Leave(c, int(roomId))
}

func (cs *ChatServer) handleSend(c *Client, data json.RawMessage) {
	var req SendMessage
	if err := json.Unmarshal(data, &req); err != nil || req.RoomId == 0 {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	res, err := cs.chat.Send(c.ctx, int(req.RoomId), c.user.Id, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrAccessDenied):
			c.queueMessage(ErrAccessDenied())
		case errors.Is(err, chat.ErrInvalidInput):
			c.queueMessage(ErrEmptyMessage())
		default:
			c.log.Error("failed to send message", "room_id", int(req.RoomId), "err", err)
			c.queueMessage(ErrSendFailed())
		}
		return
	}

	cs.DeliverMessage(c.ctx, res)
}

func (cs *ChatServer) handleTyping(c *Client, data json.RawMessage) {
	var req Typing
	if err := json.Unmarshal(data, &req); err != nil || req.RoomId == 0 {
		c.queueMessage(ErrInvalidMessage())
		return
	}

	cs.RelayTyping(c.ctx, int(req.RoomId), c.user.Id, req.IsTyping)
}

func messagePayload(m database.ChatMessage) types.Message {
	return types.MessageFromModel(m)
}

func notificationPayload(m database.ChatMessage) types.Notification {
	return types.Notification{
		Type:    "message",
		RoomId:  m.RoomId,
		Message: chat.Truncate(m.Message, chat.NotificationPreviewLen),
	}
}

func typingPayload(userId int, isTyping bool) types.Typing {
	return types.Typing{UserId: userId, IsTyping: isTyping}
}
