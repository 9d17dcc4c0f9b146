package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/npezzotti/nearby-chat/internal/database"
	"github.com/npezzotti/nearby-chat/internal/events"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrAccessDenied = errors.New("access denied")
	ErrNotFound     = errors.New("not found")
)

const (
	UserTypeStudent = "student"
	UserTypeOwner   = "owner"

	// NotificationPreviewLen is the number of characters of a message carried
	// in a new_notification event.
	NotificationPreviewLen = 50
)

type Service struct {
	log    *slog.Logger
	db     database.ChatRepository
	events events.Publisher
}

func NewService(logger *slog.Logger, db database.ChatRepository, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}

	return &Service{
		log:    logger,
		db:     db,
		events: publisher,
	}
}

// SendResult is the durable message together with the room it was posted to.
type SendResult struct {
	Message database.ChatMessage
	Room    database.ChatRoom
}

func (s *Service) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// GetOrCreateRoom returns the room for (propertyId, studentId, owner of
// propertyId), creating it on first use. Losing a creation race to another
// request is not an error: the winner's room is returned.
func (s *Service) GetOrCreateRoom(ctx context.Context, studentId, propertyId int) (database.ChatRoom, error) {
	if propertyId <= 0 {
		return database.ChatRoom{}, fmt.Errorf("property id: %w", ErrInvalidInput)
	}

	ownerId, err := s.db.GetPropertyOwner(ctx, propertyId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.ChatRoom{}, fmt.Errorf("property %d: %w", propertyId, ErrNotFound)
		}
		return database.ChatRoom{}, fmt.Errorf("get property owner: %w", err)
	}

	params := database.CreateRoomParams{
		PropertyId: propertyId,
		StudentId:  studentId,
		OwnerId:    ownerId,
	}

	room, err := s.db.FindRoom(ctx, params)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return database.ChatRoom{}, fmt.Errorf("find room: %w", err)
	}

	room, err = s.db.CreateRoom(ctx, params)
	if err == nil {
		s.log.Info("created chat room", "room_id", room.Id, "property_id", propertyId, "student_id", studentId, "owner_id", ownerId)
		return room, nil
	}
	if !errors.Is(err, database.ErrDuplicate) {
		return database.ChatRoom{}, fmt.Errorf("create room: %w", err)
	}

	s.log.Debug("room created concurrently, refetching", "property_id", propertyId, "student_id", studentId)
	room, err = s.db.FindRoom(ctx, params)
	if err != nil {
		return database.ChatRoom{}, fmt.Errorf("refetch room: %w", err)
	}

	return room, nil
}

// Authorize loads the room and checks actorId participates in it. A missing
// room is reported the same way as a foreign one.
func (s *Service) Authorize(ctx context.Context, roomId, actorId int) (database.ChatRoom, error) {
	room, err := s.db.GetRoom(ctx, roomId)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return database.ChatRoom{}, ErrAccessDenied
		}
		return database.ChatRoom{}, fmt.Errorf("get room: %w", err)
	}

	if !room.HasParticipant(actorId) {
		return database.ChatRoom{}, ErrAccessDenied
	}

	return room, nil
}

// Send stores a message and emits a MessageSent event. The publisher must not
// block: wrap a broker producer in an events.Outbox.
func (s *Service) Send(ctx context.Context, roomId, senderId int, text string) (SendResult, error) {
	if roomId <= 0 {
		return SendResult{}, fmt.Errorf("room id: %w", ErrInvalidInput)
	}

	room, err := s.Authorize(ctx, roomId, senderId)
	if err != nil {
		return SendResult{}, err
	}

	if strings.TrimSpace(text) == "" {
		return SendResult{}, fmt.Errorf("message: %w", ErrInvalidInput)
	}

	msg, err := s.db.CreateMessage(ctx, database.CreateMessageParams{
		RoomId:   room.Id,
		SenderId: senderId,
		Message:  text,
	})
	if err != nil {
		return SendResult{}, fmt.Errorf("create message: %w", err)
	}

	room.LastMessage.String, room.LastMessage.Valid = msg.Message, true
	room.LastMessageAt.Time, room.LastMessageAt.Valid = msg.CreatedAt, true

	evt := events.NewMessageSent(
		msg.Id,
		room.Id,
		room.PropertyId,
		senderId,
		room.Counterpart(senderId),
		Truncate(msg.Message, NotificationPreviewLen),
		msg.CreatedAt,
	)
	if err := s.events.PublishMessageSent(ctx, evt); err != nil {
		s.log.Error("publish message event", "room_id", room.Id, "message_id", msg.Id, "err", err)
	}

	return SendResult{Message: msg, Room: room}, nil
}

func (s *Service) ListAndMarkRead(ctx context.Context, roomId, readerId int) ([]database.ChatMessage, error) {
	if _, err := s.Authorize(ctx, roomId, readerId); err != nil {
		return nil, err
	}

	messages, err := s.db.ListMessagesAndMarkRead(ctx, roomId, readerId)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return messages, nil
}

// ListRooms returns the user's rooms annotated with the counterpart, picked by
// the caller's account type.
func (s *Service) ListRooms(ctx context.Context, userId int, userType string) ([]database.RoomListing, error) {
	var (
		rooms []database.RoomListing
		err   error
	)
	if userType == UserTypeStudent {
		rooms, err = s.db.ListRoomsForStudent(ctx, userId)
	} else {
		rooms, err = s.db.ListRoomsForOwner(ctx, userId)
	}
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	return rooms, nil
}

func (s *Service) DisplayName(ctx context.Context, userId int) (string, error) {
	name, err := s.db.GetUserName(ctx, userId)
	if err != nil {
		return "", fmt.Errorf("get user name: %w", err)
	}
	return name, nil
}

// Truncate returns at most n characters of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
