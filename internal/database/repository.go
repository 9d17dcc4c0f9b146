package database

import "context"

type ChatRepository interface {
	Ping(ctx context.Context) error
	GetPropertyOwner(ctx context.Context, propertyId int) (int, error)
	GetUserName(ctx context.Context, userId int) (string, error)
	GetRoom(ctx context.Context, roomId int) (ChatRoom, error)
	FindRoom(ctx context.Context, params CreateRoomParams) (ChatRoom, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (ChatRoom, error)
	ListRoomsForStudent(ctx context.Context, studentId int) ([]RoomListing, error)
	ListRoomsForOwner(ctx context.Context, ownerId int) ([]RoomListing, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (ChatMessage, error)
	ListMessagesAndMarkRead(ctx context.Context, roomId, readerId int) ([]ChatMessage, error)
}
