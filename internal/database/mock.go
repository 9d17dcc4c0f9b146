package database

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockChatRepository) GetPropertyOwner(ctx context.Context, propertyId int) (int, error) {
	args := m.Called(ctx, propertyId)
	return args.Int(0), args.Error(1)
}
func (m *MockChatRepository) GetUserName(ctx context.Context, userId int) (string, error) {
	args := m.Called(ctx, userId)
	return args.String(0), args.Error(1)
}
func (m *MockChatRepository) GetRoom(ctx context.Context, roomId int) (ChatRoom, error) {
	args := m.Called(ctx, roomId)
	return args.Get(0).(ChatRoom), args.Error(1)
}
func (m *MockChatRepository) FindRoom(ctx context.Context, params CreateRoomParams) (ChatRoom, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(ChatRoom), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (ChatRoom, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(ChatRoom), args.Error(1)
}
func (m *MockChatRepository) ListRoomsForStudent(ctx context.Context, studentId int) ([]RoomListing, error) {
	args := m.Called(ctx, studentId)
	return args.Get(0).([]RoomListing), args.Error(1)
}
func (m *MockChatRepository) ListRoomsForOwner(ctx context.Context, ownerId int) ([]RoomListing, error) {
	args := m.Called(ctx, ownerId)
	return args.Get(0).([]RoomListing), args.Error(1)
}
func (m *MockChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (ChatMessage, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(ChatMessage), args.Error(1)
}
func (m *MockChatRepository) ListMessagesAndMarkRead(ctx context.Context, roomId, readerId int) ([]ChatMessage, error) {
	args := m.Called(ctx, roomId, readerId)
	return args.Get(0).([]ChatMessage), args.Error(1)
}
