package database

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	roomColumns = "id, property_id, student_id, owner_id, last_message, last_message_at, created_at"

	getPropertyOwnerQuery = "SELECT owner_id FROM properties WHERE id = $1"
	getUserNameQuery      = "SELECT full_name FROM users WHERE id = $1"
	getRoomQuery          = "SELECT " + roomColumns + " FROM chat_rooms WHERE id = $1"
	findRoomQuery         = "SELECT " + roomColumns + " FROM chat_rooms " +
		"WHERE property_id = $1 AND student_id = $2 AND owner_id = $3"
	createRoomQuery = "INSERT INTO chat_rooms (property_id, student_id, owner_id) " +
		"VALUES ($1, $2, $3) RETURNING " + roomColumns

	listRoomsForStudentQuery = `
		SELECT cr.id, cr.property_id, cr.student_id, cr.owner_id, cr.last_message, cr.last_message_at, cr.created_at,
		       p.title, p.images, u.full_name, u.email
		FROM chat_rooms cr
		JOIN properties p ON cr.property_id = p.id
		JOIN users u ON cr.owner_id = u.id
		WHERE cr.student_id = $1
		ORDER BY cr.last_message_at DESC NULLS LAST, cr.created_at DESC`
	listRoomsForOwnerQuery = `
		SELECT cr.id, cr.property_id, cr.student_id, cr.owner_id, cr.last_message, cr.last_message_at, cr.created_at,
		       p.title, p.images, u.full_name, u.email
		FROM chat_rooms cr
		JOIN properties p ON cr.property_id = p.id
		JOIN users u ON cr.student_id = u.id
		WHERE cr.owner_id = $1
		ORDER BY cr.last_message_at DESC NULLS LAST, cr.created_at DESC`

	createMessageQuery = "INSERT INTO chat_messages (room_id, sender_id, message) " +
		"VALUES ($1, $2, $3) RETURNING id, room_id, sender_id, message, is_read, created_at"
	updateRoomSummaryQuery = "UPDATE chat_rooms SET last_message = $1, last_message_at = $2 WHERE id = $3"
	listMessagesQuery      = `
		SELECT cm.id, cm.room_id, cm.sender_id, u.full_name, cm.message, cm.is_read, cm.created_at
		FROM chat_messages cm
		JOIN users u ON cm.sender_id = u.id
		WHERE cm.room_id = $1
		ORDER BY cm.created_at ASC, cm.id ASC`
	markReadQuery = "UPDATE chat_messages SET is_read = true WHERE room_id = $1 AND sender_id <> $2"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (ChatRoom, error) {
	var room ChatRoom
	err := row.Scan(
		&room.Id,
		&room.PropertyId,
		&room.StudentId,
		&room.OwnerId,
		&room.LastMessage,
		&room.LastMessageAt,
		&room.CreatedAt,
	)

	return room, err
}

func (db *PgChatRepository) GetPropertyOwner(ctx context.Context, propertyId int) (int, error) {
	var ownerId int
	err := db.conn.QueryRowContext(ctx, getPropertyOwnerQuery, propertyId).Scan(&ownerId)
	return ownerId, mapError(err)
}

func (db *PgChatRepository) GetUserName(ctx context.Context, userId int) (string, error) {
	var name string
	err := db.conn.QueryRowContext(ctx, getUserNameQuery, userId).Scan(&name)
	return name, mapError(err)
}

func (db *PgChatRepository) GetRoom(ctx context.Context, roomId int) (ChatRoom, error) {
	room, err := scanRoom(db.conn.QueryRowContext(ctx, getRoomQuery, roomId))
	return room, mapError(err)
}

func (db *PgChatRepository) FindRoom(ctx context.Context, params CreateRoomParams) (ChatRoom, error) {
	room, err := scanRoom(db.conn.QueryRowContext(
		ctx,
		findRoomQuery,
		params.PropertyId,
		params.StudentId,
		params.OwnerId,
	))
	return room, mapError(err)
}

// CreateRoom inserts a room for the triple. A concurrent insert of the same
// triple loses on the unique constraint and is reported as ErrDuplicate.
func (db *PgChatRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (ChatRoom, error) {
	room, err := scanRoom(db.conn.QueryRowContext(
		ctx,
		createRoomQuery,
		params.PropertyId,
		params.StudentId,
		params.OwnerId,
	))
	return room, mapError(err)
}

func (db *PgChatRepository) ListRoomsForStudent(ctx context.Context, studentId int) ([]RoomListing, error) {
	return db.listRooms(ctx, listRoomsForStudentQuery, studentId)
}

func (db *PgChatRepository) ListRoomsForOwner(ctx context.Context, ownerId int) ([]RoomListing, error) {
	return db.listRooms(ctx, listRoomsForOwnerQuery, ownerId)
}

func (db *PgChatRepository) listRooms(ctx context.Context, query string, userId int) ([]RoomListing, error) {
	rows, err := db.conn.QueryContext(ctx, query, userId)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]RoomListing, 0)
	for rows.Next() {
		var (
			r     RoomListing
			email sql.NullString
		)
		if err := rows.Scan(
			&r.Id,
			&r.PropertyId,
			&r.StudentId,
			&r.OwnerId,
			&r.LastMessage,
			&r.LastMessageAt,
			&r.CreatedAt,
			&r.PropertyTitle,
			&r.PropertyImages,
			&r.CounterpartName,
			&email,
		); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.CounterpartEmail = email.String

		rooms = append(rooms, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return rooms, nil
}

// CreateMessage inserts the message and points the room summary at it in a
// single transaction, so the summary never lags a committed message.
func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (msg ChatMessage, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	err = tx.QueryRowContext(
		ctx,
		createMessageQuery,
		params.RoomId,
		params.SenderId,
		params.Message,
	).Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.SenderId,
		&msg.Message,
		&msg.IsRead,
		&msg.CreatedAt,
	)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("insert message: %w", mapError(err))
	}

	res, err := tx.ExecContext(ctx, updateRoomSummaryQuery, msg.Message, msg.CreatedAt, msg.RoomId)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("update room summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ChatMessage{}, fmt.Errorf("update room summary: rows affected: %w", err)
	}
	if n == 0 {
		err = fmt.Errorf("update room summary: room %d: %w", msg.RoomId, ErrNotFound)
		return ChatMessage{}, err
	}

	if err = tx.Commit(); err != nil {
		return ChatMessage{}, fmt.Errorf("commit: %w", err)
	}

	return msg, nil
}

// ListMessagesAndMarkRead returns the room's messages oldest first, then marks
// every message not sent by readerId as read. The returned records reflect the
// read flags as they were before the update.
func (db *PgChatRepository) ListMessagesAndMarkRead(ctx context.Context, roomId, readerId int) (messages []ChatMessage, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, listMessagesQuery, roomId)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages = make([]ChatMessage, 0)
	for rows.Next() {
		var msg ChatMessage
		if err = rows.Scan(
			&msg.Id,
			&msg.RoomId,
			&msg.SenderId,
			&msg.SenderName,
			&msg.Message,
			&msg.IsRead,
			&msg.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("rows error: %w", err)
	}
	rows.Close()

	if _, err = tx.ExecContext(ctx, markReadQuery, roomId, readerId); err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return messages, nil
}
