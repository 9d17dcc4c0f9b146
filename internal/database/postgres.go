package database

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
)

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgChatRepository{conn: db}, nil
}

func newPgChatRepositoryFromDB(db *sql.DB) *PgChatRepository {
	return &PgChatRepository{conn: db}
}

func (db *PgChatRepository) DB() *sql.DB {
	return db.conn
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
