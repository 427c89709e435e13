package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"codeberg.org/securechat/server/securechat/messages"
)

const messagesSchema = `
CREATE TABLE IF NOT EXISTS messages (
	room_id    TEXT        NOT NULL,
	message_id TEXT        NOT NULL,
	user_id    TEXT        NOT NULL,
	payload    TEXT        NOT NULL,
	encrypted  BOOLEAN     NOT NULL DEFAULT FALSE,
	iv         TEXT        NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	edited     BOOLEAN     NOT NULL DEFAULT FALSE,
	PRIMARY KEY (room_id, message_id)
);
CREATE INDEX IF NOT EXISTS messages_user_idx ON messages (user_id);
`

// PostgresStore mirrors room history into PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	// keep the pool small; writes are fire-and-forget mirrors
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, messagesSchema); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Ready() bool {
	return s.pool != nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Save(ctx context.Context, msg *messages.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (room_id, message_id, user_id, payload, encrypted, iv, created_at, edited)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (room_id, message_id) DO NOTHING
	`, msg.RoomID, msg.ID, msg.UserID, msg.Payload, msg.Encrypted, msg.IV, msg.Timestamp, msg.Edited)
	return err
}

func (s *PostgresStore) Edit(ctx context.Context, msg *messages.Message) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET payload = $3, encrypted = $4, iv = $5, edited = TRUE
		WHERE room_id = $1 AND message_id = $2
	`, msg.RoomID, msg.ID, msg.Payload, msg.Encrypted, msg.IV)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, roomID, messageID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE room_id = $1 AND message_id = $2
	`, roomID, messageID)
	return err
}

func (s *PostgresStore) DeleteAllByUser(ctx context.Context, userID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) LoadRecent(ctx context.Context, roomID string, limit int) ([]*messages.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id, user_id, payload, encrypted, iv, created_at, edited
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at DESC, message_id DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recent []*messages.Message

	for rows.Next() {
		msg := &messages.Message{RoomID: roomID}
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.Payload, &msg.Encrypted, &msg.IV, &msg.Timestamp, &msg.Edited); err != nil {
			return nil, err
		}
		recent = append(recent, msg)
	}

	if err := rows.Err(); err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	// query returns newest first; callers expect oldest first
	for i, j := 0, len(recent)-1; i < j; i, j = i+1, j-1 {
		recent[i], recent[j] = recent[j], recent[i]
	}

	return recent, nil
}

func (s *PostgresStore) ClearRoom(ctx context.Context, roomID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE room_id = $1`, roomID)
	return err
}
