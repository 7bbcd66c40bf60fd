package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plixmap/api/internal/protocol"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// EnsureUser records a user the first time a token for it is seen and keeps
// the display name and role in sync afterwards.
func (s *PostgresStore) EnsureUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET display_name=EXCLUDED.display_name, role=EXCLUDED.role, updated_at=NOW()
	`, user.ID, user.DisplayName, user.Role)
	if err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, display_name, role, created_at FROM users WHERE id=$1`, userID).
		Scan(&user.ID, &user.DisplayName, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name, role, created_at FROM users ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var item User
		if err := rows.Scan(&item.ID, &item.DisplayName, &item.Role, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// LoadState returns the stored graph. A missing row yields an empty state
// with a nil UpdatedAt so the caller seeds it.
func (s *PostgresStore) LoadState(ctx context.Context) (protocol.StateResponse, error) {
	var (
		clientsRaw []byte
		typesRaw   []byte
		updatedAt  time.Time
	)
	err := s.db.QueryRowContext(ctx, `SELECT clients, object_types, updated_at FROM app_state WHERE id=1`).
		Scan(&clientsRaw, &typesRaw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.StateResponse{Clients: []protocol.Client{}, ObjectTypes: []protocol.ObjectType{}}, nil
	}
	if err != nil {
		return protocol.StateResponse{}, fmt.Errorf("load state: %w", err)
	}

	state := protocol.StateResponse{UpdatedAt: &updatedAt}
	if err := json.Unmarshal(clientsRaw, &state.Clients); err != nil {
		return protocol.StateResponse{}, fmt.Errorf("decode clients: %w", err)
	}
	if err := json.Unmarshal(typesRaw, &state.ObjectTypes); err != nil {
		return protocol.StateResponse{}, fmt.Errorf("decode object types: %w", err)
	}
	return state, nil
}

func (s *PostgresStore) SaveState(ctx context.Context, clients []protocol.Client, objectTypes []protocol.ObjectType, updatedBy string) (time.Time, error) {
	if clients == nil {
		clients = []protocol.Client{}
	}
	if objectTypes == nil {
		objectTypes = []protocol.ObjectType{}
	}
	clientsRaw, err := json.Marshal(clients)
	if err != nil {
		return time.Time{}, fmt.Errorf("encode clients: %w", err)
	}
	typesRaw, err := json.Marshal(objectTypes)
	if err != nil {
		return time.Time{}, fmt.Errorf("encode object types: %w", err)
	}

	var updatedAt time.Time
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO app_state (id, clients, object_types, updated_by, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET clients=EXCLUDED.clients, object_types=EXCLUDED.object_types, updated_by=EXCLUDED.updated_by, updated_at=NOW()
		RETURNING updated_at
	`, clientsRaw, typesRaw, updatedBy).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("save state: %w", err)
	}
	return updatedAt, nil
}

func (s *PostgresStore) AppendLockEvent(ctx context.Context, ev LockEvent) error {
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lock_events (document_id, kind, reason, actor_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.DocumentID, ev.Kind, ev.Reason, ev.ActorID, payload, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("append lock event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLockEvents(ctx context.Context, documentID string, limit int) ([]LockEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, kind, reason, actor_id, payload, occurred_at
		FROM lock_events
		WHERE document_id=$1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list lock events: %w", err)
	}
	defer rows.Close()

	items := make([]LockEvent, 0)
	for rows.Next() {
		var (
			item    LockEvent
			payload []byte
		)
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Kind, &item.Reason, &item.ActorID, &payload, &item.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan lock event: %w", err)
		}
		item.Payload = payload
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lock events: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChatMessage(ctx context.Context, row ChatRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, client_id, from_id, from_name, to_id, body, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7)
	`, row.ID, row.ClientID, row.FromID, row.FromName, row.ToID, row.Body, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// UpdateChatMessage edits the body of a message written by fromID.
func (s *PostgresStore) UpdateChatMessage(ctx context.Context, id, fromID, body string, at time.Time) (ChatRow, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE chat_messages SET body=$3, updated_at=$4
		WHERE id=$1 AND from_id=$2
		RETURNING `+chatColumns, id, fromID, body, at)
	item, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatRow{}, ErrNotFound
	}
	if err != nil {
		return ChatRow{}, fmt.Errorf("update chat message: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListClientChat(ctx context.Context, clientID string, limit int) ([]ChatRow, error) {
	return s.listChat(ctx, `
		SELECT `+chatColumns+` FROM (
			SELECT * FROM chat_messages WHERE client_id=$1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at
	`, clientID, clampLimit(limit))
}

func (s *PostgresStore) ClearClientChat(ctx context.Context, clientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE client_id=$1`, clientID)
	if err != nil {
		return 0, fmt.Errorf("clear client chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear client chat: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) ListDirectChat(ctx context.Context, userA, userB string, limit int) ([]ChatRow, error) {
	return s.listChat(ctx, `
		SELECT `+chatColumns+` FROM (
			SELECT * FROM chat_messages
			WHERE (from_id=$1 AND to_id=$2) OR (from_id=$2 AND to_id=$1)
			ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at
	`, userA, userB, clampLimit(limit))
}

// MarkDirectDelivered stamps every undelivered message sent to recipientID
// and returns them so the senders can be notified.
func (s *PostgresStore) MarkDirectDelivered(ctx context.Context, recipientID string, at time.Time) ([]ChatRow, error) {
	return s.listChat(ctx, `
		UPDATE chat_messages SET delivered_at=$2
		WHERE to_id=$1 AND delivered_at IS NULL
		RETURNING `+chatColumns, recipientID, at)
}

// MarkDirectRead marks every message from peerID to readerID as read.
func (s *PostgresStore) MarkDirectRead(ctx context.Context, readerID, peerID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_messages SET read_at=$3, delivered_at=COALESCE(delivered_at, $3)
		WHERE to_id=$1 AND from_id=$2 AND read_at IS NULL
	`, readerID, peerID, at)
	if err != nil {
		return fmt.Errorf("mark direct read: %w", err)
	}
	return nil
}

const chatColumns = `id, COALESCE(client_id, ''), from_id, from_name, COALESCE(to_id, ''), body, created_at, updated_at, delivered_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChat(row rowScanner) (ChatRow, error) {
	var item ChatRow
	err := row.Scan(&item.ID, &item.ClientID, &item.FromID, &item.FromName, &item.ToID, &item.Body,
		&item.CreatedAt, &item.UpdatedAt, &item.DeliveredAt, &item.ReadAt)
	return item, err
}

func (s *PostgresStore) listChat(ctx context.Context, query string, args ...any) ([]ChatRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	defer rows.Close()

	items := make([]ChatRow, 0)
	for rows.Next() {
		item, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return items, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 200
	}
	return limit
}

// ToProtocol converts a stored row to its wire form.
func (r ChatRow) ToProtocol() protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:        r.ID,
		ClientID:  r.ClientID,
		FromID:    r.FromID,
		FromName:  r.FromName,
		ToID:      r.ToID,
		Text:      r.Body,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
