package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"sotto/internal/domain"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint is violated.
var ErrDuplicate = errors.New("already exists")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	email         TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	public_key    TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                   TEXT PRIMARY KEY,
	sender_id            TEXT NOT NULL REFERENCES users(id),
	receiver_id          TEXT NOT NULL REFERENCES users(id),
	ciphertext           TEXT NOT NULL,
	nonce                TEXT NOT NULL,
	sender_public_key    TEXT NOT NULL,
	recipient_public_key TEXT NOT NULL,
	created_at           INTEGER NOT NULL,
	edited_at            INTEGER,
	is_edited            INTEGER NOT NULL DEFAULT 0,
	is_read              INTEGER NOT NULL DEFAULT 0,
	deleted              INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(sender_id, receiver_id, created_at);
`

// Store is the sqlite-backed persistence layer. Message rows hold only
// sealed boxes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (and migrates) the database at dsn.
func OpenStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// UserRecord is one users row.
type UserRecord struct {
	ID           domain.UserID
	Username     string
	Email        string
	PasswordHash string
	PublicKey    string
	CreatedAt    time.Time
}

// Profile returns the public view of the record.
func (u UserRecord) Profile() domain.User {
	return domain.User{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		PublicKey: u.PublicKey,
	}
}

// CreateUser inserts a new account and returns it.
func (s *Store) CreateUser(ctx context.Context, username, email, passwordHash string) (UserRecord, error) {
	now := s.now()
	u := UserRecord{
		ID:           domain.UserID(ulid.Make().String()),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		u.ID.String(), u.Username, u.Email, u.PasswordHash, now.UnixMilli())
	if err != nil {
		return UserRecord{}, mapConstraint(err)
	}
	return u, nil
}

// UserByUsername looks an account up by username.
func (s *Store) UserByUsername(ctx context.Context, username string) (UserRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, public_key, created_at
		 FROM users WHERE username = ?`, username))
}

// UserByID looks an account up by id.
func (s *Store) UserByID(ctx context.Context, id domain.UserID) (UserRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, public_key, created_at
		 FROM users WHERE id = ?`, id.String()))
}

// SearchUsers finds users whose username starts with the given prefix.
func (s *Store) SearchUsers(ctx context.Context, prefix string) ([]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, password_hash, public_key, created_at
		 FROM users WHERE username LIKE ? || '%' ORDER BY username LIMIT 25`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// SetPublicKey records the public key a user currently advertises.
func (s *Store) SetPublicKey(ctx context.Context, id domain.UserID, publicKey string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET public_key = ? WHERE id = ?`, publicKey, id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SetPasswordHash replaces a user's password hash.
func (s *Store) SetPasswordHash(ctx context.Context, id domain.UserID, hash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = ? WHERE id = ?`, hash, id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UserByEmail looks an account up by email.
func (s *Store) UserByEmail(ctx context.Context, email string) (UserRecord, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, public_key, created_at
		 FROM users WHERE email = ?`, email))
}

// RecentUsers lists the users the caller has exchanged messages with,
// most recent conversation first.
func (s *Store) RecentUsers(ctx context.Context, id domain.UserID) ([]UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT u.id, u.username, u.email, u.password_hash, u.public_key, u.created_at
		 FROM users u
		 JOIN (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS peer,
			       MAX(created_at) AS last
			FROM messages
			WHERE deleted = 0 AND (sender_id = ? OR receiver_id = ?)
			GROUP BY peer
		 ) m ON m.peer = u.id
		 ORDER BY m.last DESC`,
		id.String(), id.String(), id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectUsers(rows)
}

// SaveMessage persists one sealed message and returns its id and
// creation time.
func (s *Store) SaveMessage(ctx context.Context, msg domain.Message) (string, time.Time, error) {
	id := ulid.Make().String()
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages
		 (id, sender_id, receiver_id, ciphertext, nonce, sender_public_key,
		  recipient_public_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, msg.SenderID.String(), msg.ReceiverID.String(),
		msg.Ciphertext, msg.Nonce, msg.SenderPublicKey, msg.RecipientPublicKey,
		now.UnixMilli())
	if err != nil {
		return "", time.Time{}, err
	}
	return id, now, nil
}

// UpdateMessage replaces a message's sealed content. Only the original
// sender may edit.
func (s *Store) UpdateMessage(ctx context.Context, id string, sender domain.UserID, ciphertext, nonce, senderPublicKey, recipientPublicKey string) (domain.Message, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages
		 SET ciphertext = ?, nonce = ?, sender_public_key = ?,
		     recipient_public_key = ?, is_edited = 1, edited_at = ?
		 WHERE id = ? AND sender_id = ? AND deleted = 0`,
		ciphertext, nonce, senderPublicKey, recipientPublicKey,
		s.now().UnixMilli(), id, sender.String())
	if err != nil {
		return domain.Message{}, err
	}
	if err := requireRow(res); err != nil {
		return domain.Message{}, err
	}
	return s.MessageByID(ctx, id)
}

// MessageByID returns one message row.
func (s *Store) MessageByID(ctx context.Context, id string) (domain.Message, error) {
	return scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, sender_id, receiver_id, ciphertext, nonce,
		        sender_public_key, recipient_public_key, created_at, is_edited, is_read
		 FROM messages WHERE id = ? AND deleted = 0`, id))
}

// Conversation returns the stored conversation between two users in
// creation order.
func (s *Store) Conversation(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, receiver_id, ciphertext, nonce,
		        sender_public_key, recipient_public_key, created_at, is_edited, is_read
		 FROM messages
		 WHERE deleted = 0
		   AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		 ORDER BY created_at ASC`,
		a.String(), b.String(), b.String(), a.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkRead flags every unread message from sender to receiver as read.
func (s *Store) MarkRead(ctx context.Context, sender, receiver domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET is_read = 1
		 WHERE sender_id = ? AND receiver_id = ? AND is_read = 0 AND deleted = 0`,
		sender.String(), receiver.String())
	return err
}

// DeleteMessage soft-deletes a message. Only the sender may delete.
func (s *Store) DeleteMessage(ctx context.Context, id string, sender domain.UserID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET deleted = 1
		 WHERE id = ? AND sender_id = ? AND deleted = 0`,
		id, sender.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanUser(row rowScanner) (UserRecord, error) {
	var u UserRecord
	var id string
	var created int64
	err := row.Scan(&id, &u.Username, &u.Email, &u.PasswordHash, &u.PublicKey, &created)
	if err != nil {
		return UserRecord{}, mapNotFound(err)
	}
	u.ID = domain.UserID(id)
	u.CreatedAt = time.UnixMilli(created)
	return u, nil
}

func collectUsers(rows *sql.Rows) ([]UserRecord, error) {
	var out []UserRecord
	for rows.Next() {
		var u UserRecord
		var id string
		var created int64
		if err := rows.Scan(&id, &u.Username, &u.Email, &u.PasswordHash, &u.PublicKey, &created); err != nil {
			return nil, err
		}
		u.ID = domain.UserID(id)
		u.CreatedAt = time.UnixMilli(created)
		out = append(out, u)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var m domain.Message
	var sender, receiver string
	var created int64
	err := row.Scan(&m.ID, &sender, &receiver, &m.Ciphertext, &m.Nonce,
		&m.SenderPublicKey, &m.RecipientPublicKey, &created, &m.IsEdited, &m.IsRead)
	if err != nil {
		return domain.Message{}, mapNotFound(err)
	}
	m.SenderID = domain.UserID(sender)
	m.ReceiverID = domain.UserID(receiver)
	m.CreatedAt = time.UnixMilli(created)
	return m, nil
}

func mapNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func mapConstraint(err error) error {
	// modernc/sqlite surfaces constraint violations as error strings;
	// there is no typed error to unwrap.
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
