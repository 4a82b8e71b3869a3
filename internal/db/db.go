// Package db is the devserver's SQLite store: users, friendships,
// direct conversations and their messages.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"heyochat/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB opens (or creates) the database at dbPath. ":memory:" keeps
// everything in one in-process connection.
func NewDB(dbPath string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	memory := dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:")
	if !memory {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: sqlDB, logger: logger}
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("Database ready", zap.String("path", dbPath))
	return db, nil
}

func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE,
		password TEXT NOT NULL,
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS friendships (
		user_id INTEGER NOT NULL,
		friend_id INTEGER NOT NULL,
		PRIMARY KEY (user_id, friend_id),
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (friend_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_a INTEGER NOT NULL,
		user_b INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (user_a, user_b),
		FOREIGN KEY (user_a) REFERENCES users(id),
		FOREIGN KEY (user_b) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender_id INTEGER NOT NULL,
		receiver_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		read INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (sender_id) REFERENCES users(id),
		FOREIGN KEY (receiver_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// pair orders two user ids the way the conversations table stores them.
func pair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) models.Time {
	if ms == 0 {
		return models.Time{}
	}
	return models.NewTime(time.UnixMilli(ms))
}

func (db *DB) CreateUser(username, email, passwordHash string) (*models.User, error) {
	var emailArg interface{}
	if email != "" {
		emailArg = email
	}
	result, err := db.Exec(
		"INSERT INTO users (username, email, password, created_at) VALUES (?, ?, ?, ?)",
		username, emailArg, passwordHash, millis(time.Now()),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("user %q: %w", username, ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.User{ID: id, Username: username, Email: email, Password: passwordHash}, nil
}

func (db *DB) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	var email sql.NullString
	err := row.Scan(&user.ID, &user.Username, &email, &user.Password, &user.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	user.Email = email.String
	return &user, nil
}

// GetUserByLogin finds a user by username or email.
func (db *DB) GetUserByLogin(login string) (*models.User, error) {
	return db.scanUser(db.QueryRow(
		"SELECT id, username, email, password, avatar_url FROM users WHERE username = ? OR email = ?",
		login, login,
	))
}

func (db *DB) GetUserByID(id int64) (*models.User, error) {
	return db.scanUser(db.QueryRow(
		"SELECT id, username, email, password, avatar_url FROM users WHERE id = ?",
		id,
	))
}

// AddFriendship records a mutual friendship.
func (db *DB) AddFriendship(a, b int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range [][2]int64{{a, b}, {b, a}} {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO friendships (user_id, friend_id) VALUES (?, ?)",
			p[0], p[1],
		); err != nil {
			return fmt.Errorf("failed to add friendship: %w", err)
		}
	}
	return tx.Commit()
}

func (db *DB) AreFriends(a, b int64) (bool, error) {
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM friendships WHERE user_id = ? AND friend_id = ?",
		a, b,
	).Scan(&n)
	return n > 0, err
}

func (db *DB) FriendIDs(userID int64) ([]int64, error) {
	rows, err := db.Query("SELECT friend_id FROM friendships WHERE user_id = ? ORDER BY friend_id", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// EnsureConversation creates the conversation between a and b if missing
// and returns its id.
func (db *DB) EnsureConversation(a, b int64) (int64, error) {
	lo, hi := pair(a, b)
	if _, err := db.Exec(
		"INSERT OR IGNORE INTO conversations (user_a, user_b, created_at) VALUES (?, ?, ?)",
		lo, hi, millis(time.Now()),
	); err != nil {
		return 0, fmt.Errorf("failed to create conversation: %w", err)
	}
	var id int64
	err := db.QueryRow("SELECT id FROM conversations WHERE user_a = ? AND user_b = ?", lo, hi).Scan(&id)
	return id, err
}

const conversationQuery = `
	SELECT c.id, p.id, p.username, p.avatar_url,
		COALESCE((SELECT m.content FROM messages m
			WHERE (m.sender_id = c.user_a AND m.receiver_id = c.user_b)
			   OR (m.sender_id = c.user_b AND m.receiver_id = c.user_a)
			ORDER BY m.created_at DESC, m.id DESC LIMIT 1), ''),
		COALESCE((SELECT m.created_at FROM messages m
			WHERE (m.sender_id = c.user_a AND m.receiver_id = c.user_b)
			   OR (m.sender_id = c.user_b AND m.receiver_id = c.user_a)
			ORDER BY m.created_at DESC, m.id DESC LIMIT 1), 0),
		(SELECT COUNT(*) FROM messages m
			WHERE m.sender_id = p.id AND m.receiver_id = ? AND m.read = 0)
	FROM conversations c
	JOIN users p ON p.id = CASE WHEN c.user_a = ? THEN c.user_b ELSE c.user_a END
	WHERE (c.user_a = ? OR c.user_b = ?)`

func (db *DB) queryConversations(userID int64, extra string, args ...interface{}) ([]models.Conversation, error) {
	query := conversationQuery + extra + " ORDER BY 6 DESC, 1 DESC"
	rows, err := db.Query(query, append([]interface{}{userID, userID, userID, userID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := []models.Conversation{}
	for rows.Next() {
		var c models.Conversation
		var lastAt int64
		if err := rows.Scan(&c.ID, &c.PartnerID, &c.PartnerUsername, &c.PartnerAvatarURL,
			&c.LastMessage, &lastAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastMessageAt = fromMillis(lastAt)
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// ListConversations returns userID's conversations, most recent first.
func (db *DB) ListConversations(userID int64) ([]models.Conversation, error) {
	return db.queryConversations(userID, "")
}

// SearchConversations filters by partner username, case-insensitively.
func (db *DB) SearchConversations(userID int64, query string) ([]models.Conversation, error) {
	return db.queryConversations(userID, " AND p.username LIKE ? COLLATE NOCASE", "%"+query+"%")
}

func (db *DB) GetConversation(userID, partnerID int64) (*models.Conversation, error) {
	list, err := db.queryConversations(userID, " AND p.id = ?", partnerID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// FriendsWithoutConversation lists friends userID has no conversation with.
func (db *DB) FriendsWithoutConversation(userID int64) ([]models.User, error) {
	rows, err := db.Query(`
		SELECT u.id, u.username, u.avatar_url
		FROM friendships f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM conversations c
			WHERE (c.user_a = f.user_id AND c.user_b = f.friend_id)
			   OR (c.user_b = f.user_id AND c.user_a = f.friend_id))
		ORDER BY u.username COLLATE NOCASE`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SaveMessage stores a message, creating the conversation on first use.
func (db *DB) SaveMessage(senderID, receiverID int64, content string) (*models.ChatMessage, error) {
	if _, err := db.EnsureConversation(senderID, receiverID); err != nil {
		return nil, err
	}
	now := time.Now()
	result, err := db.Exec(
		"INSERT INTO messages (sender_id, receiver_id, content, created_at) VALUES (?, ?, ?, ?)",
		senderID, receiverID, content, millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	msg := &models.ChatMessage{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  fromMillis(millis(now)),
	}
	if err := db.QueryRow(
		"SELECT s.username, s.avatar_url, r.username FROM users s, users r WHERE s.id = ? AND r.id = ?",
		senderID, receiverID,
	).Scan(&msg.SenderUsername, &msg.SenderAvatarURL, &msg.ReceiverUsername); err != nil {
		return nil, fmt.Errorf("failed to load message parties: %w", err)
	}
	db.logger.Debug("Message saved",
		zap.Int64("id", id),
		zap.Int64("sender_id", senderID),
		zap.Int64("receiver_id", receiverID))
	return msg, nil
}

// GetMessages returns the history between userID and partnerID, oldest
// first.
func (db *DB) GetMessages(userID, partnerID int64) ([]models.ChatMessage, error) {
	rows, err := db.Query(`
		SELECT m.id, m.sender_id, s.username, s.avatar_url, m.receiver_id, r.username,
			m.content, m.read, m.created_at
		FROM messages m
		JOIN users s ON s.id = m.sender_id
		JOIN users r ON r.id = m.receiver_id
		WHERE (m.sender_id = ? AND m.receiver_id = ?)
		   OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.created_at ASC, m.id ASC`,
		userID, partnerID, partnerID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		var m models.ChatMessage
		var at int64
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername, &m.SenderAvatarURL,
			&m.ReceiverID, &m.ReceiverUsername, &m.Content, &m.Read, &at); err != nil {
			return nil, err
		}
		m.CreatedAt = fromMillis(at)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkRead marks every message from partnerID to userID as read.
func (db *DB) MarkRead(userID, partnerID int64) (int64, error) {
	result, err := db.Exec(
		"UPDATE messages SET read = 1 WHERE sender_id = ? AND receiver_id = ? AND read = 0",
		partnerID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark read: %w", err)
	}
	return result.RowsAffected()
}

func (db *DB) UnreadCount(userID int64) (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND read = 0", userID).Scan(&n)
	return n, err
}
