package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"BoltChat/internal/session"
)

// DefaultDSN keeps the database in memory so nothing touches disk unless configured.
const DefaultDSN = ":memory:"

// SQLite is a Store backed by a sqlite database. With a file DSN the
// conversation list and local history survive restarts, including for
// backends that cannot list conversations.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (and migrates) the database at dsn
func OpenSQLite(dsn string, logger *slog.Logger) (*SQLite, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every pooled connection to ":memory:" would be a separate database
	db.SetMaxOpenConns(1)

	createConversationsTable := `
	CREATE TABLE IF NOT EXISTS conversations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		title TEXT,
		created_at DATETIME
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL,
		role TEXT,
		content TEXT,
		timestamp DATETIME,
		FOREIGN KEY(conversation_id) REFERENCES conversations(id)
	);`

	if _, err := db.Exec(createConversationsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create conversations table: %w", err)
	}

	if _, err := db.Exec(createMessagesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create messages table: %w", err)
	}

	logger.Info("opened conversation store", "dsn", dsn)
	return &SQLite{db: db, logger: logger}, nil
}

func (s *SQLite) Create(conv session.Conversation) error {
	if conv.ID == "" {
		return session.ErrMissingConversationID
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := conversationExists(tx, conv.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrConversationExists, conv.ID)
	}

	createdAt := conv.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := tx.Exec(
		"INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)",
		conv.ID, conv.Title, createdAt,
	); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}

	if err := insertMessages(tx, conv.ID, conv.Messages); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.logger.Debug("conversation stored", "conversation_id", conv.ID)
	return nil
}

func (s *SQLite) AppendMessage(conversationID string, msg session.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := conversationExists(tx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	if err := insertMessages(tx, conversationID, []session.Message{msg}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) ReplaceMessages(conversationID string, msgs []session.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := conversationExists(tx, conversationID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if err := insertMessages(tx, conversationID, msgs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) List() ([]session.Conversation, error) {
	rows, err := s.db.Query("SELECT id, title, created_at FROM conversations ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	var convs []session.Conversation
	for rows.Next() {
		var conv session.Conversation
		if err := rows.Scan(&conv.ID, &conv.Title, &conv.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	rows.Close()

	for i := range convs {
		msgs, err := s.loadMessages(convs[i].ID)
		if err != nil {
			return nil, err
		}
		convs[i].Messages = msgs
	}
	return convs, nil
}

func (s *SQLite) Get(conversationID string) (session.Conversation, error) {
	var conv session.Conversation
	err := s.db.QueryRow(
		"SELECT id, title, created_at FROM conversations WHERE id = ?", conversationID,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return session.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
	}

	msgs, err := s.loadMessages(conversationID)
	if err != nil {
		return session.Conversation{}, err
	}
	conv.Messages = msgs
	return conv, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) loadMessages(conversationID string) ([]session.Message, error) {
	rows, err := s.db.Query(
		"SELECT role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY id",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	messages := []session.Message{}
	for rows.Next() {
		var msg session.Message
		var role string
		if err := rows.Scan(&role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = session.Role(role)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func conversationExists(tx *sql.Tx, id string) (bool, error) {
	var n int
	if err := tx.QueryRow("SELECT COUNT(1) FROM conversations WHERE id = ?", id).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up conversation: %w", err)
	}
	return n > 0, nil
}

func insertMessages(tx *sql.Tx, conversationID string, msgs []session.Message) error {
	for _, msg := range msgs {
		if _, err := tx.Exec(
			"INSERT INTO messages (conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
			conversationID, string(msg.Role), msg.Content, msg.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
	}
	return nil
}
