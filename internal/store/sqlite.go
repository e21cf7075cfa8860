package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB

	// One lock per conversation id so appends to the same conversation
	// serialize while independent conversations proceed in parallel.
	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, convLocks: make(map[string]*sync.Mutex)}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        kind TEXT NOT NULL DEFAULT 'chat' CHECK (kind IN ('chat', 'social')),
        title TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        last_active DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
        content TEXT NOT NULL,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, timestamp);

    CREATE TABLE IF NOT EXISTS knowledge_chunks (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        content TEXT NOT NULL,
        embedding_json TEXT -- JSON string of []float32
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		s.convLocks[conversationID] = l
	}
	return l
}

// Conversation methods

func (s *SQLiteStore) CreateConversation(userID, kind, title string) (*Conversation, error) {
	if kind == "" {
		kind = KindChat
	}
	convID := uuid.NewString()
	now := time.Now().UTC()

	stmt, err := s.db.Prepare("INSERT INTO conversations (id, user_id, kind, title, created_at, last_active) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare conversation insert: %w", err)
	}
	defer stmt.Close()

	if _, err = stmt.Exec(convID, userID, kind, title, now, now); err != nil {
		return nil, fmt.Errorf("failed to execute conversation insert: %w", err)
	}
	return &Conversation{ID: convID, UserID: userID, Kind: kind, Title: title, CreatedAt: now, LastActive: now}, nil
}

func (s *SQLiteStore) GetConversation(userID, conversationID string) (*Conversation, error) {
	var conv Conversation
	var title sql.NullString
	err := s.db.QueryRow(
		"SELECT id, user_id, kind, title, created_at, last_active FROM conversations WHERE id = ? AND user_id = ?",
		conversationID, userID,
	).Scan(&conv.ID, &conv.UserID, &conv.Kind, &title, &conv.CreatedAt, &conv.LastActive)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.Title = title.String
	return &conv, nil
}

// ListConversations returns the user's conversations, newest activity first.
// An empty kind lists every kind.
func (s *SQLiteStore) ListConversations(userID, kind string) ([]Conversation, error) {
	query := "SELECT id, user_id, kind, title, created_at, last_active FROM conversations WHERE user_id = ? ORDER BY last_active DESC"
	args := []any{userID}
	if kind != "" {
		query = "SELECT id, user_id, kind, title, created_at, last_active FROM conversations WHERE user_id = ? AND kind = ? ORDER BY last_active DESC"
		args = []any{userID, kind}
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var conv Conversation
		var title sql.NullString
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Kind, &title, &conv.CreatedAt, &conv.LastActive); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		conv.Title = title.String
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(userID, conversationID string) error {
	res, err := s.db.Exec("DELETE FROM conversations WHERE id = ? AND user_id = ?", conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	_, err = s.db.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation messages: %w", err)
	}
	return nil
}

// SetTitleIfEmpty sets the conversation title only when none is present yet
// (first-write-wins). Returns true when the title was applied.
func (s *SQLiteStore) SetTitleIfEmpty(userID, conversationID, title string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE conversations SET title = ? WHERE id = ? AND user_id = ? AND (title IS NULL OR title = '')",
		title, conversationID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set conversation title: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLiteStore) SetTitle(userID, conversationID, title string) error {
	res, err := s.db.Exec("UPDATE conversations SET title = ? WHERE id = ? AND user_id = ?", title, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to update conversation title: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Message methods

// AppendExchange appends messages to a conversation as one atomic unit and
// bumps last_active. Concurrent appends to the same conversation serialize on
// a per-conversation lock; timestamps within the batch are non-decreasing.
func (s *SQLiteStore) AppendExchange(userID, conversationID string, msgs []Message) ([]Message, error) {
	if _, err := s.GetConversation(userID, conversationID); err != nil {
		return nil, err
	}

	l := s.lockFor(conversationID)
	l.Lock()
	defer l.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT INTO messages (id, conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	saved := make([]Message, 0, len(msgs))
	for i, msg := range msgs {
		msg.ID = uuid.NewString()
		msg.ConversationID = conversationID
		// Preserve batch order even when inserted within the same tick.
		msg.Timestamp = now.Add(time.Duration(i) * time.Microsecond)
		if _, err := stmt.Exec(msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to execute message insert: %w", err)
		}
		saved = append(saved, msg)
	}

	if _, err := tx.Exec("UPDATE conversations SET last_active = ? WHERE id = ?", now, conversationID); err != nil {
		return nil, fmt.Errorf("failed to bump last_active: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append transaction: %w", err)
	}
	return saved, nil
}

func (s *SQLiteStore) GetMessages(userID, conversationID string, page, pageSize int) ([]Message, error) {
	if _, err := s.GetConversation(userID, conversationID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	offset := (page - 1) * pageSize

	rows, err := s.db.Query(
		"SELECT id, conversation_id, role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC LIMIT ? OFFSET ?",
		conversationID, pageSize, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetLastNMessages returns the most recent n messages in chronological order.
func (s *SQLiteStore) GetLastNMessages(conversationID string, n int) ([]Message, error) {
	rows, err := s.db.Query(
		"SELECT id, conversation_id, role, content, timestamp FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC LIMIT ?",
		conversationID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// KnowledgeChunk methods (for retrieval)

func (s *SQLiteStore) createKnowledgeChunk(chunk *KnowledgeChunk) error {
	embeddingBytes, err := json.Marshal(chunk.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	chunk.EmbeddingJSON = string(embeddingBytes)

	res, err := s.db.Exec("INSERT INTO knowledge_chunks (content, embedding_json) VALUES (?, ?)", chunk.Content, chunk.EmbeddingJSON)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge chunk: %w", err)
	}
	chunk.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) GetAllKnowledgeChunks() ([]KnowledgeChunk, error) {
	rows, err := s.db.Query("SELECT id, content, embedding_json FROM knowledge_chunks")
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge chunks: %w", err)
	}
	defer rows.Close()

	var chunks []KnowledgeChunk
	for rows.Next() {
		var chunk KnowledgeChunk
		var embeddingJSON sql.NullString
		if err := rows.Scan(&chunk.ID, &chunk.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan knowledge chunk row: %w", err)
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			if err := json.Unmarshal([]byte(embeddingJSON.String), &chunk.Embedding); err != nil {
				log.Printf("Warning: failed to unmarshal embedding for chunk %d: %v. Embedding will be empty.", chunk.ID, err)
				chunk.Embedding = nil
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}

func (s *SQLiteStore) ClearKnowledgeChunks() error {
	if _, err := s.db.Exec("DELETE FROM knowledge_chunks"); err != nil {
		return fmt.Errorf("failed to delete knowledge chunks: %w", err)
	}
	_, err := s.db.Exec("DELETE FROM sqlite_sequence WHERE name='knowledge_chunks'")
	if err != nil && !strings.Contains(err.Error(), "no such table") {
		log.Printf("Warning: could not reset sequence for knowledge_chunks: %v", err)
	}
	return nil
}

// IngestKnowledgeFile reads a Markdown knowledge table, embeds each row and
// replaces the stored chunks. Rows look like "| some passage |".
func (s *SQLiteStore) IngestKnowledgeFile(filePath string, embedder func(string) ([]float32, error)) (int, error) {
	contentBytes, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read knowledge file %s: %w", filePath, err)
	}

	var rawChunks []string
	for i, line := range strings.Split(string(contentBytes), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !strings.HasPrefix(trimmed, "|") || !strings.HasSuffix(trimmed, "|") {
			continue
		}
		if i <= 1 && strings.Contains(trimmed, "---") {
			continue // table separator
		}
		parts := strings.Split(trimmed, "|")
		if len(parts) < 3 {
			continue
		}
		cell := strings.TrimSpace(parts[1])
		if cell == "" || (i == 0 && strings.EqualFold(cell, "text")) {
			continue
		}
		rawChunks = append(rawChunks, cell)
	}

	if len(rawChunks) == 0 {
		log.Println("No chunks found in knowledge file. Expected a Markdown table with one passage per row.")
		return 0, nil
	}

	if err := s.ClearKnowledgeChunks(); err != nil {
		return 0, fmt.Errorf("failed to clear existing knowledge chunks: %w", err)
	}

	log.Printf("Embedding %d knowledge chunks (this may take a while)...", len(rawChunks))

	ticker := time.NewTicker(40 * time.Millisecond) // stay under the embedding rate limit
	defer ticker.Stop()

	count := 0
	for i, raw := range rawChunks {
		<-ticker.C

		embedding, err := embedder(raw)
		if err != nil {
			log.Printf("Failed to embed chunk %d (%.50q): %v. Skipping.", i+1, raw, err)
			continue
		}
		chunk := KnowledgeChunk{Content: raw, Embedding: embedding}
		if err := s.createKnowledgeChunk(&chunk); err != nil {
			log.Printf("Failed to store chunk %d: %v. Skipping.", i+1, err)
			continue
		}
		count++
	}
	log.Printf("Ingested %d/%d knowledge chunks.", count, len(rawChunks))
	return count, nil
}
