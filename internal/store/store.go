// Package store provides durable keyed storage of conversations,
// backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bhzitouni/intake/internal/fault"
	"github.com/bhzitouni/intake/internal/state"
)

// Conversation is one row: a resumable interview owned by a user.
// The four state parts are stored independently serialized.
type Conversation struct {
	ID          string
	OwnerID     string
	CreatedAt   time.Time
	Completed   bool
	CompletedAt *time.Time
	Parts       state.Parts
}

// Store provides conversation persistence. All writes touch a single
// row in a single statement, so a concurrent reader never observes a
// partial field write.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the conversation database.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	// WAL mode allows multiple readers and one writer simultaneously
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		owner_id        TEXT NOT NULL,
		created_at      INTEGER NOT NULL,
		completed       INTEGER NOT NULL DEFAULT 0,
		completed_at    INTEGER,
		answers         TEXT NOT NULL DEFAULT '{}',
		transcript      TEXT NOT NULL DEFAULT '[]',
		question_index  INTEGER NOT NULL DEFAULT 0,
		skip            INTEGER NOT NULL DEFAULT 0,
		attempt_counter TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id);
	CREATE INDEX IF NOT EXISTS idx_conversations_active ON conversations(owner_id, completed);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Create inserts a new conversation row.
func (s *Store) Create(ctx context.Context, c *Conversation) error {
	query := `
		INSERT INTO conversations (conversation_id, owner_id, created_at, completed, completed_at,
			answers, transcript, question_index, skip, attempt_counter)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.OwnerID, c.CreatedAt.Unix(), boolToInt(c.Completed), timePtrToUnix(c.CompletedAt),
		c.Parts.Answers, c.Parts.Transcript, c.Parts.QuestionIndex, c.Parts.Skip, c.Parts.AttemptCounter)
	if err != nil {
		return fault.Wrap(fault.Internal, fmt.Errorf("failed to create conversation: %w", err))
	}
	return nil
}

const selectColumns = `conversation_id, owner_id, created_at, completed, completed_at,
	answers, transcript, question_index, skip, attempt_counter`

// Get looks up a conversation by owner and id.
func (s *Store) Get(ctx context.Context, ownerID, conversationID string) (*Conversation, error) {
	query := `SELECT ` + selectColumns + ` FROM conversations WHERE owner_id = ? AND conversation_id = ?`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, ownerID, conversationID))
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "conversation not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("failed to query conversation: %w", err))
	}
	return c, nil
}

// ActiveForOwner returns the owner's sole incomplete conversation. At
// most one is expected; if the invariant was ever violated by operator
// error the earliest row wins deterministically and the anomaly is
// logged.
func (s *Store) ActiveForOwner(ctx context.Context, ownerID string) (*Conversation, error) {
	var active int
	countQuery := `SELECT COUNT(*) FROM conversations WHERE owner_id = ? AND completed = 0`
	if err := s.db.QueryRowContext(ctx, countQuery, ownerID).Scan(&active); err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("failed to count active conversations: %w", err))
	}
	if active > 1 {
		log.Printf("WARNING: owner %s has %d incomplete conversations, expected at most 1", ownerID, active)
	}

	query := `SELECT ` + selectColumns + ` FROM conversations
		WHERE owner_id = ? AND completed = 0 ORDER BY created_at, conversation_id LIMIT 1`
	c, err := scanConversation(s.db.QueryRowContext(ctx, query, ownerID))
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "no active conversation found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("failed to query active conversation: %w", err))
	}
	return c, nil
}

// UpdateState writes all four state parts plus the lifecycle flags in
// one statement, so a step never persists a stale mix of parts.
func (s *Store) UpdateState(ctx context.Context, ownerID, conversationID string, p state.Parts, completed bool, completedAt *time.Time) error {
	query := `
		UPDATE conversations
		SET answers = ?, transcript = ?, question_index = ?, skip = ?, attempt_counter = ?,
			completed = ?, completed_at = ?
		WHERE owner_id = ? AND conversation_id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		p.Answers, p.Transcript, p.QuestionIndex, p.Skip, p.AttemptCounter,
		boolToInt(completed), timePtrToUnix(completedAt),
		ownerID, conversationID)
	if err != nil {
		return fault.Wrap(fault.Internal, fmt.Errorf("failed to update conversation state: %w", err))
	}
	return requireRow(result)
}

// UpdateAnswers overwrites only the answers part; the other state
// parts are untouched.
func (s *Store) UpdateAnswers(ctx context.Context, ownerID, conversationID, answersJSON string) error {
	query := `UPDATE conversations SET answers = ? WHERE owner_id = ? AND conversation_id = ?`
	result, err := s.db.ExecContext(ctx, query, answersJSON, ownerID, conversationID)
	if err != nil {
		return fault.Wrap(fault.Internal, fmt.Errorf("failed to update answers: %w", err))
	}
	return requireRow(result)
}

// Delete removes a conversation row. Hard delete, no soft-delete.
func (s *Store) Delete(ctx context.Context, ownerID, conversationID string) error {
	query := `DELETE FROM conversations WHERE owner_id = ? AND conversation_id = ?`
	result, err := s.db.ExecContext(ctx, query, ownerID, conversationID)
	if err != nil {
		return fault.Wrap(fault.Internal, fmt.Errorf("failed to delete conversation: %w", err))
	}
	return requireRow(result)
}

// ListCompleted returns all completed conversations for an owner,
// oldest first. Used to rebuild the search index.
func (s *Store) ListCompleted(ctx context.Context, ownerID string) ([]Conversation, error) {
	query := `SELECT ` + selectColumns + ` FROM conversations
		WHERE owner_id = ? AND completed = 1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("failed to query completed conversations: %w", err))
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, fmt.Errorf("failed to scan conversation: %w", err))
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("error iterating conversations: %w", err))
	}
	return convs, nil
}

// AllCompleted returns every completed conversation across all
// owners, oldest first. Used for a full search index rebuild.
func (s *Store) AllCompleted(ctx context.Context) ([]Conversation, error) {
	query := `SELECT ` + selectColumns + ` FROM conversations
		WHERE completed = 1 ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("failed to query completed conversations: %w", err))
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, fmt.Errorf("failed to scan conversation: %w", err))
		}
		convs = append(convs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, fmt.Errorf("error iterating conversations: %w", err))
	}
	return convs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var createdAt int64
	var completed int
	var completedAt sql.NullInt64
	err := row.Scan(&c.ID, &c.OwnerID, &createdAt, &completed, &completedAt,
		&c.Parts.Answers, &c.Parts.Transcript, &c.Parts.QuestionIndex, &c.Parts.Skip, &c.Parts.AttemptCounter)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.Completed = completed == 1
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		c.CompletedAt = &t
	}
	return &c, nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fault.Wrap(fault.Internal, fmt.Errorf("failed to read affected rows: %w", err))
	}
	if affected == 0 {
		return fault.New(fault.NotFound, "conversation not found")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timePtrToUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
