package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"validchat/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQL-backed durable store for companies, conversations and messages.
// Queries use "?" placeholders so the same statements run on MySQL and SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store over an open, migrated database.
func New(db *sql.DB) *Store {
	return &Store{
		db: db,
		now: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	}
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateCompany creates a tenant with a freshly generated API key.
func (s *Store) CreateCompany(ctx context.Context, name, domain string) (*model.Company, error) {
	company := &model.Company{
		UID:    uuid.NewString(),
		Name:   name,
		Domain: domain,
		APIKey: uuid.NewString(),
	}

	var dom sql.NullString
	if domain != "" {
		dom = sql.NullString{String: domain, Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO companies (uid, name, domain, api_key, created_at) VALUES (?, ?, ?, ?, ?)",
		company.UID, company.Name, dom, company.APIKey, s.now())
	if err != nil {
		return nil, fmt.Errorf("insert company: %w", err)
	}

	company.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("company id: %w", err)
	}
	return company, nil
}

// CompanyByAPIKey looks up the company owning apiKey.
func (s *Store) CompanyByAPIKey(ctx context.Context, apiKey string) (*model.Company, error) {
	var (
		company model.Company
		domain  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, uid, name, domain, api_key FROM companies WHERE api_key = ?", apiKey).
		Scan(&company.ID, &company.UID, &company.Name, &domain, &company.APIKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select company: %w", err)
	}
	company.Domain = domain.String
	return &company, nil
}

// CreateConversation opens a new conversation for companyID.
func (s *Store) CreateConversation(ctx context.Context, companyID int64) (*model.Conversation, error) {
	now := s.now()
	convo := &model.Conversation{
		UID:       uuid.NewString(),
		CompanyID: companyID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (uid, company_id, created_at, updated_at) VALUES (?, ?, ?, ?)",
		convo.UID, convo.CompanyID, convo.CreatedAt, convo.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	convo.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("conversation id: %w", err)
	}
	return convo, nil
}

// Conversation returns the conversation with the given id.
func (s *Store) Conversation(ctx context.Context, id int64) (*model.Conversation, error) {
	var convo model.Conversation
	err := s.db.QueryRowContext(ctx,
		"SELECT id, uid, company_id, created_at, updated_at FROM conversations WHERE id = ?", id).
		Scan(&convo.ID, &convo.UID, &convo.CompanyID, &convo.CreatedAt, &convo.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	return &convo, nil
}

// RecordWidgetInstall remembers a site the widget was loaded on.
func (s *Store) RecordWidgetInstall(ctx context.Context, companyID int64, siteURL string) error {
	siteURL = strings.TrimSpace(siteURL)
	if siteURL == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO widget_installs (uid, company_id, site_url, created_at) VALUES (?, ?, ?, ?)",
		uuid.NewString(), companyID, siteURL, s.now())
	if err != nil {
		return fmt.Errorf("insert widget install: %w", err)
	}
	return nil
}

// AppendMessage stores a message in an existing conversation.
// It returns ErrNotFound if the conversation does not exist.
func (s *Store) AppendMessage(ctx context.Context, conversationID int64, sender model.Sender, body string) (*model.Message, error) {
	msg := &model.Message{
		UID:            uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)", conversationID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	result, err := tx.ExecContext(ctx,
		"INSERT INTO messages (uid, conversation_id, sender_type, body, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.UID, msg.ConversationID, string(msg.Sender), msg.Body, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	msg.ID, err = result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// TouchConversation bumps updated_at so conversation lists sort by activity.
func (s *Store) TouchConversation(ctx context.Context, conversationID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET updated_at = ? WHERE id = ?", s.now(), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
