package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

// Proposal statuses.
const (
	ProposalPending   = "pending"
	ProposalAccepted  = "accepted"
	ProposalRejected  = "rejected"
	ProposalWithdrawn = "withdrawn"
)

// Message statuses.
const (
	MessageDelivered = "delivered"
	MessageRead      = "read"
)

// Store wraps SQLite access for the marketplace records the realtime
// producers touch.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
            token TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            expires_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS proposals (
            id TEXT PRIMARY KEY,
            job_id TEXT NOT NULL,
            freelancer_id TEXT NOT NULL,
            employer_id TEXT NOT NULL,
            cover_letter TEXT,
            amount_cents INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_proposals_job_freelancer ON proposals(job_id, freelancer_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            sender_id TEXT NOT NULL,
            recipient_id TEXT NOT NULL,
            body TEXT NOT NULL,
            status TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL,
            read_at TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS notifications (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            title TEXT NOT NULL,
            link TEXT,
            read INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession stores a session token for userID valid for ttl.
func (s *Store) CreateSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, now, now.Add(ttl))
	return err
}

// SessionUser resolves an unexpired session token to its user id.
func (s *Store) SessionUser(ctx context.Context, token string) (string, error) {
	var userID string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM sessions WHERE token = ?`, token).Scan(&userID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if !s.now().Before(expires) {
		return "", ErrNotFound
	}
	return userID, nil
}

// Proposal is a freelancer's bid on an employer's job.
type Proposal struct {
	ID           string    `json:"id"`
	JobID        string    `json:"jobId"`
	FreelancerID string    `json:"freelancerId"`
	EmployerID   string    `json:"employerId"`
	CoverLetter  string    `json:"coverLetter"`
	AmountCents  int64     `json:"amountCents"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s *Store) CreateProposal(ctx context.Context, p Proposal) (*Proposal, error) {
	now := s.now()
	p.ID = uuid.NewString()
	p.Status = ProposalPending
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO proposals
        (id, job_id, freelancer_id, employer_id, cover_letter, amount_cents, status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.JobID, p.FreelancerID, p.EmployerID, p.CoverLetter, p.AmountCents, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	var cover sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, job_id, freelancer_id, employer_id, cover_letter, amount_cents, status, created_at, updated_at
        FROM proposals WHERE id = ?`, id).Scan(
		&p.ID, &p.JobID, &p.FreelancerID, &p.EmployerID, &cover, &p.AmountCents, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CoverLetter = cover.String
	return &p, nil
}

// SetProposalStatus moves a proposal from one status to another. It fails
// with ErrNotFound when the proposal does not exist or is no longer in
// status from.
func (s *Store) SetProposalStatus(ctx context.Context, id, from, to string) (*Proposal, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE proposals SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, s.now(), id, from)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetProposal(ctx, id)
}

// Message is a direct message between two users.
type Message struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"senderId"`
	RecipientID string     `json:"recipientId"`
	Body        string     `json:"body"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
}

func (s *Store) CreateMessage(ctx context.Context, senderID, recipientID, body string) (*Message, error) {
	m := Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		Status:      MessageDelivered,
		CreatedAt:   s.now(),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO messages (id, sender_id, recipient_id, body, status, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`, m.ID, m.SenderID, m.RecipientID, m.Body, m.Status, m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	var m Message
	var readAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT id, sender_id, recipient_id, body, status, created_at, read_at
        FROM messages WHERE id = ?`, id).Scan(&m.ID, &m.SenderID, &m.RecipientID, &m.Body, &m.Status, &m.CreatedAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		m.ReadAt = &t
	}
	return &m, nil
}

// MarkMessageRead records the read receipt. Marking an already read
// message keeps the first read time.
func (s *Store) MarkMessageRead(ctx context.Context, id string) (*Message, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, read_at = COALESCE(read_at, ?) WHERE id = ?`,
		MessageRead, s.now(), id)
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

// Notification is a persisted inbox entry; it survives when the realtime
// push is missed.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Title     string    `json:"title"`
	Link      string    `json:"link,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Store) CreateNotification(ctx context.Context, n Notification) (*Notification, error) {
	n.ID = uuid.NewString()
	n.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications (id, user_id, kind, title, link, read, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`, n.ID, n.UserID, n.Kind, n.Title, n.Link, n.Read, n.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, kind, title, link, read, created_at
        FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Notification{}
	for rows.Next() {
		var n Notification
		var link sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &link, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Link = link.String
		out = append(out, n)
	}
	return out, rows.Err()
}
