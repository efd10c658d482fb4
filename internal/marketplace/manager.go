package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"Marketplace-Realtime/internal/realtime"
	"Marketplace-Realtime/internal/store"
)

var (
	ErrForbidden        = errors.New("not allowed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidStatus    = errors.New("invalid proposal status")
	ErrProposalNotFound = errors.New("proposal not found")
	ErrProposalClosed   = errors.New("proposal is no longer pending")
	ErrProposalExists   = errors.New("proposal already submitted for this job")
	ErrMessageNotFound  = errors.New("message not found")
)

const publishTimeout = 3 * time.Second

// Publisher hands an envelope to the realtime bus.
type Publisher interface {
	Publish(ctx context.Context, env realtime.Envelope) error
}

// Manager runs the marketplace operations that users get live updates
// for. Each operation commits to the store first; the realtime publish
// that follows is best-effort and never fails the operation.
type Manager struct {
	store      *store.Store
	pub        Publisher
	logger     *zap.Logger
	production bool
}

func NewManager(st *store.Store, pub Publisher, logger *zap.Logger, production bool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: st, pub: pub, logger: logger, production: production}
}

type ProposalInput struct {
	JobID       string `json:"jobId"`
	EmployerID  string `json:"employerId"`
	CoverLetter string `json:"coverLetter"`
	AmountCents int64  `json:"amountCents"`
}

// ProposalUpdate is the payload of new_proposal and proposal_status events.
type ProposalUpdate struct {
	ProposalID   string `json:"proposalId"`
	JobID        string `json:"jobId"`
	FreelancerID string `json:"freelancerId"`
	Status       string `json:"status"`
	AmountCents  int64  `json:"amountCents,omitempty"`
}

// MessageUpdate is the payload of message_status events.
type MessageUpdate struct {
	MessageID string     `json:"messageId"`
	Status    string     `json:"status"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

func (m *Manager) SubmitProposal(ctx context.Context, freelancerID string, in ProposalInput) (*store.Proposal, error) {
	in.JobID = strings.TrimSpace(in.JobID)
	in.EmployerID = strings.TrimSpace(in.EmployerID)
	if in.JobID == "" || in.EmployerID == "" {
		return nil, fmt.Errorf("%w: jobId and employerId required", ErrInvalidInput)
	}
	if in.AmountCents < 0 {
		return nil, fmt.Errorf("%w: amountCents must be >= 0", ErrInvalidInput)
	}
	if in.EmployerID == freelancerID {
		return nil, ErrForbidden
	}
	p, err := m.store.CreateProposal(ctx, store.Proposal{
		JobID:        in.JobID,
		FreelancerID: freelancerID,
		EmployerID:   in.EmployerID,
		CoverLetter:  in.CoverLetter,
		AmountCents:  in.AmountCents,
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrProposalExists
	}
	if err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}

	m.publish(ctx, realtime.Envelope{
		Type:      realtime.TypeNewProposal,
		ToUserIDs: []string{p.EmployerID},
		Data: ProposalUpdate{
			ProposalID:   p.ID,
			JobID:        p.JobID,
			FreelancerID: p.FreelancerID,
			Status:       p.Status,
			AmountCents:  p.AmountCents,
		},
	})
	m.notify(ctx, store.Notification{
		UserID: p.EmployerID,
		Kind:   "proposal",
		Title:  "New proposal received",
		Link:   "/proposals/" + p.ID,
	})
	return p, nil
}

func (m *Manager) GetProposal(ctx context.Context, userID, proposalID string) (*store.Proposal, error) {
	p, err := m.store.GetProposal(ctx, proposalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != p.EmployerID && userID != p.FreelancerID {
		return nil, ErrForbidden
	}
	return p, nil
}

// UpdateProposalStatus lets the employer accept or reject a pending
// proposal and the freelancer withdraw it. The other party is told.
func (m *Manager) UpdateProposalStatus(ctx context.Context, actorID, proposalID, status string) (*store.Proposal, error) {
	p, err := m.store.GetProposal(ctx, proposalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}

	var recipient string
	switch status {
	case store.ProposalAccepted, store.ProposalRejected:
		if actorID != p.EmployerID {
			return nil, ErrForbidden
		}
		recipient = p.FreelancerID
	case store.ProposalWithdrawn:
		if actorID != p.FreelancerID {
			return nil, ErrForbidden
		}
		recipient = p.EmployerID
	default:
		return nil, ErrInvalidStatus
	}

	updated, err := m.store.SetProposalStatus(ctx, p.ID, store.ProposalPending, status)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrProposalClosed
	}
	if err != nil {
		return nil, fmt.Errorf("update proposal: %w", err)
	}

	m.publish(ctx, realtime.Envelope{
		Type:      realtime.TypeProposalStatus,
		ToUserIDs: []string{recipient},
		Data: ProposalUpdate{
			ProposalID:   updated.ID,
			JobID:        updated.JobID,
			FreelancerID: updated.FreelancerID,
			Status:       updated.Status,
		},
	})
	m.notify(ctx, store.Notification{
		UserID: recipient,
		Kind:   "proposal_status",
		Title:  "Proposal " + updated.Status,
		Link:   "/proposals/" + updated.ID,
	})
	return updated, nil
}

func (m *Manager) SendMessage(ctx context.Context, senderID, recipientID, body string) (*store.Message, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" || strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: recipientId and body required", ErrInvalidInput)
	}
	if recipientID == senderID {
		return nil, fmt.Errorf("%w: cannot message yourself", ErrInvalidInput)
	}
	msg, err := m.store.CreateMessage(ctx, senderID, recipientID, body)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	m.publish(ctx, realtime.Envelope{
		Type:      realtime.TypeNewMessage,
		ToUserIDs: []string{msg.RecipientID},
		Data:      msg,
	})
	m.publish(ctx, realtime.Envelope{
		Type:      realtime.TypeMessageStatus,
		ToUserIDs: []string{msg.SenderID},
		Data:      MessageUpdate{MessageID: msg.ID, Status: msg.Status},
	})
	return msg, nil
}

// MarkMessageRead records the recipient's read receipt and tells the
// sender. Reading an already read message changes nothing.
func (m *Manager) MarkMessageRead(ctx context.Context, actorID, messageID string) (*store.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if msg.RecipientID != actorID {
		return nil, ErrForbidden
	}
	if msg.Status == store.MessageRead {
		return msg, nil
	}
	read, err := m.store.MarkMessageRead(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("mark message read: %w", err)
	}

	m.publish(ctx, realtime.Envelope{
		Type:      realtime.TypeMessageStatus,
		ToUserIDs: []string{read.SenderID},
		Data:      MessageUpdate{MessageID: read.ID, Status: read.Status, ReadAt: read.ReadAt},
	})
	return read, nil
}

func (m *Manager) Notifications(ctx context.Context, userID string, limit int) ([]store.Notification, error) {
	return m.store.ListNotifications(ctx, userID, limit)
}

// notify persists an inbox entry and pushes it live. The inbox is what
// users see on their next page load when the push is missed.
func (m *Manager) notify(ctx context.Context, n store.Notification) {
	saved, err := m.store.CreateNotification(ctx, n)
	if err != nil {
		m.logger.Error("store notification", zap.String("user_id", n.UserID), zap.Error(err))
		return
	}
	m.publish(ctx, realtime.Envelope{
		Type:      realtime.TypeNotification,
		ToUserIDs: []string{saved.UserID},
		Data:      saved,
	})
}

func (m *Manager) publish(ctx context.Context, env realtime.Envelope) {
	if m.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := m.pub.Publish(ctx, env); err != nil && !m.production {
		m.logger.Warn("realtime publish failed",
			zap.String("type", env.Type),
			zap.Strings("to", env.ToUserIDs),
			zap.Error(err),
		)
	}
}
