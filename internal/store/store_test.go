package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSessionLookup(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	if err := st.CreateSession(ctx, "tok-1", "u1", time.Hour); err != nil {
		t.Fatalf("create session: %v", err)
	}
	user, err := st.SessionUser(ctx, "tok-1")
	if err != nil || user != "u1" {
		t.Fatalf("session user = %q, %v", user, err)
	}
	if _, err := st.SessionUser(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := st.CreateSession(ctx, "tok-old", "u1", -time.Minute); err != nil {
		t.Fatalf("create expired session: %v", err)
	}
	if _, err := st.SessionUser(ctx, "tok-old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired session rejected, got %v", err)
	}
}

func TestProposalStatusTransition(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	p, err := st.CreateProposal(ctx, Proposal{JobID: "job-1", FreelancerID: "f1", EmployerID: "e1", AmountCents: 50000})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	if p.Status != ProposalPending {
		t.Fatalf("expected pending, got %s", p.Status)
	}
	if _, err := st.CreateProposal(ctx, Proposal{JobID: "job-1", FreelancerID: "f1", EmployerID: "e1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate proposal, got %v", err)
	}

	updated, err := st.SetProposalStatus(ctx, p.ID, ProposalPending, ProposalAccepted)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if updated.Status != ProposalAccepted {
		t.Fatalf("expected accepted, got %s", updated.Status)
	}
	if _, err := st.SetProposalStatus(ctx, p.ID, ProposalPending, ProposalRejected); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected stale transition to fail, got %v", err)
	}
}

func TestMessageReadReceipt(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	m, err := st.CreateMessage(ctx, "u1", "u2", "hello")
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if m.Status != MessageDelivered || m.ReadAt != nil {
		t.Fatalf("unexpected new message %#v", m)
	}
	read, err := st.MarkMessageRead(ctx, m.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if read.Status != MessageRead || read.ReadAt == nil {
		t.Fatalf("expected read receipt, got %#v", read)
	}
	if _, err := st.GetMessage(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNotificationsNewestFirst(t *testing.T) {
	st := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	st.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	for _, title := range []string{"first", "second"} {
		if _, err := st.CreateNotification(ctx, Notification{UserID: "u1", Kind: "proposal", Title: title}); err != nil {
			t.Fatalf("create notification: %v", err)
		}
	}
	if _, err := st.CreateNotification(ctx, Notification{UserID: "u2", Kind: "proposal", Title: "other"}); err != nil {
		t.Fatalf("create notification: %v", err)
	}
	list, err := st.ListNotifications(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Title != "second" || list[1].Title != "first" {
		t.Fatalf("unexpected notifications %#v", list)
	}
}

func TestHealth(t *testing.T) {
	st := openTest(t)
	if err := st.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
