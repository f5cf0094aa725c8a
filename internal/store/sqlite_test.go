package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/commonground/mediation/internal/domain"
	"github.com/commonground/mediation/internal/shared"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), shared.RetryPolicy{MaxRetries: 5, BaseDelay: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedSession(t *testing.T, s *SQLiteStore, id, initiator string) *domain.Session {
	t.Helper()
	session := &domain.Session{
		ID:          id,
		InitiatorID: initiator,
		Topic:       "Chores",
		Stage:       domain.FirstStage,
		Status:      domain.StatusActive,
		Mode:        domain.ModeSolo,
		Personality: domain.Personality{Tone: domain.ToneBalanced},
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
	initiatorRow := &domain.Participant{
		SessionID:   id,
		UserID:      initiator,
		Slot:        domain.SlotInitiator,
		DisplayName: initiator,
		JoinedAt:    baseTime,
		LastSeenAt:  baseTime,
	}
	if err := s.CreateSession(context.Background(), session, initiatorRow); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func partner(sessionID, userID string) *domain.Participant {
	return &domain.Participant{
		SessionID:   sessionID,
		UserID:      userID,
		Slot:        domain.SlotPartner,
		DisplayName: userID,
		JoinedAt:    baseTime,
		LastSeenAt:  baseTime,
	}
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.Stage != domain.StageIntake || got.Status != domain.StatusActive {
		t.Fatalf("unexpected stage/status: %s/%s", got.Stage, got.Status)
	}
	if got.PartnershipID != nil {
		t.Fatalf("expected nil partnership, got %v", *got.PartnershipID)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Fatalf("expected created_at %v, got %v", baseTime, got.CreatedAt)
	}

	participants, err := s.ListParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(participants) != 1 || participants[0].UserID != "alice" || participants[0].Slot != domain.SlotInitiator {
		t.Fatalf("expected initiator as sole participant, got %+v", participants)
	}

	missing, err := s.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing session, got %v, %v", missing, err)
	}
}

func TestJoinSessionConsumesInvite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	if err := s.SetInvite(ctx, "s1", "CODE2345", baseTime.Add(time.Hour), baseTime); err != nil {
		t.Fatalf("SetInvite failed: %v", err)
	}

	lookup, err := s.FindSessionByCode(ctx, "CODE2345")
	if err != nil || lookup == nil {
		t.Fatalf("FindSessionByCode failed: %v, %v", lookup, err)
	}
	if lookup.Redeemed {
		t.Fatal("live code must not be reported as redeemed")
	}

	err = s.JoinSession(ctx, Join{
		SessionID:   "s1",
		Code:        "CODE2345",
		Participant: partner("s1", "bob"),
		Now:         baseTime.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	session, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.InviteCode != nil || session.InviteExpiresAt != nil {
		t.Fatal("expected invite fields to be cleared after join")
	}
	if session.Mode != domain.ModeCollaborative {
		t.Fatalf("expected collaborative mode, got %s", session.Mode)
	}

	lookup, err = s.FindSessionByCode(ctx, "CODE2345")
	if err != nil || lookup == nil {
		t.Fatalf("expected redeemed lookup, got %v, %v", lookup, err)
	}
	if !lookup.Redeemed {
		t.Fatal("expected code to be reported as redeemed")
	}

	err = s.JoinSession(ctx, Join{
		SessionID:   "s1",
		Code:        "CODE2345",
		Participant: partner("s1", "carol"),
		Now:         baseTime.Add(2 * time.Minute),
	})
	if !errors.Is(err, ErrInviteConsumed) {
		t.Fatalf("expected ErrInviteConsumed on second redemption, got %v", err)
	}

	participants, _ := s.ListParticipants(ctx, "s1")
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}
}

func TestJoinSessionRejectsExpiredCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	if err := s.SetInvite(ctx, "s1", "CODE2345", baseTime.Add(time.Minute), baseTime); err != nil {
		t.Fatalf("SetInvite failed: %v", err)
	}
	err := s.JoinSession(ctx, Join{
		SessionID:   "s1",
		Code:        "CODE2345",
		Participant: partner("s1", "bob"),
		Now:         baseTime.Add(time.Hour),
	})
	if !errors.Is(err, ErrInviteConsumed) {
		t.Fatalf("expected ErrInviteConsumed for expired code, got %v", err)
	}
}

func TestJoinSessionSlotIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	const joiners = 8
	// Each racer gets the code re-set so the slot constraint, not the code
	// check, is what decides the winner.
	var wg sync.WaitGroup
	results := make(chan error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code := fmt.Sprintf("RACE%04d", i)
			if err := s.SetInvite(ctx, "s1", code, baseTime.Add(time.Hour), baseTime); err != nil {
				results <- err
				return
			}
			results <- s.JoinSession(ctx, Join{
				SessionID:   "s1",
				Code:        code,
				Participant: partner("s1", fmt.Sprintf("user-%d", i)),
				Now:         baseTime.Add(time.Minute),
			})
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSessionFull), errors.Is(err, ErrInviteConsumed):
		default:
			t.Errorf("unexpected join error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful join, got %d", wins)
	}

	participants, _ := s.ListParticipants(ctx, "s1")
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(participants))
	}
}

func TestJoinSessionDuplicateMember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	if err := s.SetInvite(ctx, "s1", "CODE2345", baseTime.Add(time.Hour), baseTime); err != nil {
		t.Fatalf("SetInvite failed: %v", err)
	}
	p := partner("s1", "alice")
	err := s.JoinSession(ctx, Join{SessionID: "s1", Code: "CODE2345", Participant: p, Now: baseTime})
	if !errors.Is(err, ErrAlreadyParticipant) {
		t.Fatalf("expected ErrAlreadyParticipant, got %v", err)
	}

	// The failed transaction must leave the code intact.
	session, _ := s.GetSession(ctx, "s1")
	if session.InviteCode == nil || *session.InviteCode != "CODE2345" {
		t.Fatal("expected invite code to survive a rolled back join")
	}
}

func TestRecordTurnAppendsAndAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	alice := "alice"
	turn := Turn{
		SessionID: "s1",
		FromStage: domain.StageIntake,
		ToStage:   domain.StagePersonAObservation,
		ToStatus:  domain.StatusActive,
		UserMessage: &domain.Message{
			ID: "m1", SessionID: "s1", UserID: &alice, Role: domain.RoleUser,
			Content: "We need to split chores", Stage: domain.StageIntake, CreatedAt: baseTime.Add(time.Second),
		},
		AssistantMessage: &domain.Message{
			ID: "m2", SessionID: "s1", Role: domain.RoleAssistant,
			Content: "What did you observe?", Stage: domain.StagePersonAObservation, CreatedAt: baseTime.Add(2 * time.Second),
		},
		Now: baseTime.Add(2 * time.Second),
	}
	if err := s.RecordTurn(ctx, turn); err != nil {
		t.Fatalf("RecordTurn failed: %v", err)
	}

	session, _ := s.GetSession(ctx, "s1")
	if session.Stage != domain.StagePersonAObservation {
		t.Fatalf("expected stage advanced, got %s", session.Stage)
	}
	if !session.UpdatedAt.Equal(baseTime.Add(2 * time.Second)) {
		t.Fatalf("expected updated_at bumped, got %v", session.UpdatedAt)
	}

	msgs, err := s.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Seq != 1 || msgs[1].Seq != 2 {
		t.Fatalf("expected seq 1,2 got %d,%d", msgs[0].Seq, msgs[1].Seq)
	}
	if msgs[0].UserID == nil || *msgs[0].UserID != "alice" || msgs[1].UserID != nil {
		t.Fatal("unexpected message authorship")
	}

	// Replaying the same turn must lose the compare-and-swap and write nothing.
	turn.UserMessage = &domain.Message{ID: "m3", SessionID: "s1", Role: domain.RoleUser, Content: "again", Stage: domain.StageIntake, CreatedAt: baseTime}
	turn.AssistantMessage = &domain.Message{ID: "m4", SessionID: "s1", Role: domain.RoleAssistant, Content: "again", Stage: domain.StageIntake, CreatedAt: baseTime}
	if err := s.RecordTurn(ctx, turn); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	msgs, _ = s.ListMessages(ctx, "s1")
	if len(msgs) != 2 {
		t.Fatalf("expected rollback to keep 2 messages, got %d", len(msgs))
	}
}

func TestRecordTurnRejectsStaleHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	alice := "alice"
	turn := func(id string, lastSeq int64) Turn {
		return Turn{
			SessionID: "s1",
			FromStage: domain.StageIntake,
			ToStage:   domain.StageIntake,
			ToStatus:  domain.StatusActive,
			UserMessage: &domain.Message{
				ID: id + "-u", SessionID: "s1", UserID: &alice, Role: domain.RoleUser,
				Content: id, Stage: domain.StageIntake, CreatedAt: baseTime,
			},
			AssistantMessage: &domain.Message{
				ID: id + "-a", SessionID: "s1", Role: domain.RoleAssistant,
				Content: "go on", Stage: domain.StageIntake, CreatedAt: baseTime.Add(time.Second),
			},
			Now:     baseTime.Add(time.Second),
			LastSeq: lastSeq,
		}
	}

	if err := s.RecordTurn(ctx, turn("first", 0)); err != nil {
		t.Fatalf("RecordTurn failed: %v", err)
	}
	// Same stage, but computed from the empty history.
	if err := s.RecordTurn(ctx, turn("second", 0)); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
	if err := s.RecordTurn(ctx, turn("third", 2)); err != nil {
		t.Fatalf("RecordTurn with current seq failed: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, "s1")
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
}

func TestRecentMessagesNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	for i := 1; i <= 5; i++ {
		msg := &domain.Message{
			ID: fmt.Sprintf("m%d", i), SessionID: "s1", Role: domain.RoleSystem,
			Content: fmt.Sprintf("notice %d", i), Stage: domain.StageIntake, CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}
		if err := s.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		if msg.Seq != int64(i) {
			t.Fatalf("expected seq %d, got %d", i, msg.Seq)
		}
	}

	recent, err := s.RecentMessages(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "m5" || recent[2].ID != "m3" {
		t.Fatalf("unexpected recent window: %v", recent)
	}

	if err := s.AppendMessage(ctx, &domain.Message{ID: "x", SessionID: "ghost", Role: domain.RoleSystem, Stage: domain.StageIntake, CreatedAt: baseTime}); err == nil {
		t.Fatal("expected error appending to missing session")
	}
}

func TestListSessionsForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")
	seedSession(t, s, "s2", "bob")
	seedSession(t, s, "s3", "carol")

	if err := s.SetInvite(ctx, "s2", "JOINBOB2", baseTime.Add(time.Hour), baseTime); err != nil {
		t.Fatalf("SetInvite failed: %v", err)
	}
	if err := s.JoinSession(ctx, Join{SessionID: "s2", Code: "JOINBOB2", Participant: partner("s2", "alice"), Now: baseTime.Add(time.Minute)}); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	sessions, err := s.ListSessionsForUser(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("ListSessionsForUser failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for alice, got %d", len(sessions))
	}
	if sessions[0].ID != "s2" {
		t.Fatalf("expected most recently updated session first, got %s", sessions[0].ID)
	}
}

func TestJanitorQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")
	seedSession(t, s, "s2", "bob")

	if err := s.SetInvite(ctx, "s1", "OLDCODE2", baseTime.Add(time.Minute), baseTime); err != nil {
		t.Fatalf("SetInvite failed: %v", err)
	}
	if err := s.SetInvite(ctx, "s2", "NEWCODE2", baseTime.Add(48*time.Hour), baseTime); err != nil {
		t.Fatalf("SetInvite failed: %v", err)
	}

	cleared, err := s.ClearExpiredInvites(ctx, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("ClearExpiredInvites failed: %v", err)
	}
	if cleared != 1 {
		t.Fatalf("expected 1 cleared invite, got %d", cleared)
	}

	if err := s.UpdateStatus(ctx, "s2", domain.StatusActive, domain.StatusPaused, baseTime.Add(30*24*time.Hour)); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	abandoned, err := s.AbandonIdleSessions(ctx, baseTime.Add(24*time.Hour), baseTime.Add(31*24*time.Hour))
	if err != nil {
		t.Fatalf("AbandonIdleSessions failed: %v", err)
	}
	if len(abandoned) != 1 || abandoned[0] != "s1" {
		t.Fatalf("expected s1 abandoned, got %v", abandoned)
	}
	s1, _ := s.GetSession(ctx, "s1")
	if s1.Status != domain.StatusAbandoned {
		t.Fatalf("expected s1 abandoned, got %s", s1.Status)
	}
	s2, _ := s.GetSession(ctx, "s2")
	if s2.Status != domain.StatusPaused {
		t.Fatalf("expected s2 untouched, got %s", s2.Status)
	}
}

func TestUpdateStageCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedSession(t, s, "s1", "alice")

	if err := s.UpdateStage(ctx, "s1", domain.StageIntake, domain.StagePersonAObservation, baseTime); err != nil {
		t.Fatalf("UpdateStage failed: %v", err)
	}
	if err := s.UpdateStage(ctx, "s1", domain.StageIntake, domain.StagePersonAObservation, baseTime); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &domain.User{UserID: "u1", DisplayName: "Sam", LastSeenAt: baseTime, CreatedAt: baseTime, UpdatedAt: baseTime}
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	u.DisplayName = "Samira"
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
	got, err := s.GetUser(ctx, "u1")
	if err != nil || got == nil {
		t.Fatalf("GetUser failed: %v, %v", got, err)
	}
	if got.DisplayName != "Samira" {
		t.Fatalf("expected updated display name, got %q", got.DisplayName)
	}
}
