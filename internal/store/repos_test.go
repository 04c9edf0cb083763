package store

import (
	"context"
	"errors"
	"testing"

	"github.com/rogersf/relay/internal/domain"
)

func TestActionRepo_SaveAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &ActionRepo{}

	rec := domain.ActionRecord{
		ID:          "act-1",
		ActionType:  domain.ActionComment,
		Platform:    "threads",
		Target:      "post-9",
		Status:      domain.ActionManualReview,
		RequestedAt: 1000,
		CompletedAt: 2000,
		Proofs: []domain.ProofArtifact{
			{Type: domain.ProofURLMatch, Timestamp: 1500, Valid: true, Data: map[string]string{"url": "https://x/post-9"}},
		},
		VerificationScore: 65,
	}
	if err := repo.Save(ctx, db, rec, "/logs/act-1.json"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := repo.GetByID(ctx, db, "act-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != domain.ActionManualReview || got.VerificationScore != 65 {
		t.Errorf("got status=%s score=%d", got.Status, got.VerificationScore)
	}
	if len(got.Proofs) != 1 || got.Proofs[0].Data["url"] != "https://x/post-9" {
		t.Errorf("proofs not preserved: %+v", got.Proofs)
	}

	// Save again replaces rather than failing.
	rec.Status = domain.ActionVerified
	if err := repo.Save(ctx, db, rec, ""); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	got, _ = repo.GetByID(ctx, db, "act-1")
	if got.Status != domain.ActionVerified {
		t.Errorf("status = %s, want verified", got.Status)
	}
}

func TestActionRepo_GetMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := (&ActionRepo{}).GetByID(context.Background(), db, "nope")
	if !errors.Is(err, domain.ErrActionNotFound) {
		t.Errorf("expected ErrActionNotFound, got %v", err)
	}
}

func TestActionRepo_ListSince(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &ActionRepo{}

	for i, ts := range []int64{100, 200, 300} {
		rec := domain.ActionRecord{ID: string(rune('a' + i)), ActionType: domain.ActionDirectMessage, RequestedAt: ts}
		if err := repo.Save(ctx, db, rec, ""); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	got, err := repo.ListSince(ctx, db, 200)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("ListSince = %+v", got)
	}

	empty, err := repo.ListSince(ctx, db, 1000)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if empty != nil {
		t.Errorf("expected nil for empty result, got %v", empty)
	}
}

func TestHistoryRepo_SaveLoadDeletePrune(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewHistoryRepo(db)

	recs := []domain.HistoryRecord{
		{ID: "h1", Kind: "comment", Platform: "threads", TargetID: "p1", Text: "hi", DedupeKey: "k1", Timestamp: 100},
		{ID: "h2", Kind: "comment", Platform: "threads", TargetID: "p2", Text: "yo", DedupeKey: "k2", Timestamp: 200, Verified: true},
		{ID: "h3", Kind: "dm", Platform: "threads", Recipient: "alice", Text: "hey", DedupeKey: "k3", Timestamp: 300},
	}
	for _, r := range recs {
		if err := repo.SaveHistory(ctx, r); err != nil {
			t.Fatalf("SaveHistory %s: %v", r.ID, err)
		}
	}

	got, err := repo.LoadHistory(ctx, "comment", 0)
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 comment records, got %d", len(got))
	}
	if !got[1].Verified {
		t.Error("h2 should be verified")
	}

	if err := repo.DeleteHistory(ctx, "h1"); err != nil {
		t.Fatalf("DeleteHistory: %v", err)
	}
	got, _ = repo.LoadHistory(ctx, "comment", 0)
	if len(got) != 1 || got[0].ID != "h2" {
		t.Errorf("after delete = %+v", got)
	}

	n, err := repo.PruneHistory(ctx, "dm", 301)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d rows, want 1", n)
	}
}

func TestSessionRepo_Upsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewSessionRepo(db)

	s := domain.SessionState{Platform: "threads", Status: domain.SessionActive, Username: "relaybot", LastRefresh: 10}
	if err := repo.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	s.Status = domain.SessionExpired
	s.Error = "cookie rejected"
	if err := repo.SaveSession(ctx, s); err != nil {
		t.Fatalf("SaveSession update: %v", err)
	}

	got, err := repo.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 session, got %d", len(got))
	}
	if got[0].Status != domain.SessionExpired || got[0].Error != "cookie rejected" {
		t.Errorf("session = %+v", got[0])
	}
}

func TestTaskRepo_RecordAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewTaskRepo(db)

	tasks := []domain.TaskInfo{
		{ID: "t1", Kind: domain.TaskComment, Priority: domain.PriorityNormal, Status: domain.TaskCompleted, CompletedAt: 100},
		{ID: "t2", Kind: domain.TaskDirectMessage, Priority: domain.PriorityHigh, Status: domain.TaskFailed, RetryCount: 2, MaxRetries: 2, LastError: "boom", CompletedAt: 200},
	}
	for _, tk := range tasks {
		if err := repo.RecordTask(ctx, tk); err != nil {
			t.Fatalf("RecordTask: %v", err)
		}
	}

	got, err := repo.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "t2" {
		t.Fatalf("ListRecent = %+v", got)
	}
	if got[0].Status != domain.TaskFailed || got[0].LastError != "boom" || got[0].Priority != domain.PriorityHigh {
		t.Errorf("t2 = %+v", got[0])
	}
}
