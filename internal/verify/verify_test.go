package verify

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/driver/drivertest"
	"github.com/rogersf/relay/internal/store"
)

func newTestAudit(t *testing.T) (*AuditLog, *clock.Fake) {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	fc := clock.NewFake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	a, err := NewAuditLog(AuditConfig{DataDir: filepath.Join(dir, "data"), DB: db, Clock: fc})
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	return a, fc
}

func TestDefaultCriteria_Valid(t *testing.T) {
	for _, at := range []domain.ActionType{
		domain.ActionComment, domain.ActionDirectMessage, domain.ActionLoginCheck, domain.ActionGenerationPoll,
	} {
		c, err := CriteriaFor(at)
		if err != nil {
			t.Fatalf("CriteriaFor(%s): %v", at, err)
		}
		if err := ValidateCriteria(c); err != nil {
			t.Errorf("criteria %s invalid: %v", at, err)
		}
	}
	if _, err := CriteriaFor("poke"); !errors.Is(err, domain.ErrUnknownActionType) {
		t.Errorf("unknown type err = %v", err)
	}
}

func TestValidateCriteria_CollectsViolations(t *testing.T) {
	err := ValidateCriteria(domain.SuccessCriteria{
		ActionType: domain.ActionComment,
		RequiredChecks: []domain.RequiredCheck{
			{ProofType: "telepathy", Weight: 50},
			{ProofType: domain.ProofURLMatch, Weight: 0},
		},
	})
	if !errors.Is(err, domain.ErrCriteriaInvalid) {
		t.Fatalf("err = %v, want ErrCriteriaInvalid", err)
	}
	for _, want := range []string{"telepathy", "must be positive", "sum to 50"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %q", err, want)
		}
	}
}

func TestCriteriaScore_RequiredGateOverridesRawScore(t *testing.T) {
	c, _ := CriteriaFor(domain.ActionComment)
	proofs := []domain.ProofArtifact{
		{Type: domain.ProofScreenshotBefore, Valid: true},
		{Type: domain.ProofElementFound, Valid: true},
		{Type: domain.ProofURLMatch, Valid: true},
		{Type: domain.ProofTextMatch, Valid: false},
		{Type: domain.ProofScreenshotAfter, Valid: true},
	}
	score, unmet := CriteriaScore(c, proofs)
	if score != 65 {
		t.Errorf("score = %d, want 65", score)
	}
	if len(unmet) != 1 || unmet[0].Weight != 35 {
		t.Errorf("unmet = %+v, want the 35-weight text check", unmet)
	}
	status := Classify(Verdict{Score: score, RequiredMet: len(unmet) == 0, DeclaredSuccess: true})
	if status != domain.ActionManualReview {
		t.Errorf("status = %s, want manual_review", status)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		v    Verdict
		want domain.ActionStatus
	}{
		{"verified", Verdict{Score: 100, RequiredMet: true, DeclaredSuccess: true}, domain.ActionVerified},
		{"errors downgrade", Verdict{Score: 100, RequiredMet: true, DeclaredSuccess: true, HadErrors: true}, domain.ActionManualReview},
		{"not declared", Verdict{Score: 90, RequiredMet: true}, domain.ActionManualReview},
		{"low score", Verdict{Score: 49, DeclaredSuccess: true}, domain.ActionFailed},
		{"floor", Verdict{Score: 50}, domain.ActionManualReview},
		{"timeout wins", Verdict{Score: 100, RequiredMet: true, DeclaredSuccess: true, TimedOut: true}, domain.ActionTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.v); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAudit_CompleteAppendsTimestampAndClassifies(t *testing.T) {
	a, fc := newTestAudit(t)
	ctx := context.Background()

	id := a.StartAction(domain.ActionComment, "threads", "post-9", map[string]string{"text": "hello"})
	for _, pt := range []domain.ProofType{domain.ProofScreenshotBefore, domain.ProofElementFound, domain.ProofURLMatch, domain.ProofScreenshotAfter} {
		if err := a.AddProof(id, domain.ProofArtifact{Type: pt, Valid: true}); err != nil {
			t.Fatalf("AddProof: %v", err)
		}
	}
	a.AddProof(id, domain.ProofArtifact{Type: domain.ProofTextMatch, Valid: false, ValidationError: "text not found"})

	fc.Advance(1500 * time.Millisecond)
	rec, err := a.CompleteAction(ctx, id, Outcome{Success: true})
	if err != nil {
		t.Fatalf("CompleteAction: %v", err)
	}
	if rec.VerificationScore != 65 || rec.Status != domain.ActionManualReview {
		t.Errorf("score/status = %d/%s, want 65/manual_review", rec.VerificationScore, rec.Status)
	}
	last := rec.Proofs[len(rec.Proofs)-1]
	if last.Type != domain.ProofTimestamp || last.Data["duration_ms"] != "1500" {
		t.Errorf("last proof = %+v, want timestamp with duration 1500", last)
	}
	if rec.VerifiedAt != 0 {
		t.Error("VerifiedAt should stay unset for manual_review")
	}

	if _, err := a.CompleteAction(ctx, id, Outcome{Success: true}); !errors.Is(err, domain.ErrActionNotFound) {
		t.Errorf("second CompleteAction err = %v, want ErrActionNotFound", err)
	}
	if err := a.AddProof(id, domain.ProofArtifact{Type: domain.ProofURLMatch}); !errors.Is(err, domain.ErrActionNotFound) {
		t.Errorf("AddProof after completion err = %v", err)
	}
}

func TestAudit_ErrorsDowngradeVerified(t *testing.T) {
	a, _ := newTestAudit(t)
	id := a.StartAction(domain.ActionLoginCheck, "threads", "home", nil)
	for _, pt := range []domain.ProofType{domain.ProofURLMatch, domain.ProofElementFound, domain.ProofScreenshotAfter} {
		a.AddProof(id, domain.ProofArtifact{Type: pt, Valid: true})
	}
	a.AddError(id, "console reported a transient error")

	rec, err := a.CompleteAction(context.Background(), id, Outcome{Success: true})
	if err != nil {
		t.Fatalf("CompleteAction: %v", err)
	}
	if rec.VerificationScore != 100 || rec.Status != domain.ActionManualReview {
		t.Errorf("score/status = %d/%s, want 100/manual_review", rec.VerificationScore, rec.Status)
	}
}

func TestAudit_RoundTrip(t *testing.T) {
	a, _ := newTestAudit(t)
	ctx := context.Background()

	id := a.StartAction(domain.ActionDirectMessage, "threads", "bob", map[string]string{"recipient": "bob"})
	if _, err := a.AddScreenshot(ctx, id, "before", []byte("png-bytes-1")); err != nil {
		t.Fatalf("AddScreenshot: %v", err)
	}
	a.AddProof(id, domain.ProofArtifact{Type: domain.ProofElementFound, Valid: true, Data: map[string]string{"selector": "#dm"}})
	a.AddNotes(id, "PASS element-exists #dm")

	rec, err := a.CompleteAction(ctx, id, Outcome{Success: true, Result: map[string]string{"final_url": "https://t/x"}})
	if err != nil {
		t.Fatalf("CompleteAction: %v", err)
	}

	fromFile, err := LoadAction(a.RecordPath(id))
	if err != nil {
		t.Fatalf("LoadAction: %v", err)
	}
	fromDB, err := a.GetAction(ctx, id)
	if err != nil {
		t.Fatalf("GetAction: %v", err)
	}
	for name, got := range map[string]domain.ActionRecord{"file": fromFile, "db": fromDB} {
		if !reflect.DeepEqual(got.Proofs, rec.Proofs) {
			t.Errorf("%s proofs differ:\n got %+v\nwant %+v", name, got.Proofs, rec.Proofs)
		}
		if got.VerificationScore != rec.VerificationScore || got.Status != rec.Status {
			t.Errorf("%s score/status = %d/%s, want %d/%s", name, got.VerificationScore, got.Status, rec.VerificationScore, rec.Status)
		}
	}

	if _, err := LoadAction(filepath.Join(t.TempDir(), "missing.json")); !errors.Is(err, domain.ErrActionNotFound) {
		t.Errorf("LoadAction(missing) err = %v", err)
	}
}

func TestAudit_ScreenshotContentAddressed(t *testing.T) {
	a, _ := newTestAudit(t)
	ctx := context.Background()
	id := a.StartAction(domain.ActionComment, "threads", "p", nil)

	p1, err := a.AddScreenshot(ctx, id, "before", []byte("same"))
	if err != nil {
		t.Fatalf("AddScreenshot: %v", err)
	}
	p2, _ := a.AddScreenshot(ctx, id, "after", []byte("same"))
	if p1.Data["sha256"] != p2.Data["sha256"] || p1.Data["path"] != p2.Data["path"] {
		t.Error("identical bytes should map to one object")
	}
	if p1.Type != domain.ProofScreenshotBefore || p2.Type != domain.ProofScreenshotAfter {
		t.Errorf("types = %s/%s", p1.Type, p2.Type)
	}
	if _, err := os.Stat(p1.Data["path"]); err != nil {
		t.Errorf("screenshot file missing: %v", err)
	}

	empty, _ := a.AddScreenshot(ctx, id, "after", nil)
	if empty.Valid {
		t.Error("empty screenshot should not be a valid proof")
	}
}

func TestReport_GroupsByPlatformAndType(t *testing.T) {
	recs := []domain.ActionRecord{
		{Platform: "threads", ActionType: domain.ActionComment, Status: domain.ActionVerified, VerificationScore: 100},
		{Platform: "threads", ActionType: domain.ActionComment, Status: domain.ActionManualReview, VerificationScore: 65},
		{Platform: "bluesky", ActionType: domain.ActionDirectMessage, Status: domain.ActionFailed, VerificationScore: 30},
		{Platform: "bluesky", ActionType: domain.ActionComment, Status: domain.ActionTimeout, VerificationScore: 45},
	}
	rep := BuildReport(recs)
	if rep.Total != 4 || rep.Verified != 1 || rep.ManualReview != 1 || rep.Failed != 1 || rep.Timeout != 1 {
		t.Errorf("totals = %+v", rep)
	}
	if rep.VerificationRate != 0.25 {
		t.Errorf("VerificationRate = %v, want 0.25", rep.VerificationRate)
	}
	th := rep.ByPlatform["threads"]
	if th.Total != 2 || th.Verified != 1 || th.AverageScore != 82.5 {
		t.Errorf("threads bucket = %+v", th)
	}
	cm := rep.ByActionType[string(domain.ActionComment)]
	if cm.Total != 3 || cm.AverageScore != 70 {
		t.Errorf("comment bucket = %+v", cm)
	}
}

func TestAudit_WriteReport(t *testing.T) {
	a, fc := newTestAudit(t)
	ctx := context.Background()
	since := fc.Now()
	id := a.StartAction(domain.ActionComment, "threads", "p", nil)
	if _, err := a.CompleteAction(ctx, id, Outcome{}); err != nil {
		t.Fatalf("CompleteAction: %v", err)
	}

	path, err := a.WriteReport(ctx, since)
	if err != nil {
		t.Fatalf("WriteReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), `"total": 1`) {
		t.Errorf("report missing total: %s", data)
	}
}

func TestVerifier_ScoresChecks(t *testing.T) {
	a, _ := newTestAudit(t)
	fd := drivertest.New()
	ctx := context.Background()
	fd.Navigate(ctx, "https://threads.example/post/1")
	fd.SetElement("#reply", "")
	fd.SetElement(".thread", "first reply\nnice  work, friend")

	v := NewVerifier(fd, a, nil)
	id := a.StartAction(domain.ActionComment, "threads", "post/1", nil)
	res, err := v.VerifyAction(ctx, id, domain.ActionComment, []Check{
		{Kind: CheckScreenshot, Phase: "before", Required: true},
		{Kind: CheckElementExists, Selector: "#reply", Required: true},
		{Kind: CheckURLContains, Expected: "/post/1", Required: true},
		{Kind: CheckTextContains, Selector: ".thread", Expected: "nice work, friend", Required: true},
		{Kind: CheckScreenshot, Phase: "after", Required: true},
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if !res.Verified || res.Score != 100 {
		t.Errorf("result = verified %v score %d, want true/100; summary %v", res.Verified, res.Score, res.Summary)
	}

	rec, err := a.CompleteAction(ctx, id, Outcome{Success: true})
	if err != nil {
		t.Fatalf("CompleteAction: %v", err)
	}
	if rec.Status != domain.ActionVerified || rec.VerificationScore != 100 {
		t.Errorf("record = %s/%d, want verified/100", rec.Status, rec.VerificationScore)
	}
	if len(rec.VerificationNotes) != 5 {
		t.Errorf("notes = %v, want 5 entries", rec.VerificationNotes)
	}
}

func TestVerifier_RequiredFailureBlocksVerified(t *testing.T) {
	a, _ := newTestAudit(t)
	fd := drivertest.New()
	ctx := context.Background()
	fd.SetElement("#a", "x")

	v := NewVerifier(fd, a, nil)
	id := a.StartAction(domain.ActionComment, "threads", "p", nil)
	checks := []Check{
		{Kind: CheckElementExists, Selector: "#a"},
		{Kind: CheckElementExists, Selector: "#a"},
		{Kind: CheckElementExists, Selector: "#a"},
		{Kind: CheckElementExists, Selector: "#a"},
		{Kind: CheckElementExists, Selector: "#missing", Required: true},
	}
	res, err := v.VerifyAction(ctx, id, domain.ActionComment, checks)
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if res.Score != 80 || res.Verified {
		t.Errorf("score/verified = %d/%v, want 80/false", res.Score, res.Verified)
	}
}

func TestVerifier_DriverFailureRecordedAsError(t *testing.T) {
	a, _ := newTestAudit(t)
	fd := drivertest.New()
	fd.FailNext(drivertest.OpURL, errors.New("target closed"), 1)
	ctx := context.Background()

	v := NewVerifier(fd, a, nil)
	id := a.StartAction(domain.ActionLoginCheck, "threads", "home", nil)
	res, err := v.VerifyAction(ctx, id, domain.ActionLoginCheck, []Check{{Kind: CheckURLContains, Expected: "home", Required: true}})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if res.Verified || res.Checks[0].Err == nil {
		t.Errorf("result = %+v, want failed check with error", res)
	}
	rec, _ := a.GetAction(ctx, id)
	if len(rec.Errors) != 1 {
		t.Errorf("errors = %v, want 1", rec.Errors)
	}
}

func TestVerifier_StateChangedAndCustom(t *testing.T) {
	a, _ := newTestAudit(t)
	fd := drivertest.New()
	ctx := context.Background()
	fd.SetScript("window.__posted === true", "true")

	v := NewVerifier(fd, a, nil)
	id := a.StartAction(domain.ActionComment, "threads", "p", nil)
	res, err := v.VerifyAction(ctx, id, domain.ActionComment, []Check{
		{Kind: CheckStateChanged, Expected: DOMHash("<html>before</html>")},
		{Kind: CheckCustom, Script: "window.__posted === true"},
	})
	if err != nil {
		t.Fatalf("VerifyAction: %v", err)
	}
	if res.Score != 100 {
		t.Errorf("score = %d, want 100; %v", res.Score, res.Summary)
	}
	if _, err := v.VerifyAction(ctx, id, domain.ActionComment, []Check{{Kind: "smell"}}); !errors.Is(err, domain.ErrUnknownCheck) {
		t.Errorf("unknown check err = %v", err)
	}
}
