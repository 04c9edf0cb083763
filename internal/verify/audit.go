package verify

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/store"
)

// AuditConfig configures an AuditLog.
type AuditConfig struct {
	// DataDir holds actions/ and reports/ directories.
	DataDir   string
	DB        *sql.DB
	Artifacts ArtifactStore
	Clock     clock.Clock
	Logger    *slog.Logger
}

// AuditLog records action evidence while an action runs and persists the
// finalized record as one JSON file plus an indexed SQLite row.
type AuditLog struct {
	dataDir   string
	db        *sql.DB
	repo      *store.ActionRepo
	artifacts ArtifactStore
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*domain.ActionRecord
}

// Outcome is what the executing unit reports when an action ends.
type Outcome struct {
	// Success is the unit's own claim that the action went through.
	Success  bool
	TimedOut bool
	Result   map[string]string
}

// NewAuditLog creates the action and report directories.
func NewAuditLog(cfg AuditConfig) (*AuditLog, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("%w: audit data dir is required", domain.ErrConfigInvalid)
	}
	for _, dir := range []string{"actions", "reports"} {
		if err := os.MkdirAll(filepath.Join(cfg.DataDir, dir), 0o755); err != nil {
			return nil, domain.WrapEngineError(domain.ErrArtifactWrite.Code, "create "+dir, err)
		}
	}
	if cfg.Artifacts == nil {
		cfg.Artifacts = &LocalStore{Root: cfg.DataDir}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &AuditLog{
		dataDir:   cfg.DataDir,
		db:        cfg.DB,
		repo:      &store.ActionRepo{},
		artifacts: cfg.Artifacts,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		active:    make(map[string]*domain.ActionRecord),
	}, nil
}

func (a *AuditLog) nowMs() int64 { return a.clock.Now().UnixMilli() }

// StartAction opens a pending record and returns its ID.
func (a *AuditLog) StartAction(actionType domain.ActionType, platform, target string, input map[string]string) string {
	now := a.nowMs()
	rec := &domain.ActionRecord{
		ID:          uuid.NewString(),
		ActionType:  actionType,
		Platform:    platform,
		Target:      target,
		Status:      domain.ActionPending,
		RequestedAt: now,
		StartedAt:   now,
		Input:       copyMap(input),
		Proofs:      []domain.ProofArtifact{},
	}
	a.mu.Lock()
	a.active[rec.ID] = rec
	a.mu.Unlock()
	return rec.ID
}

// withActive runs fn on an open record under the lock.
func (a *AuditLog) withActive(id string, fn func(*domain.ActionRecord)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrActionNotFound, id)
	}
	fn(rec)
	return nil
}

// AddProof appends a proof, stamping it with the current time if unset.
func (a *AuditLog) AddProof(id string, p domain.ProofArtifact) error {
	if p.Timestamp == 0 {
		p.Timestamp = a.nowMs()
	}
	p.Data = copyMap(p.Data)
	return a.withActive(id, func(rec *domain.ActionRecord) {
		rec.Proofs = append(rec.Proofs, p)
	})
}

// AddScreenshot hashes png, stores it content-addressed and appends a
// screenshot proof for phase "before" or "after".
func (a *AuditLog) AddScreenshot(ctx context.Context, id, phase string, png []byte) (domain.ProofArtifact, error) {
	pt := domain.ProofScreenshotAfter
	if phase == "before" {
		pt = domain.ProofScreenshotBefore
	}
	proof := domain.ProofArtifact{Type: pt, Timestamp: a.nowMs(), Data: map[string]string{"phase": phase}}
	if len(png) == 0 {
		proof.ValidationError = "empty screenshot"
		return proof, a.AddProof(id, proof)
	}
	hash := hashBytes(png)
	loc, err := a.artifacts.Put(ctx, "screenshots/"+hash+".png", png, "image/png")
	if err != nil {
		proof.ValidationError = err.Error()
		_ = a.AddProof(id, proof)
		return proof, err
	}
	proof.Valid = true
	proof.Data["sha256"] = hash
	proof.Data["path"] = loc
	proof.Data["bytes"] = strconv.Itoa(len(png))
	return proof, a.AddProof(id, proof)
}

// AddDOMSnapshot stores html content-addressed and appends a dom_snapshot
// proof referencing it by path and hash.
func (a *AuditLog) AddDOMSnapshot(ctx context.Context, id, html string, changed bool) (domain.ProofArtifact, error) {
	hash := hashBytes([]byte(html))
	proof := domain.ProofArtifact{Type: domain.ProofDOMSnapshot, Timestamp: a.nowMs(), Data: map[string]string{"sha256": hash}}
	loc, err := a.artifacts.Put(ctx, "dom/"+hash+".html", []byte(html), "text/html")
	if err != nil {
		proof.ValidationError = err.Error()
		_ = a.AddProof(id, proof)
		return proof, err
	}
	proof.Data["path"] = loc
	proof.Valid = changed
	if !changed {
		proof.ValidationError = "DOM unchanged"
	}
	return proof, a.AddProof(id, proof)
}

// AddError records a human-readable error against an open action.
func (a *AuditLog) AddError(id, msg string) error {
	return a.withActive(id, func(rec *domain.ActionRecord) {
		rec.Errors = append(rec.Errors, msg)
	})
}

// AddNotes appends verification notes.
func (a *AuditLog) AddNotes(id string, notes ...string) error {
	return a.withActive(id, func(rec *domain.ActionRecord) {
		rec.VerificationNotes = append(rec.VerificationNotes, notes...)
	})
}

// CompleteAction finalizes an open record: it appends a timestamp proof with
// the total duration, scores the proofs against the action's criteria,
// classifies the status and persists the record.
func (a *AuditLog) CompleteAction(ctx context.Context, id string, out Outcome) (domain.ActionRecord, error) {
	a.mu.Lock()
	rec, ok := a.active[id]
	if !ok {
		a.mu.Unlock()
		return domain.ActionRecord{}, fmt.Errorf("%w: %s", domain.ErrActionNotFound, id)
	}
	delete(a.active, id)

	now := a.nowMs()
	rec.CompletedAt = now
	duration := now - rec.StartedAt
	crit, critErr := CriteriaFor(rec.ActionType)
	withinBudget := critErr != nil || crit.TimeoutMs == 0 || duration <= crit.TimeoutMs
	ts := domain.ProofArtifact{
		Type:      domain.ProofTimestamp,
		Timestamp: now,
		Data: map[string]string{
			"started_at":   strconv.FormatInt(rec.StartedAt, 10),
			"completed_at": strconv.FormatInt(now, 10),
			"duration_ms":  strconv.FormatInt(duration, 10),
		},
		Valid: withinBudget && !out.TimedOut,
	}
	if !ts.Valid {
		ts.ValidationError = "exceeded time budget"
	}
	rec.Proofs = append(rec.Proofs, ts)
	rec.Result = copyMap(out.Result)

	var unmet []domain.RequiredCheck
	if critErr == nil {
		rec.VerificationScore, unmet = CriteriaScore(crit, rec.Proofs)
	} else {
		rec.VerificationScore = validProofPercent(rec.Proofs)
		rec.VerificationNotes = append(rec.VerificationNotes, critErr.Error())
	}
	for _, rc := range unmet {
		rec.VerificationNotes = append(rec.VerificationNotes,
			fmt.Sprintf("unmet %s (%d): %s", rc.ProofType, rc.Weight, rc.Description))
	}
	rec.Status = Classify(Verdict{
		Score:           rec.VerificationScore,
		RequiredMet:     critErr == nil && len(unmet) == 0,
		DeclaredSuccess: out.Success,
		HadErrors:       len(rec.Errors) > 0,
		TimedOut:        out.TimedOut,
	})
	if rec.Status == domain.ActionVerified {
		rec.VerifiedAt = now
	}
	final := cloneRecord(rec)
	a.mu.Unlock()

	if err := a.persist(ctx, final); err != nil {
		return final, err
	}
	a.logger.Info("action completed",
		"action_id", final.ID, "type", final.ActionType, "platform", final.Platform,
		"status", final.Status, "score", final.VerificationScore, "duration_ms", duration)
	return final, nil
}

func validProofPercent(proofs []domain.ProofArtifact) int {
	if len(proofs) == 0 {
		return 0
	}
	n := 0
	for _, p := range proofs {
		if p.Valid {
			n++
		}
	}
	return int(math.Round(100 * float64(n) / float64(len(proofs))))
}

// RecordPath is where the JSON file for an action lives.
func (a *AuditLog) RecordPath(id string) string {
	return filepath.Join(a.dataDir, "actions", id+".json")
}

func (a *AuditLog) persist(ctx context.Context, rec domain.ActionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal action %s: %w", rec.ID, err)
	}
	path := a.RecordPath(rec.ID)
	if err := writeFileAtomic(path, data); err != nil {
		return domain.WrapEngineError(domain.ErrArtifactWrite.Code, path, err)
	}
	if a.db == nil {
		return nil
	}
	return a.repo.Save(ctx, a.db, rec, path)
}

// GetAction returns an open record or a persisted one.
func (a *AuditLog) GetAction(ctx context.Context, id string) (domain.ActionRecord, error) {
	a.mu.Lock()
	if rec, ok := a.active[id]; ok {
		out := cloneRecord(rec)
		a.mu.Unlock()
		return out, nil
	}
	a.mu.Unlock()

	if a.db != nil {
		rec, err := a.repo.GetByID(ctx, a.db, id)
		if err != nil {
			return domain.ActionRecord{}, err
		}
		return *rec, nil
	}
	return LoadAction(a.RecordPath(id))
}

// LoadAction reads a persisted action record file.
func LoadAction(path string) (domain.ActionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ActionRecord{}, fmt.Errorf("%w: %s", domain.ErrActionNotFound, path)
		}
		return domain.ActionRecord{}, fmt.Errorf("read action: %w", err)
	}
	var rec domain.ActionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.ActionRecord{}, fmt.Errorf("parse action %s: %w", path, err)
	}
	return rec, nil
}

// ListActions returns finalized actions requested at or after since.
func (a *AuditLog) ListActions(ctx context.Context, since time.Time) ([]domain.ActionRecord, error) {
	if a.db == nil {
		return nil, fmt.Errorf("%w: audit log has no database", domain.ErrStoreQuery)
	}
	return a.repo.ListSince(ctx, a.db, since.UnixMilli())
}

// OpenActions returns the number of actions still in flight.
func (a *AuditLog) OpenActions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// Report aggregates finalized actions since the given time.
func (a *AuditLog) Report(ctx context.Context, since time.Time) (domain.Report, error) {
	recs, err := a.ListActions(ctx, since)
	if err != nil {
		return domain.Report{}, err
	}
	rep := BuildReport(recs)
	rep.GeneratedAt = a.nowMs()
	rep.Since = since.UnixMilli()
	return rep, nil
}

// WriteReport stores a report under reports/ and returns its path.
func (a *AuditLog) WriteReport(ctx context.Context, since time.Time) (string, error) {
	rep, err := a.Report(ctx, since)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	path := filepath.Join(a.dataDir, "reports", fmt.Sprintf("report-%d.json", rep.GeneratedAt))
	if err := writeFileAtomic(path, data); err != nil {
		return "", domain.WrapEngineError(domain.ErrArtifactWrite.Code, path, err)
	}
	a.logger.Info("report written", "path", path, "total", rep.Total, "verification_rate", rep.VerificationRate)
	return path, nil
}

type bucketAcc struct {
	total, verified, scoreSum int
}

func (b bucketAcc) bucket() domain.ReportBucket {
	out := domain.ReportBucket{Total: b.total, Verified: b.verified}
	if b.total > 0 {
		out.VerificationRate = float64(b.verified) / float64(b.total)
		out.AverageScore = float64(b.scoreSum) / float64(b.total)
	}
	return out
}

// BuildReport groups records by platform and by action type.
func BuildReport(recs []domain.ActionRecord) domain.Report {
	var all bucketAcc
	byPlatform := make(map[string]*bucketAcc)
	byType := make(map[string]*bucketAcc)
	rep := domain.Report{
		ByPlatform:   make(map[string]domain.ReportBucket),
		ByActionType: make(map[string]domain.ReportBucket),
	}

	for _, r := range recs {
		verified := r.Status == domain.ActionVerified
		for _, acc := range []*bucketAcc{&all, accFor(byPlatform, r.Platform), accFor(byType, string(r.ActionType))} {
			acc.total++
			acc.scoreSum += r.VerificationScore
			if verified {
				acc.verified++
			}
		}
		switch r.Status {
		case domain.ActionManualReview:
			rep.ManualReview++
		case domain.ActionFailed:
			rep.Failed++
		case domain.ActionTimeout:
			rep.Timeout++
		}
	}

	overall := all.bucket()
	rep.Total = overall.Total
	rep.Verified = overall.Verified
	rep.VerificationRate = overall.VerificationRate
	rep.AverageScore = overall.AverageScore
	for k, acc := range byPlatform {
		rep.ByPlatform[k] = acc.bucket()
	}
	for k, acc := range byType {
		rep.ByActionType[k] = acc.bucket()
	}
	return rep
}

func accFor(m map[string]*bucketAcc, key string) *bucketAcc {
	acc, ok := m[key]
	if !ok {
		acc = &bucketAcc{}
		m[key] = acc
	}
	return acc
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRecord(r *domain.ActionRecord) domain.ActionRecord {
	out := *r
	out.Input = copyMap(r.Input)
	out.Result = copyMap(r.Result)
	out.Proofs = make([]domain.ProofArtifact, len(r.Proofs))
	for i, p := range r.Proofs {
		p.Data = copyMap(p.Data)
		out.Proofs[i] = p
	}
	out.VerificationNotes = append([]string(nil), r.VerificationNotes...)
	out.Errors = append([]string(nil), r.Errors...)
	return out
}
