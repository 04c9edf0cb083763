// Package policy implements the rate and dedup gates applied to proposed
// comments and direct messages before any browser work is queued.
package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/rogersf/relay/internal/clock"
	"github.com/rogersf/relay/internal/config"
	"github.com/rogersf/relay/internal/domain"
)

// Action kinds with their own policy instance.
const (
	KindComment = "comment"
	KindDM      = "dm"
)

// RejectKind names the gate that refused a proposal.
type RejectKind string

const (
	RejectNone        RejectKind = ""
	RejectDuplicate   RejectKind = "duplicate"
	RejectMinInterval RejectKind = "min_interval"
	RejectHourlyCap   RejectKind = "hourly_cap"
	RejectDailyCap    RejectKind = "daily_cap"
	RejectCooldown    RejectKind = "cooldown"
)

// Proposal is an action being considered.
type Proposal struct {
	Platform string
	// TargetID is the post or conversation the action lands on.
	TargetID string
	// Recipient is set for direct messages and keys the cooldown gate.
	Recipient string
	Text      string
}

// Decision is the outcome of evaluating the gates. A refusal is not an error.
type Decision struct {
	Allowed   bool
	Kind      RejectKind
	Reason    string
	Wait      time.Duration
	DedupeKey string
	// RecordID identifies the history entry reserved by Admit.
	RecordID string
}

// Skipped reports whether the proposal was refused.
func (d Decision) Skipped() bool { return !d.Allowed }

// Limits are the temporal constraints of one policy. Zero disables a gate.
type Limits struct {
	MinInterval     time.Duration
	MaxPerHour      int
	MaxPerDay       int
	DedupeWindow    time.Duration
	CooldownPerUser time.Duration
}

// LimitsFromConfig converts a policy config section.
func LimitsFromConfig(c config.PolicyConfig) Limits {
	return Limits{
		MinInterval:     c.MinInterval(),
		MaxPerHour:      c.MaxPerHour,
		MaxPerDay:       c.MaxPerDay,
		DedupeWindow:    c.DedupeWindow(),
		CooldownPerUser: c.CooldownPerUser(),
	}
}

// HistoryStore persists accepted actions across restarts.
type HistoryStore interface {
	SaveHistory(ctx context.Context, rec domain.HistoryRecord) error
	DeleteHistory(ctx context.Context, id string) error
	LoadHistory(ctx context.Context, kind string, sinceMs int64) ([]domain.HistoryRecord, error)
	PruneHistory(ctx context.Context, kind string, beforeMs int64) (int64, error)
}

// Config configures a Policy.
type Config struct {
	Kind   string
	Limits Limits
	Clock  clock.Clock
	Store  HistoryStore
	Logger *slog.Logger
}

// Policy holds the rolling history and cooldowns for one action kind. All
// gate evaluation and recording happen under one mutex so concurrent
// proposals cannot both pass a check-then-act gate.
type Policy struct {
	kind   string
	limits Limits
	clock  clock.Clock
	store  HistoryStore
	logger *slog.Logger

	mu         sync.Mutex
	history    []domain.HistoryRecord
	lastAction int64
	cooldowns  map[string]int64
}

// New validates the limits and returns an empty Policy.
func New(cfg Config) (*Policy, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("%w: kind is required", domain.ErrPolicyConfig)
	}
	l := cfg.Limits
	if l.MinInterval < 0 || l.DedupeWindow < 0 || l.CooldownPerUser < 0 || l.MaxPerHour < 0 || l.MaxPerDay < 0 {
		return nil, fmt.Errorf("%w: negative limit for %s", domain.ErrPolicyConfig, cfg.Kind)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Policy{
		kind:      cfg.Kind,
		limits:    l,
		clock:     cfg.Clock,
		store:     cfg.Store,
		logger:    cfg.Logger.With("policy", cfg.Kind),
		cooldowns: make(map[string]int64),
	}, nil
}

// Kind returns the action kind this policy governs.
func (p *Policy) Kind() string { return p.kind }

// Normalize folds case, drops punctuation and collapses whitespace so
// trivially different texts share a dedupe key.
func Normalize(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, text)
	return strings.Join(strings.Fields(cleaned), " ")
}

// DedupeKey hashes the target identity with the normalized text.
func DedupeKey(p Proposal) string {
	sum := sha256.Sum256([]byte(p.Platform + "/" + p.TargetID + "/" + p.Recipient + "\x00" + Normalize(p.Text)))
	return hex.EncodeToString(sum[:])
}

func recipientKey(platform, recipient string) string {
	if recipient == "" {
		return ""
	}
	return platform + "/" + strings.ToLower(recipient)
}

// horizon is how long history is retained: long enough for both the dedupe
// window and the daily cap.
func (p *Policy) horizon() time.Duration {
	if p.limits.DedupeWindow > 24*time.Hour {
		return p.limits.DedupeWindow
	}
	return 24 * time.Hour
}

// Check evaluates every gate without recording anything.
func (p *Policy) Check(prop Proposal) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evaluateLocked(prop, p.clock.Now().UnixMilli())
}

// Admit evaluates the gates and, when allowed, records the proposal as a
// reservation in the same critical section.
func (p *Policy) Admit(ctx context.Context, prop Proposal) Decision {
	// now is read under the lock so history stays in timestamp order.
	p.mu.Lock()
	now := p.clock.Now().UnixMilli()
	d := p.evaluateLocked(prop, now)
	if !d.Allowed {
		p.mu.Unlock()
		p.logger.Info("action skipped", "platform", prop.Platform, "target", prop.TargetID,
			"recipient", prop.Recipient, "reason", d.Reason, "wait", d.Wait)
		return d
	}
	rec := domain.HistoryRecord{
		ID:        uuid.NewString(),
		Kind:      p.kind,
		Platform:  prop.Platform,
		TargetID:  prop.TargetID,
		Recipient: prop.Recipient,
		Text:      prop.Text,
		DedupeKey: d.DedupeKey,
		Timestamp: now,
	}
	p.history = append(p.history, rec)
	p.lastAction = now
	if k := recipientKey(prop.Platform, prop.Recipient); k != "" {
		p.cooldowns[k] = now
	}
	p.mu.Unlock()

	d.RecordID = rec.ID
	if p.store != nil {
		if err := p.store.SaveHistory(ctx, rec); err != nil {
			p.logger.Warn("persist history", "record_id", rec.ID, "error", err)
		}
	}
	return d
}

func (p *Policy) evaluateLocked(prop Proposal, now int64) Decision {
	p.pruneLocked(now)
	key := DedupeKey(prop)
	d := Decision{DedupeKey: key}

	if w := p.limits.DedupeWindow; w > 0 {
		cutoff := now - w.Milliseconds()
		for i := len(p.history) - 1; i >= 0; i-- {
			h := p.history[i]
			if h.Timestamp <= cutoff {
				break
			}
			if h.DedupeKey == key {
				return reject(d, RejectDuplicate,
					fmt.Sprintf("duplicate %s to %s within %s", p.kind, prop.TargetID, w),
					h.Timestamp+w.Milliseconds()-now)
			}
		}
	}

	if mi := p.limits.MinInterval; mi > 0 && p.lastAction > 0 {
		if since := now - p.lastAction; since < mi.Milliseconds() {
			return reject(d, RejectMinInterval,
				fmt.Sprintf("minimum interval %s not elapsed", mi), mi.Milliseconds()-since)
		}
	}

	if capN := p.limits.MaxPerHour; capN > 0 {
		if n, oldest := p.countSinceLocked(now - time.Hour.Milliseconds()); n >= capN {
			return reject(d, RejectHourlyCap,
				fmt.Sprintf("hourly cap of %d reached", capN), oldest+time.Hour.Milliseconds()-now)
		}
	}

	if capN := p.limits.MaxPerDay; capN > 0 {
		if n, oldest := p.countSinceLocked(now - (24 * time.Hour).Milliseconds()); n >= capN {
			return reject(d, RejectDailyCap,
				fmt.Sprintf("daily cap of %d reached", capN), oldest+(24*time.Hour).Milliseconds()-now)
		}
	}

	if cd := p.limits.CooldownPerUser; cd > 0 {
		if k := recipientKey(prop.Platform, prop.Recipient); k != "" {
			if last, ok := p.cooldowns[k]; ok && now-last < cd.Milliseconds() {
				return reject(d, RejectCooldown,
					fmt.Sprintf("recipient %s contacted within %s", prop.Recipient, cd),
					last+cd.Milliseconds()-now)
			}
		}
	}

	d.Allowed = true
	return d
}

func reject(d Decision, kind RejectKind, reason string, waitMs int64) Decision {
	d.Allowed = false
	d.Kind = kind
	d.Reason = reason
	if waitMs > 0 {
		d.Wait = time.Duration(waitMs) * time.Millisecond
	}
	return d
}

// countSinceLocked returns how many records are newer than cutoff and the
// timestamp of the oldest of them.
func (p *Policy) countSinceLocked(cutoff int64) (int, int64) {
	idx := sort.Search(len(p.history), func(i int) bool { return p.history[i].Timestamp > cutoff })
	n := len(p.history) - idx
	if n == 0 {
		return 0, 0
	}
	return n, p.history[idx].Timestamp
}

// pruneLocked drops history older than the retention horizon and expired
// cooldowns.
func (p *Policy) pruneLocked(now int64) {
	cutoff := now - p.horizon().Milliseconds()
	idx := sort.Search(len(p.history), func(i int) bool { return p.history[i].Timestamp > cutoff })
	if idx > 0 {
		p.history = append([]domain.HistoryRecord(nil), p.history[idx:]...)
	}
	cd := p.limits.CooldownPerUser.Milliseconds()
	for k, last := range p.cooldowns {
		if now-last >= cd {
			delete(p.cooldowns, k)
		}
	}
}

// Confirm marks a reserved record as verified or not.
func (p *Policy) Confirm(ctx context.Context, recordID string, verified bool) error {
	p.mu.Lock()
	var rec domain.HistoryRecord
	found := false
	for i := range p.history {
		if p.history[i].ID == recordID {
			p.history[i].Verified = verified
			rec = p.history[i]
			found = true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return domain.ErrReservationAbsent
	}
	if p.store != nil {
		if err := p.store.SaveHistory(ctx, rec); err != nil {
			return fmt.Errorf("confirm history %s: %w", recordID, err)
		}
	}
	return nil
}

// Release rolls back a reservation whose action failed. The pacing timestamp
// and recipient cooldown are recomputed from the remaining history.
func (p *Policy) Release(ctx context.Context, recordID string) error {
	p.mu.Lock()
	idx := -1
	for i := range p.history {
		if p.history[i].ID == recordID {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mu.Unlock()
		return domain.ErrReservationAbsent
	}
	rec := p.history[idx]
	p.history = append(p.history[:idx], p.history[idx+1:]...)

	p.lastAction = 0
	if n := len(p.history); n > 0 {
		p.lastAction = p.history[n-1].Timestamp
	}
	if k := recipientKey(rec.Platform, rec.Recipient); k != "" {
		delete(p.cooldowns, k)
		for i := len(p.history) - 1; i >= 0; i-- {
			h := p.history[i]
			if recipientKey(h.Platform, h.Recipient) == k {
				p.cooldowns[k] = h.Timestamp
				break
			}
		}
	}
	p.mu.Unlock()

	p.logger.Info("reservation released", "record_id", recordID, "platform", rec.Platform)
	if p.store != nil {
		if err := p.store.DeleteHistory(ctx, recordID); err != nil {
			return fmt.Errorf("release history %s: %w", recordID, err)
		}
	}
	return nil
}

// History returns a copy of the retained records, oldest first.
func (p *Policy) History() []domain.HistoryRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.HistoryRecord(nil), p.history...)
}

// Counts returns the number of records in the last hour and the last day.
func (p *Policy) Counts() (hour, day int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now().UnixMilli()
	hour, _ = p.countSinceLocked(now - time.Hour.Milliseconds())
	day, _ = p.countSinceLocked(now - (24 * time.Hour).Milliseconds())
	return hour, day
}

// Reset clears in-memory history, pacing and cooldowns.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = nil
	p.lastAction = 0
	p.cooldowns = make(map[string]int64)
}

// Load replaces in-memory state with persisted history inside the retention
// horizon and prunes older rows from the store.
func (p *Policy) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	now := p.clock.Now().UnixMilli()
	cutoff := now - p.horizon().Milliseconds()
	if _, err := p.store.PruneHistory(ctx, p.kind, cutoff+1); err != nil {
		return fmt.Errorf("prune %s history: %w", p.kind, err)
	}
	recs, err := p.store.LoadHistory(ctx, p.kind, cutoff)
	if err != nil {
		return fmt.Errorf("load %s history: %w", p.kind, err)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp < recs[j].Timestamp })

	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = recs
	p.lastAction = 0
	p.cooldowns = make(map[string]int64)
	for _, r := range recs {
		if r.Timestamp > p.lastAction {
			p.lastAction = r.Timestamp
		}
		if k := recipientKey(r.Platform, r.Recipient); k != "" && r.Timestamp > p.cooldowns[k] {
			p.cooldowns[k] = r.Timestamp
		}
	}
	p.pruneLocked(now)
	p.logger.Info("history loaded", "records", len(p.history))
	return nil
}

// Prune drops expired history from memory and the store.
func (p *Policy) Prune(ctx context.Context) error {
	now := p.clock.Now().UnixMilli()
	p.mu.Lock()
	p.pruneLocked(now)
	p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	if _, err := p.store.PruneHistory(ctx, p.kind, now-p.horizon().Milliseconds()+1); err != nil {
		return fmt.Errorf("prune %s history: %w", p.kind, err)
	}
	return nil
}
