// Package verify turns browser observations into proof artifacts, scores
// them, and keeps the audit trail of every automation action.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rogersf/relay/internal/domain"
	"github.com/rogersf/relay/internal/driver"
	"github.com/rogersf/relay/internal/observability"
)

// CheckKind selects the driver primitive a check runs.
type CheckKind string

const (
	CheckScreenshot     CheckKind = "screenshot"
	CheckElementExists  CheckKind = "element-exists"
	CheckElementVisible CheckKind = "element-visible"
	CheckTextContains   CheckKind = "text-contains"
	CheckTextExact      CheckKind = "text-exact"
	CheckURLContains    CheckKind = "url-contains"
	CheckURLExact       CheckKind = "url-exact"
	CheckStateChanged   CheckKind = "state-changed"
	CheckCustom         CheckKind = "custom"
)

// Check is one verification step.
type Check struct {
	Kind     CheckKind
	Required bool
	Selector string
	// Expected is the text or URL to match. For state-changed it is the
	// sha256 of the DOM captured before the action.
	Expected string
	// Phase is "before" or "after" for screenshots.
	Phase string
	// Script is the JavaScript expression evaluated by custom checks.
	Script      string
	Description string
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Check  Check
	Passed bool
	Detail string
	Proof  domain.ProofArtifact
	Err    error
}

// VerificationResult folds all check results for an action.
type VerificationResult struct {
	ActionID string
	Verified bool
	Score    int
	Checks   []CheckResult
	Summary  []string
}

// Verifier runs checks against the browser and records proofs on the audit log.
type Verifier struct {
	driver driver.Driver
	audit  *AuditLog
	logger *slog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(d driver.Driver, audit *AuditLog, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{driver: d, audit: audit, logger: logger}
}

// Audit returns the audit log proofs are written to.
func (v *Verifier) Audit() *AuditLog { return v.audit }

func validateCheck(c Check) error {
	switch c.Kind {
	case CheckScreenshot, CheckURLContains, CheckURLExact, CheckStateChanged:
		return nil
	case CheckElementExists, CheckElementVisible, CheckTextContains, CheckTextExact:
		if c.Selector == "" {
			return fmt.Errorf("%w: %s needs a selector", domain.ErrUnknownCheck, c.Kind)
		}
		return nil
	case CheckCustom:
		if c.Script == "" {
			return fmt.Errorf("%w: custom check needs a script", domain.ErrUnknownCheck)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownCheck, c.Kind)
	}
}

// VerifyAction runs every check for an open action. Score is the rounded
// percentage of passing checks; verified requires every required check to
// pass and the score to reach MinVerificationScore. Driver failures fail the
// check and are recorded as action errors.
func (v *Verifier) VerifyAction(ctx context.Context, actionID string, actionType domain.ActionType, checks []Check) (VerificationResult, error) {
	for _, c := range checks {
		if err := validateCheck(c); err != nil {
			return VerificationResult{}, err
		}
	}

	ctx, span := observability.StartSpan(ctx, "verify.action",
		attribute.String("action.id", actionID),
		attribute.String("action.type", string(actionType)),
		attribute.Int("checks", len(checks)),
	)
	defer span.End()

	res := VerificationResult{ActionID: actionID}
	passed := 0
	requiredOK := true
	for _, c := range checks {
		cr, err := v.RunCheck(ctx, actionID, c)
		if err != nil && cr.Err == nil {
			return res, err
		}
		res.Checks = append(res.Checks, cr)
		if cr.Passed {
			passed++
		} else if c.Required {
			requiredOK = false
		}
		res.Summary = append(res.Summary, summarize(cr))
	}

	if len(checks) > 0 {
		res.Score = int(math.Round(100 * float64(passed) / float64(len(checks))))
	}
	res.Verified = len(checks) > 0 && requiredOK && res.Score >= MinVerificationScore
	span.SetAttributes(attribute.Int("score", res.Score), attribute.Bool("verified", res.Verified))

	if err := v.audit.AddNotes(actionID, res.Summary...); err != nil {
		return res, err
	}
	v.logger.Debug("verification finished", "action_id", actionID, "score", res.Score, "verified", res.Verified)
	return res, nil
}

func summarize(cr CheckResult) string {
	state := "PASS"
	if !cr.Passed {
		state = "FAIL"
	}
	label := cr.Check.Description
	if label == "" {
		label = string(cr.Check.Kind)
		if cr.Check.Selector != "" {
			label += " " + cr.Check.Selector
		}
	}
	if cr.Detail != "" {
		return fmt.Sprintf("%s %s: %s", state, label, cr.Detail)
	}
	return state + " " + label
}

// RunCheck performs a single check with exactly one driver call and appends
// its proof to the action. A driver failure is returned in CheckResult.Err
// and recorded on the action; the returned error is reserved for audit
// failures.
func (v *Verifier) RunCheck(ctx context.Context, actionID string, c Check) (CheckResult, error) {
	if err := validateCheck(c); err != nil {
		return CheckResult{Check: c}, err
	}
	cr := CheckResult{Check: c}

	switch c.Kind {
	case CheckScreenshot:
		phase := c.Phase
		if phase == "" {
			phase = "after"
		}
		png, err := v.driver.Screenshot(ctx)
		if err != nil {
			cr.Proof = domain.ProofArtifact{Type: screenshotProof(phase), ValidationError: err.Error()}
			return v.driverFailure(actionID, cr, err)
		}
		proof, err := v.audit.AddScreenshot(ctx, actionID, phase, png)
		cr.Proof = proof
		cr.Passed = proof.Valid
		if err != nil {
			cr.Err = err
			cr.Detail = err.Error()
			return cr, v.audit.AddError(actionID, fmt.Sprintf("store screenshot: %v", err))
		}
		cr.Detail = proof.Data["sha256"]
		return cr, nil

	case CheckElementExists, CheckElementVisible:
		expr := driver.ElementExistsJS(c.Selector)
		if c.Kind == CheckElementVisible {
			expr = driver.ElementVisibleJS(c.Selector)
		}
		out, _, err := v.driver.ExecuteScript(ctx, expr)
		cr.Proof = domain.ProofArtifact{Type: domain.ProofElementFound, Data: map[string]string{"selector": c.Selector, "mode": string(c.Kind)}}
		if err != nil {
			return v.driverFailure(actionID, cr, err)
		}
		cr.Passed = out == "true"
		cr.Proof.Data["found"] = fmt.Sprint(cr.Passed)
		if !cr.Passed {
			cr.Detail = "no match"
		}
		return v.record(actionID, cr)

	case CheckTextContains, CheckTextExact:
		out, ok, err := v.driver.ExecuteScript(ctx, driver.TextJS(c.Selector))
		cr.Proof = domain.ProofArtifact{Type: domain.ProofTextMatch, Data: map[string]string{
			"selector": c.Selector, "expected": c.Expected, "mode": string(c.Kind),
		}}
		if err != nil {
			return v.driverFailure(actionID, cr, err)
		}
		if !ok {
			cr.Detail = "element missing"
			return v.record(actionID, cr)
		}
		cr.Proof.Data["actual"] = truncate(out, 500)
		if c.Kind == CheckTextExact {
			cr.Passed = strings.TrimSpace(out) == strings.TrimSpace(c.Expected)
		} else {
			cr.Passed = strings.Contains(normalizeSpace(out), normalizeSpace(c.Expected))
		}
		if !cr.Passed {
			cr.Detail = "text not found"
		}
		return v.record(actionID, cr)

	case CheckURLContains, CheckURLExact:
		url, err := v.driver.CurrentURL(ctx)
		cr.Proof = domain.ProofArtifact{Type: domain.ProofURLMatch, Data: map[string]string{"expected": c.Expected, "mode": string(c.Kind)}}
		if err != nil {
			return v.driverFailure(actionID, cr, err)
		}
		cr.Proof.Data["actual"] = url
		if c.Kind == CheckURLExact {
			cr.Passed = strings.TrimRight(url, "/") == strings.TrimRight(c.Expected, "/")
		} else {
			cr.Passed = strings.Contains(url, c.Expected)
		}
		if !cr.Passed {
			cr.Detail = "at " + url
		}
		return v.record(actionID, cr)

	case CheckStateChanged:
		html, _, err := v.driver.ExecuteScript(ctx, driver.DOMJS)
		if err != nil {
			cr.Proof = domain.ProofArtifact{Type: domain.ProofDOMSnapshot}
			return v.driverFailure(actionID, cr, err)
		}
		changed := html != "" && hashBytes([]byte(html)) != c.Expected
		proof, err := v.audit.AddDOMSnapshot(ctx, actionID, html, changed)
		cr.Proof = proof
		cr.Passed = proof.Valid
		if err != nil {
			cr.Err = err
			cr.Detail = err.Error()
			return cr, v.audit.AddError(actionID, fmt.Sprintf("store DOM snapshot: %v", err))
		}
		if !changed {
			cr.Detail = "DOM unchanged"
		}
		return cr, nil

	default: // CheckCustom
		out, ok, err := v.driver.ExecuteScript(ctx, c.Script)
		cr.Proof = domain.ProofArtifact{Type: domain.ProofAPIResponse, Data: map[string]string{"script": truncate(c.Script, 200)}}
		if err != nil {
			return v.driverFailure(actionID, cr, err)
		}
		cr.Proof.Data["result"] = truncate(out, 500)
		cr.Passed = ok && truthy(out)
		return v.record(actionID, cr)
	}
}

func (v *Verifier) record(actionID string, cr CheckResult) (CheckResult, error) {
	cr.Proof.Valid = cr.Passed
	if !cr.Passed && cr.Proof.ValidationError == "" {
		cr.Proof.ValidationError = cr.Detail
	}
	return cr, v.audit.AddProof(actionID, cr.Proof)
}

func (v *Verifier) driverFailure(actionID string, cr CheckResult, err error) (CheckResult, error) {
	cr.Err = err
	cr.Passed = false
	cr.Detail = err.Error()
	cr.Proof.Valid = false
	cr.Proof.ValidationError = err.Error()
	v.logger.Warn("verification check failed", "action_id", actionID, "check", cr.Check.Kind, "error", err)
	if aerr := v.audit.AddProof(actionID, cr.Proof); aerr != nil {
		return cr, aerr
	}
	return cr, v.audit.AddError(actionID, fmt.Sprintf("%s: %v", cr.Check.Kind, err))
}

func screenshotProof(phase string) domain.ProofType {
	if phase == "before" {
		return domain.ProofScreenshotBefore
	}
	return domain.ProofScreenshotAfter
}

func truthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "false", "0", "null", "undefined":
		return false
	}
	return true
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// DOMHash returns the hash used by state-changed checks.
func DOMHash(html string) string { return hashBytes([]byte(html)) }
