package verify

import (
	"fmt"
	"strings"

	"github.com/rogersf/relay/internal/domain"
)

// MinVerificationScore is the lowest score that can be reported as verified.
const MinVerificationScore = 80

// manualReviewFloor is the lowest score routed to a human instead of failed.
const manualReviewFloor = 50

func interactionCriteria(t domain.ActionType, noun string) domain.SuccessCriteria {
	return domain.SuccessCriteria{
		ActionType: t,
		RequiredChecks: []domain.RequiredCheck{
			{ProofType: domain.ProofScreenshotBefore, Weight: 15, Description: "page captured before " + noun},
			{ProofType: domain.ProofElementFound, Weight: 20, Description: noun + " input present"},
			{ProofType: domain.ProofURLMatch, Weight: 15, Description: "browser on the target page"},
			{ProofType: domain.ProofTextMatch, Weight: 35, Description: noun + " text visible after submit"},
			{ProofType: domain.ProofScreenshotAfter, Weight: 15, Description: "page captured after " + noun},
		},
		OptionalChecks: []domain.RequiredCheck{
			{ProofType: domain.ProofDOMSnapshot, Weight: 0, Description: "DOM changed after submit"},
		},
		TimeoutMs:     30_000,
		RetryAttempts: 2,
	}
}

var defaultCriteria = map[domain.ActionType]domain.SuccessCriteria{
	domain.ActionComment:       interactionCriteria(domain.ActionComment, "comment"),
	domain.ActionDirectMessage: interactionCriteria(domain.ActionDirectMessage, "message"),
	domain.ActionLoginCheck: {
		ActionType: domain.ActionLoginCheck,
		RequiredChecks: []domain.RequiredCheck{
			{ProofType: domain.ProofURLMatch, Weight: 30, Description: "not redirected to a login page"},
			{ProofType: domain.ProofElementFound, Weight: 50, Description: "logged-in marker present"},
			{ProofType: domain.ProofScreenshotAfter, Weight: 20, Description: "session page captured"},
		},
		TimeoutMs:     30_000,
		RetryAttempts: 1,
	},
	domain.ActionGenerationPoll: {
		ActionType: domain.ActionGenerationPoll,
		RequiredChecks: []domain.RequiredCheck{
			{ProofType: domain.ProofElementFound, Weight: 50, Description: "generation result present"},
			{ProofType: domain.ProofTextMatch, Weight: 30, Description: "result reports completion"},
			{ProofType: domain.ProofTimestamp, Weight: 20, Description: "finished within the polling budget"},
		},
		TimeoutMs:     300_000,
		RetryAttempts: 0,
	},
}

// CriteriaFor returns the success criteria registered for t.
func CriteriaFor(t domain.ActionType) (domain.SuccessCriteria, error) {
	c, ok := defaultCriteria[t]
	if !ok {
		return domain.SuccessCriteria{}, fmt.Errorf("%w: %s", domain.ErrUnknownActionType, t)
	}
	return c, nil
}

var knownProofTypes = map[domain.ProofType]bool{
	domain.ProofScreenshotBefore: true,
	domain.ProofScreenshotAfter:  true,
	domain.ProofElementFound:     true,
	domain.ProofTextMatch:        true,
	domain.ProofURLMatch:         true,
	domain.ProofDOMSnapshot:      true,
	domain.ProofTimestamp:        true,
	domain.ProofAPIResponse:      true,
}

// ValidateCriteria checks that required weights are positive, reference known
// proof types and sum to 100. All violations are reported together.
func ValidateCriteria(c domain.SuccessCriteria) error {
	var violations []string
	if c.ActionType == "" {
		violations = append(violations, "ActionType must be non-empty")
	}
	if len(c.RequiredChecks) == 0 {
		violations = append(violations, "at least one required check is needed")
	}
	sum := 0
	for i, rc := range c.RequiredChecks {
		if !knownProofTypes[rc.ProofType] {
			violations = append(violations, fmt.Sprintf("RequiredChecks[%d] proof type %q is not valid", i, rc.ProofType))
		}
		if rc.Weight <= 0 {
			violations = append(violations, fmt.Sprintf("RequiredChecks[%d] weight %d must be positive", i, rc.Weight))
		}
		sum += rc.Weight
	}
	if len(c.RequiredChecks) > 0 && sum != 100 {
		violations = append(violations, fmt.Sprintf("required weights sum to %d, want 100", sum))
	}
	if c.TimeoutMs < 0 {
		violations = append(violations, "TimeoutMs must not be negative")
	}

	if len(violations) > 0 {
		return domain.NewEngineError(domain.ErrCriteriaInvalid.Code, strings.Join(violations, "; "))
	}
	return nil
}

// CriteriaScore sums the weights of required checks backed by at least one
// valid proof and lists the checks left unmet.
func CriteriaScore(c domain.SuccessCriteria, proofs []domain.ProofArtifact) (int, []domain.RequiredCheck) {
	valid := make(map[domain.ProofType]bool, len(proofs))
	for _, p := range proofs {
		if p.Valid {
			valid[p.Type] = true
		}
	}
	score := 0
	var unmet []domain.RequiredCheck
	for _, rc := range c.RequiredChecks {
		if valid[rc.ProofType] {
			score += rc.Weight
		} else {
			unmet = append(unmet, rc)
		}
	}
	return score, unmet
}

// Verdict is the input to Classify.
type Verdict struct {
	Score           int
	RequiredMet     bool
	DeclaredSuccess bool
	HadErrors       bool
	TimedOut        bool
}

// Classify maps a verdict onto an action status. Errors during an otherwise
// passing run downgrade verified to manual_review.
func Classify(v Verdict) domain.ActionStatus {
	switch {
	case v.TimedOut:
		return domain.ActionTimeout
	case v.DeclaredSuccess && v.RequiredMet && v.Score >= MinVerificationScore && !v.HadErrors:
		return domain.ActionVerified
	case v.Score >= manualReviewFloor:
		return domain.ActionManualReview
	default:
		return domain.ActionFailed
	}
}
