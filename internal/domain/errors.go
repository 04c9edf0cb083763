package domain

import "fmt"

// EngineError is the unified error type for the relay.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

// Is reports whether target is an EngineError with the same code, so wrapped
// variants created by WrapEngineError still match their sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf("%s: %v", msg, cause)}
}

// ---- Queue errors (-32010 to -32039) ----

var (
	ErrTaskNotFound     = &EngineError{Code: -32010, Message: "task not found"}
	ErrTaskNotPending   = &EngineError{Code: -32011, Message: "task is not pending"}
	ErrTaskCancelled    = &EngineError{Code: -32012, Message: "task was cancelled"}
	ErrTaskTimeout      = &EngineError{Code: -32013, Message: "task exceeded its timeout"}
	ErrTaskPanicked     = &EngineError{Code: -32014, Message: "task execute unit panicked"}
	ErrQueueStopped     = &EngineError{Code: -32015, Message: "queue is stopped"}
	ErrInvalidTask      = &EngineError{Code: -32016, Message: "invalid task"}
	ErrRetriesExhausted = &EngineError{Code: -32017, Message: "task failed after all retries"}
)

// ---- Policy errors (-32040 to -32069) ----

var (
	ErrPolicyConfig      = &EngineError{Code: -32040, Message: "invalid policy configuration"}
	ErrReservationAbsent = &EngineError{Code: -32041, Message: "history reservation not found"}
)

// ---- Driver errors (-32070 to -32099) ----

var (
	ErrDriverNotReady     = &EngineError{Code: -32070, Message: "browser driver is not connected"}
	ErrNavigationFailed   = &EngineError{Code: -32071, Message: "navigation failed"}
	ErrElementNotFound    = &EngineError{Code: -32072, Message: "element not found"}
	ErrInteractionFailed  = &EngineError{Code: -32073, Message: "page interaction failed"}
	ErrScriptFailed       = &EngineError{Code: -32074, Message: "script evaluation failed"}
	ErrScreenshotFailed   = &EngineError{Code: -32075, Message: "screenshot capture failed"}
	ErrPlatformUnknown    = &EngineError{Code: -32076, Message: "platform is not registered"}
	ErrGenerationTimedOut = &EngineError{Code: -32077, Message: "content generation did not finish in time"}
)

// ---- Verification / Audit errors (-32100 to -32129) ----

var (
	ErrActionNotFound    = &EngineError{Code: -32100, Message: "action record not found"}
	ErrActionFinalized   = &EngineError{Code: -32101, Message: "action record is already finalized"}
	ErrCriteriaInvalid   = &EngineError{Code: -32102, Message: "success criteria validation failed"}
	ErrUnknownCheck      = &EngineError{Code: -32103, Message: "unknown verification check kind"}
	ErrArtifactWrite     = &EngineError{Code: -32104, Message: "artifact write failed"}
	ErrUnknownActionType = &EngineError{Code: -32105, Message: "no success criteria for action type"}
)

// ---- Session errors (-32130 to -32159) ----

var (
	ErrSessionNotFound   = &EngineError{Code: -32130, Message: "session not found"}
	ErrInvalidTransition = &EngineError{Code: -32131, Message: "invalid session transition"}
	ErrSessionNotActive  = &EngineError{Code: -32132, Message: "session is not active"}
	ErrLoginCheckFailed  = &EngineError{Code: -32133, Message: "login check failed"}
)

// ---- Orchestrator errors (-32160 to -32189) ----

var (
	ErrAlreadyRunning  = &EngineError{Code: -32160, Message: "orchestrator is already running"}
	ErrNotRunning      = &EngineError{Code: -32161, Message: "orchestrator is not running"}
	ErrNoLoggedIn      = &EngineError{Code: -32162, Message: "no platform passed login verification"}
	ErrDiscoveryFailed = &EngineError{Code: -32163, Message: "post discovery failed"}
	ErrActionFailed    = &EngineError{Code: -32164, Message: "automation action failed"}
)

// ---- Store / Config errors (-32190 to -32219) ----

var (
	ErrStoreInit       = &EngineError{Code: -32190, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32191, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32192, Message: "store write failed"}
	ErrSchemaMigration = &EngineError{Code: -32193, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32194, Message: "invalid configuration"}
)
