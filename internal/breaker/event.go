package breaker

import "time"

// Reason codes stamped on transition events.
const (
	ReasonFailureThreshold = "failure_threshold"
	ReasonSuccessThreshold = "success_threshold"
	ReasonTimeout          = "timeout"
	ReasonManualReset      = "manual_reset"
)

// Event describes one breaker state transition. FailureCount and SuccessCount
// carry the counts that caused the transition, before they were reset.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	Provider      string    `json:"provider"`
	PreviousState State     `json:"previousState"`
	NewState      State     `json:"newState"`
	Reason        string    `json:"reason"`
	FailureCount  int       `json:"failureCount"`
	SuccessCount  int       `json:"successCount"`
}

// Sink receives transition events. Implementations must not block; the
// breaker calls it while holding its own lock.
type Sink interface {
	RecordCircuitBreakerStateChange(event Event)
}
