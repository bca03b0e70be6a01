package routingslip

import (
	"strings"
	"time"
	"unicode"
)

// Wire shapes for queue-dispatched execution. One execute and one compensate
// queue exist per activity, so individual steps scale horizontally.

// ActivityExecute asks an activity host to run one step.
type ActivityExecute struct {
	TrackingNumber string         `json:"trackingNumber"`
	ActivityName   string         `json:"activityName"`
	ExecutionID    string         `json:"executionId"`
	Args           map[string]any `json:"args,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	CorrelationID  string         `json:"correlationId"`
}

// ActivityExecuteResponse reports the step's outcome.
type ActivityExecuteResponse struct {
	TrackingNumber  string         `json:"trackingNumber"`
	ActivityName    string         `json:"activityName"`
	ExecutionID     string         `json:"executionId"`
	Success         bool           `json:"success"`
	ResultType      string         `json:"resultType"` // Complete | Fault | Terminate
	CompensationLog map[string]any `json:"compensationLog,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	Error           string         `json:"error,omitempty"`
	Duration        time.Duration  `json:"duration"`
	Timestamp       time.Time      `json:"timestamp"`
	CorrelationID   string         `json:"correlationId"`
}

// ActivityCompensate asks an activity host to undo a completed step.
type ActivityCompensate struct {
	TrackingNumber  string         `json:"trackingNumber"`
	ActivityName    string         `json:"activityName"`
	CompensationLog map[string]any `json:"compensationLog,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	CorrelationID   string         `json:"correlationId"`
}

// ActivityCompensateResponse reports the compensation outcome.
type ActivityCompensateResponse struct {
	TrackingNumber string    `json:"trackingNumber"`
	ActivityName   string    `json:"activityName"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationID  string    `json:"correlationId"`
}

// ExecuteQueueName returns the per-activity execute queue,
// <prefix>_<kebab-name>_execute.
func ExecuteQueueName(prefix, activityName string) string {
	return prefix + "_" + kebab(activityName) + "_execute"
}

// CompensateQueueName returns the per-activity compensate queue.
func CompensateQueueName(prefix, activityName string) string {
	return prefix + "_" + kebab(activityName) + "_compensate"
}

func kebab(name string) string {
	var b strings.Builder
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
