package protocol

import "time"

// Direction names which side of the bridge triggered a status observation.
type Direction string

const (
	// IssueTriggered means the tracker status is the one that changed.
	IssueTriggered Direction = "issue"
	// TicketTriggered means the desk status is the one that changed.
	TicketTriggered Direction = "ticket"
)

// Observation is a single observed status change for one linked entity.
// Both the polling loop and the webhook produce these; the reconciliation
// engine consumes them through one entry point regardless of transport.
type Observation struct {
	IssueKey   string    `json:"issue_key"`
	Direction  Direction `json:"direction,omitempty"`
	Source     string    `json:"source"` // "poll" or "webhook"
	ObservedAt time.Time `json:"observed_at"`
}
