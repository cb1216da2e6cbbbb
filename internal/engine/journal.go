package engine

import (
	"sync"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/executor"
)

// OutcomeStatus classifies one reconciliation attempt.
type OutcomeStatus string

const (
	OutcomeOK       OutcomeStatus = "ok"
	OutcomePartial  OutcomeStatus = "partial"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeSkipped  OutcomeStatus = "skipped"
	OutcomeDeferred OutcomeStatus = "deferred"
)

// Outcome is the record of one reconciliation attempt for one entity.
type Outcome struct {
	IssueKey     string             `json:"issue_key"`
	TicketID     int64              `json:"ticket_id,omitempty"`
	Source       string             `json:"source"`
	Status       OutcomeStatus      `json:"status"`
	MatchedRules []string           `json:"matched_rules,omitempty"`
	Reports      []*executor.Report `json:"reports,omitempty"`
	Error        string             `json:"error,omitempty"`
	Time         time.Time          `json:"time"`
}

// Journal is a fixed-capacity ring of recent outcomes, newest first on read.
// It backs the status API; it is diagnostics, not durable state.
type Journal struct {
	mu       sync.RWMutex
	outcomes []Outcome
	next     int
	full     bool
}

// NewJournal creates a Journal holding at most capacity outcomes.
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 100
	}
	return &Journal{outcomes: make([]Outcome, capacity)}
}

// Add records an outcome, evicting the oldest when full.
func (j *Journal) Add(o Outcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes[j.next] = o
	j.next = (j.next + 1) % len(j.outcomes)
	if j.next == 0 {
		j.full = true
	}
}

// Recent returns up to limit outcomes, newest first. limit <= 0 returns all.
func (j *Journal) Recent(limit int) []Outcome {
	j.mu.RLock()
	defer j.mu.RUnlock()

	size := j.next
	if j.full {
		size = len(j.outcomes)
	}
	if limit <= 0 || limit > size {
		limit = size
	}

	out := make([]Outcome, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (j.next - i + len(j.outcomes)) % len(j.outcomes)
		out = append(out, j.outcomes[idx])
	}
	return out
}

// ForIssue returns the recorded outcomes for one issue, newest first.
func (j *Journal) ForIssue(issueKey string) []Outcome {
	var out []Outcome
	for _, o := range j.Recent(0) {
		if o.IssueKey == issueKey {
			out = append(out, o)
		}
	}
	return out
}

func (e *Engine) record(o Outcome) {
	o.Time = time.Now()
	e.journal.Add(o)
}
