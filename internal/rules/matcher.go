package rules

import (
	"errors"

	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// ErrNoRule signals that no rule in the direction's table matched the status
// pair. This is not a failure; it means no reconciliation is needed.
var ErrNoRule = errors.New("rules: no rule matched")

// Matcher selects the first matching rule from the configured tables.
type Matcher struct {
	issueTriggered  Table
	ticketTriggered Table
}

// NewMatcher creates a Matcher over the two direction tables.
func NewMatcher(issueTriggered, ticketTriggered Table) *Matcher {
	return &Matcher{
		issueTriggered:  issueTriggered,
		ticketTriggered: ticketTriggered,
	}
}

// Match scans the direction's table in configured order and returns the first
// rule whose issue-status set and ticket-status set both contain the observed
// statuses. Tables are never merged or collapsed; ordering decides precedence
// when several rules could structurally match.
func (m *Matcher) Match(dir protocol.Direction, issueStatus string, ticketStatus protocol.TicketStatus) (*Rule, error) {
	table := m.issueTriggered
	if dir == protocol.TicketTriggered {
		table = m.ticketTriggered
	}

	for i := range table {
		if table[i].matches(issueStatus, ticketStatus) {
			return &table[i], nil
		}
	}
	return nil, ErrNoRule
}
