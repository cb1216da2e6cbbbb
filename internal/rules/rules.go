// Package rules holds the configured reconciliation rule tables and the
// matcher that selects which rule applies to an observed status pair.
package rules

import (
	"fmt"
	"strings"

	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// ActionKind tags the variant of a reconciliation action.
type ActionKind string

const (
	ActionUpdateTicket     ActionKind = "update_ticket"
	ActionAddTicketTags    ActionKind = "add_ticket_tags"
	ActionRemoveTicketTags ActionKind = "remove_ticket_tags"
	ActionTransitionIssue  ActionKind = "transition_issue"
)

// Action is one step of a rule, executed in order by the action executor.
// Actions are best-effort only when AllowedToFail is set explicitly; the
// default is required.
type Action struct {
	Kind          ActionKind `json:"type"`
	Description   string     `json:"description"`
	OnlyOnce      bool       `json:"only_once,omitempty"`
	AllowedToFail bool       `json:"allowed_to_fail,omitempty"`

	// update_ticket
	Status  protocol.TicketStatus `json:"status,omitempty"`
	Comment string                `json:"comment,omitempty"` // template text
	Public  bool                  `json:"public,omitempty"`

	// add_ticket_tags / remove_ticket_tags
	Tags []string `json:"tags,omitempty"`

	// transition_issue
	Transition string `json:"transition,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// ID returns the action's identity for executed-once records. The description
// is required to be unique within a rule table, so it doubles as the key.
func (a Action) ID() string {
	return string(a.Kind) + ":" + a.Description
}

// Rule maps a (issue-status-set, ticket-status-set) pair to an ordered action
// list. Force executes the actions even when the bridge does not own the
// entity.
type Rule struct {
	Description    string   `json:"description"`
	IssueStatuses  []string `json:"issue_status"`
	TicketStatuses []string `json:"ticket_status"`
	Force          bool     `json:"force,omitempty"`
	Actions        []Action `json:"actions"`
}

func (r *Rule) matches(issueStatus string, ticketStatus protocol.TicketStatus) bool {
	return containsString(r.IssueStatuses, issueStatus) &&
		containsString(r.TicketStatuses, string(ticketStatus))
}

// Table is an ordered rule list for one trigger direction. Order is
// load-bearing: the first matching rule wins, which is how two-step
// transition workarounds are expressed.
type Table []Rule

// Validate checks the table for structural problems. It is called once at
// startup; any problem here is fatal.
func (t Table) Validate(name string) error {
	var errs []string

	seen := make(map[string]bool)
	for i, r := range t {
		if r.Description == "" {
			errs = append(errs, fmt.Sprintf("%s[%d].description is required", name, i))
		}
		if len(r.IssueStatuses) == 0 {
			errs = append(errs, fmt.Sprintf("%s[%d].issue_status is required", name, i))
		}
		if len(r.TicketStatuses) == 0 {
			errs = append(errs, fmt.Sprintf("%s[%d].ticket_status is required", name, i))
		}
		if len(r.Actions) == 0 {
			errs = append(errs, fmt.Sprintf("%s[%d].actions is required", name, i))
		}
		for j, a := range r.Actions {
			where := fmt.Sprintf("%s[%d].actions[%d]", name, i, j)
			if a.Description == "" {
				errs = append(errs, where+".description is required")
			} else if seen[a.ID()] {
				errs = append(errs, fmt.Sprintf("%s: duplicate action %q", where, a.Description))
			}
			seen[a.ID()] = true

			switch a.Kind {
			case ActionUpdateTicket:
				if a.Status == "" && a.Comment == "" {
					errs = append(errs, where+": update_ticket needs a status or a comment")
				}
			case ActionAddTicketTags, ActionRemoveTicketTags:
				if len(a.Tags) == 0 {
					errs = append(errs, where+".tags is required")
				}
			case ActionTransitionIssue:
				if a.Transition == "" {
					errs = append(errs, where+".transition is required")
				}
			default:
				errs = append(errs, fmt.Sprintf("%s: unknown action type %q", where, a.Kind))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("rules: invalid table:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
