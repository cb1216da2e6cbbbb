// Package notify delivers operator notifications for events that need a
// human eye: escalations handed to engineers and reconciliations that failed.
// Sinks are best effort; a delivery failure is logged, never propagated into
// the reconciliation path.
package notify

import (
	"context"
	"fmt"
)

// Notifier receives bridge events worth telling an operator about.
type Notifier interface {
	// Escalated reports that a desk-side escalation assigned the issue to an
	// engineer.
	Escalated(ctx context.Context, issueKey, group, assignee string)
	// ReconcileFailed reports a failed reconciliation attempt.
	ReconcileFailed(ctx context.Context, issueKey, reason string)
}

// Multi fans events out to several sinks.
type Multi []Notifier

func (m Multi) Escalated(ctx context.Context, issueKey, group, assignee string) {
	for _, n := range m {
		n.Escalated(ctx, issueKey, group, assignee)
	}
}

func (m Multi) ReconcileFailed(ctx context.Context, issueKey, reason string) {
	for _, n := range m {
		n.ReconcileFailed(ctx, issueKey, reason)
	}
}

func escalationText(issueKey, group, assignee string) string {
	return fmt.Sprintf("Issue %s escalated via group %q and assigned to %s.", issueKey, group, assignee)
}

func failureText(issueKey, reason string) string {
	return fmt.Sprintf("Reconciliation of %s failed: %s", issueKey, reason)
}
