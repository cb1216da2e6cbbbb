// Package engine is the reconciliation orchestrator. It consumes status
// observations from the polling loop and the webhook through one entry
// point, resolves the issue/ticket link, serializes work per entity through
// the lease manager, and applies the first matching rule's actions subject
// to the ownership gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/config"
	"github.com/trackdesk-io/trackdesk/internal/desk"
	"github.com/trackdesk-io/trackdesk/internal/escalation"
	"github.com/trackdesk-io/trackdesk/internal/executor"
	"github.com/trackdesk-io/trackdesk/internal/notify"
	"github.com/trackdesk-io/trackdesk/internal/ownership"
	"github.com/trackdesk-io/trackdesk/internal/priority"
	"github.com/trackdesk-io/trackdesk/internal/rules"
	"github.com/trackdesk-io/trackdesk/internal/state"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// TrackerAPI is the tracker client surface the engine depends on.
type TrackerAPI interface {
	SearchIssues(ctx context.Context, query string) ([]*protocol.Issue, error)
	GetIssue(ctx context.Context, key string) (*protocol.Issue, error)
	TransitionIssue(ctx context.Context, key, name, resolution string) error
	AddComment(ctx context.Context, key, text string) error
	AssignIssue(ctx context.Context, key, assignee string) error
	SetField(ctx context.Context, key, fieldID, value string) error
}

// DeskAPI is the desk client surface the engine depends on.
type DeskAPI interface {
	FindTicketByExternalID(ctx context.Context, issueKey string) (*protocol.Ticket, error)
	GetTicket(ctx context.Context, id int64) (*protocol.Ticket, error)
	CreateTicket(ctx context.Context, params desk.CreateTicketParams) (*protocol.Ticket, error)
	UpdateTicket(ctx context.Context, id int64, update desk.TicketUpdate) (*protocol.Ticket, error)
	AddTags(ctx context.Context, id int64, tags []string) error
	RemoveTags(ctx context.Context, id int64, tags []string) error
	ListComments(ctx context.Context, id int64) ([]protocol.TicketComment, error)
	GetUser(ctx context.Context, id int64) (*protocol.User, error)
}

// Options carries the configured, startup-resolved parameters of the engine.
type Options struct {
	Query              string
	SolvedStatuses     []string
	ReferenceField     string
	SignatureDelimiter string
	Templates          config.TemplatesConfig
	TrackerURL         string

	// Identities, resolved at startup. The bridge skips its own comments
	// and uses the tracker identity as the "unassigned" owner.
	TrackerIdentity string
	DeskIdentityID  int64

	// Desk-side creation parameters, resolved from names at startup.
	SupportGroup  protocol.Group
	Groups        []protocol.Group
	TicketFormID  int64
	InitialFields map[int64]string

	LeaseTTL     time.Duration
	LeaseRetries int
	LeaseBackoff time.Duration
}

// Engine reconciles linked issue/ticket pairs.
type Engine struct {
	tracker     TrackerAPI
	desk        DeskAPI
	store       state.Store
	owners      *ownership.Manager
	matcher     *rules.Matcher
	exec        *executor.Executor
	priorities  *priority.Mapper
	escalations *escalation.Selector
	notifier    notify.Notifier
	opts        Options
	journal     *Journal
	logger      *slog.Logger
}

// New creates an Engine. notifier may be nil.
func New(
	trackerAPI TrackerAPI,
	deskAPI DeskAPI,
	store state.Store,
	owners *ownership.Manager,
	matcher *rules.Matcher,
	exec *executor.Executor,
	priorities *priority.Mapper,
	escalations *escalation.Selector,
	notifier notify.Notifier,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 30 * time.Second
	}
	if opts.LeaseRetries <= 0 {
		opts.LeaseRetries = 3
	}
	if opts.LeaseBackoff <= 0 {
		opts.LeaseBackoff = 250 * time.Millisecond
	}
	return &Engine{
		tracker:     trackerAPI,
		desk:        deskAPI,
		store:       store,
		owners:      owners,
		matcher:     matcher,
		exec:        exec,
		priorities:  priorities,
		escalations: escalations,
		notifier:    notifier,
		opts:        opts,
		journal:     NewJournal(500),
		logger:      logger,
	}
}

// Outcomes returns the engine's reconciliation outcome journal.
func (e *Engine) Outcomes() *Journal {
	return e.journal
}

// Due returns the issues currently matching the configured polling query.
func (e *Engine) Due(ctx context.Context) ([]*protocol.Issue, error) {
	e.logger.Debug("querying tracker", "query", e.opts.Query)
	return e.tracker.SearchIssues(ctx, e.opts.Query)
}

// Reconcile processes a single fresh observation (webhook path). The issue
// is re-fetched so the engine always works from current state rather than
// the event payload.
func (e *Engine) Reconcile(ctx context.Context, obs protocol.Observation) error {
	issue, err := e.tracker.GetIssue(ctx, obs.IssueKey)
	if err != nil {
		e.record(Outcome{IssueKey: obs.IssueKey, Source: obs.Source, Status: OutcomeFailed, Error: err.Error()})
		return fmt.Errorf("engine: fetch issue %s: %w", obs.IssueKey, err)
	}
	return e.ReconcileIssue(ctx, issue, obs.Source)
}

// ReconcileIssue runs one reconciliation pass for an issue (polling path).
// Failures are isolated per entity: the returned error is for reporting,
// never for aborting a whole cycle.
func (e *Engine) ReconcileIssue(ctx context.Context, issue *protocol.Issue, source string) error {
	logger := e.logger.With("issue", issue.Key)

	link, err := e.ensureTicket(ctx, issue, logger)
	if err != nil {
		e.record(Outcome{IssueKey: issue.Key, Source: source, Status: OutcomeFailed, Error: err.Error()})
		e.notifyFailure(ctx, issue.Key, err)
		return err
	}
	if link == nil {
		// Previously untracked and ineligible; a legitimate no-op.
		e.record(Outcome{IssueKey: issue.Key, Source: source, Status: OutcomeSkipped})
		return nil
	}

	// Per-entity mutual exclusion. A losing attempt is deferred to the next
	// cycle, never processed concurrently and never dropped silently.
	acquired, err := e.acquireLease(ctx, link.Key())
	if err != nil {
		e.record(Outcome{IssueKey: issue.Key, TicketID: link.Ticket.ID, Source: source, Status: OutcomeFailed, Error: err.Error()})
		return err
	}
	if !acquired {
		logger.Debug("lease held elsewhere, deferring to next cycle")
		e.record(Outcome{IssueKey: issue.Key, TicketID: link.Ticket.ID, Source: source, Status: OutcomeDeferred})
		return nil
	}
	defer func() {
		if err := e.owners.ReleaseLease(link.Key()); err != nil {
			logger.Error("failed to release lease", "error", err)
		}
	}()

	e.syncReference(ctx, link, logger)
	e.syncPriority(ctx, link, logger)
	e.syncAssignee(ctx, link, logger)
	e.mirrorDeskComments(ctx, link, logger)
	e.mirrorIssueComments(ctx, link, logger)

	outcome := e.syncStatus(ctx, link, source, logger)
	e.record(outcome)
	if outcome.Status == OutcomeFailed {
		e.notifyFailure(ctx, issue.Key, errors.New(outcome.Error))
		return fmt.Errorf("engine: reconcile %s: %s", issue.Key, outcome.Error)
	}
	return nil
}

// acquireLease tries a bounded number of times before giving up for this
// cycle. Lock contention is a normal condition, not an error.
func (e *Engine) acquireLease(ctx context.Context, entityKey string) (bool, error) {
	for attempt := 0; attempt < e.opts.LeaseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.opts.LeaseBackoff):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
		ok, err := e.owners.AcquireLease(entityKey, e.opts.LeaseTTL)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// syncStatus detects which side's status changed since the last pass and
// applies the first matching rule for each changed direction.
func (e *Engine) syncStatus(ctx context.Context, link *protocol.Link, source string, logger *slog.Logger) Outcome {
	outcome := Outcome{
		IssueKey: link.Issue.Key,
		TicketID: link.Ticket.ID,
		Source:   source,
		Status:   OutcomeOK,
	}

	lastIssue, _ := e.store.Get(lastIssueStatusKey(link.Issue.Key))
	lastTicket, _ := e.store.Get(lastTicketStatusKey(link.Ticket.ID))

	issueChanged := lastIssue != link.Issue.Fields.Status
	ticketChanged := lastTicket != string(link.Ticket.Status)
	logger.Debug("status pass",
		"issue_status", link.Issue.Fields.Status,
		"ticket_status", link.Ticket.Status,
		"issue_changed", issueChanged,
		"ticket_changed", ticketChanged,
	)

	if issueChanged {
		e.applyDirection(ctx, link, protocol.IssueTriggered, &outcome, logger)
	}
	if ticketChanged && outcome.Status != OutcomeFailed {
		e.applyDirection(ctx, link, protocol.TicketTriggered, &outcome, logger)
	}

	// Record what we saw so the bridge's own writes are not re-observed as
	// fresh changes on the next pass.
	if err := e.store.Set(lastIssueStatusKey(link.Issue.Key), link.Issue.Fields.Status); err != nil {
		logger.Error("failed to record last issue status", "error", err)
	}
	if err := e.store.Set(lastTicketStatusKey(link.Ticket.ID), string(link.Ticket.Status)); err != nil {
		logger.Error("failed to record last ticket status", "error", err)
	}

	return outcome
}

// applyDirection matches and executes at most one rule for one direction.
func (e *Engine) applyDirection(ctx context.Context, link *protocol.Link, dir protocol.Direction, outcome *Outcome, logger *slog.Logger) {
	rule, err := e.matcher.Match(dir, link.Issue.Fields.Status, link.Ticket.Status)
	if errors.Is(err, rules.ErrNoRule) {
		logger.Debug("no rule matched", "direction", dir)
		return
	}
	if err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()
		return
	}

	if !rule.Force {
		owns, err := e.owners.Owns(link.Key())
		if err != nil {
			outcome.Status = OutcomeFailed
			outcome.Error = err.Error()
			return
		}
		if !owns {
			logger.Debug("entity not owned by bridge, rule without force will not apply",
				"direction", dir,
				"rule", rule.Description,
			)
			return
		}
	}

	logger.Info("matched rule", "direction", dir, "rule", rule.Description)
	outcome.MatchedRules = append(outcome.MatchedRules, rule.Description)

	report := e.exec.Execute(ctx, link, rule.Actions, e.linkContext(link))
	outcome.Reports = append(outcome.Reports, report)

	switch {
	case report.Failed:
		outcome.Status = OutcomeFailed
		outcome.Error = fmt.Sprintf("rule %q failed", rule.Description)
	case report.PartiallyFailed():
		outcome.Status = OutcomePartial
	}
	if report.Failed {
		return
	}

	// The bridge drove this change; mark it the driver so the echo of its
	// own actions does not re-trigger rules.
	if err := e.owners.SetOwner(link.Key(), ownership.OwnerBridge); err != nil {
		logger.Error("failed to update ownership", "error", err)
	}

	// Transitions change the issue status server-side; refresh so the
	// second direction and the last-seen records work from current state.
	if ruleTransitionsIssue(rule) {
		if issue, err := e.tracker.GetIssue(ctx, link.Issue.Key); err == nil {
			link.Issue = issue
		} else {
			logger.Warn("failed to refresh issue after transition", "error", err)
		}
	}
}

func ruleTransitionsIssue(rule *rules.Rule) bool {
	for _, a := range rule.Actions {
		if a.Kind == rules.ActionTransitionIssue {
			return true
		}
	}
	return false
}

func (e *Engine) notifyFailure(ctx context.Context, issueKey string, err error) {
	if e.notifier == nil || err == nil {
		return
	}
	e.notifier.ReconcileFailed(ctx, issueKey, err.Error())
}

func lastIssueStatusKey(issueKey string) string {
	return "last_issue_status:" + issueKey
}

func lastTicketStatusKey(ticketID int64) string {
	return fmt.Sprintf("last_ticket_status:%d", ticketID)
}

func ticketCacheKey(issueKey string) string {
	return "ticket:" + issueKey
}
