// Package executor runs a matched rule's ordered action list against the two
// ticketing systems, honoring only-once and allowed-to-fail semantics. It
// never retries; the API clients below it own retry, and the engine above it
// owns rescheduling.
package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/trackdesk-io/trackdesk/internal/desk"
	"github.com/trackdesk-io/trackdesk/internal/ownership"
	"github.com/trackdesk-io/trackdesk/internal/render"
	"github.com/trackdesk-io/trackdesk/internal/rules"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// TrackerAPI is the slice of the tracker client the executor needs.
type TrackerAPI interface {
	TransitionIssue(ctx context.Context, key, name, resolution string) error
	AddComment(ctx context.Context, key, text string) error
}

// DeskAPI is the slice of the desk client the executor needs.
type DeskAPI interface {
	UpdateTicket(ctx context.Context, id int64, update desk.TicketUpdate) (*protocol.Ticket, error)
	AddTags(ctx context.Context, id int64, tags []string) error
	RemoveTags(ctx context.Context, id int64, tags []string) error
}

// ActionResult records the outcome of one action.
type ActionResult struct {
	Description string `json:"description"`
	Skipped     bool   `json:"skipped,omitempty"` // only_once already executed
	Error       string `json:"error,omitempty"`
}

// Report captures what happened across a rule's action list. Partial
// application is preserved: already-applied actions are never rolled back,
// because the underlying systems offer no multi-action transaction.
type Report struct {
	Results []ActionResult `json:"results"`
	// Failed is set when a required action failed and aborted the rest.
	Failed bool `json:"failed,omitempty"`
}

// PartiallyFailed reports whether any action failed, required or not.
func (r *Report) PartiallyFailed() bool {
	for _, res := range r.Results {
		if res.Error != "" {
			return true
		}
	}
	return false
}

// Executor dispatches typed actions to the ticketing APIs.
type Executor struct {
	tracker TrackerAPI
	desk    DeskAPI
	owners  *ownership.Manager
	logger  *slog.Logger
}

// New creates an Executor.
func New(trackerAPI TrackerAPI, deskAPI DeskAPI, owners *ownership.Manager, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tracker: trackerAPI,
		desk:    deskAPI,
		owners:  owners,
		logger:  logger,
	}
}

// Execute runs the action list in order against the linked entity. Comment
// templates render against tmplCtx; a render failure is an action failure.
// Execute mutates link.Ticket in place as updates come back from the desk.
func (e *Executor) Execute(ctx context.Context, link *protocol.Link, actions []rules.Action, tmplCtx render.Context) *Report {
	report := &Report{}
	entityKey := link.Key()

	for _, action := range actions {
		result := ActionResult{Description: action.Description}

		if action.OnlyOnce {
			done, err := e.owners.HasExecuted(entityKey, action.ID())
			if err != nil {
				result.Error = err.Error()
				report.Results = append(report.Results, result)
				report.Failed = true
				return report
			}
			if done {
				e.logger.Debug("skipping already-executed action", "entity", entityKey, "action", action.Description)
				result.Skipped = true
				report.Results = append(report.Results, result)
				continue
			}
		}

		e.logger.Info("performing action", "entity", entityKey, "action", action.Description)
		if err := e.dispatch(ctx, link, action, tmplCtx); err != nil {
			result.Error = err.Error()
			report.Results = append(report.Results, result)

			if action.AllowedToFail {
				e.logger.Warn("best-effort action failed",
					"entity", entityKey,
					"action", action.Description,
					"error", err,
				)
				continue
			}

			e.logger.Error("required action failed, aborting rule",
				"entity", entityKey,
				"action", action.Description,
				"error", err,
			)
			report.Failed = true
			return report
		}

		if action.OnlyOnce {
			if err := e.owners.MarkExecuted(entityKey, action.ID()); err != nil {
				// The action itself succeeded; surface the bookkeeping
				// failure without aborting the remaining actions.
				e.logger.Error("failed to record executed-once action",
					"entity", entityKey,
					"action", action.Description,
					"error", err,
				)
			}
		}
		report.Results = append(report.Results, result)
	}

	return report
}

func (e *Executor) dispatch(ctx context.Context, link *protocol.Link, action rules.Action, tmplCtx render.Context) error {
	switch action.Kind {
	case rules.ActionUpdateTicket:
		update := desk.TicketUpdate{Status: action.Status}
		if action.Comment != "" {
			body, err := render.Render(action.Comment, tmplCtx)
			if err != nil {
				return fmt.Errorf("render comment: %w", err)
			}
			update.Comment = &desk.Comment{Body: body, Public: action.Public}
		}
		ticket, err := e.desk.UpdateTicket(ctx, link.Ticket.ID, update)
		if err != nil {
			return err
		}
		link.Ticket = ticket
		return nil

	case rules.ActionAddTicketTags:
		var absent []string
		for _, tag := range action.Tags {
			if !link.Ticket.HasTag(tag) {
				absent = append(absent, tag)
			}
		}
		if len(absent) == 0 {
			return nil
		}
		if err := e.desk.AddTags(ctx, link.Ticket.ID, absent); err != nil {
			return err
		}
		link.Ticket.Tags = append(link.Ticket.Tags, absent...)
		return nil

	case rules.ActionRemoveTicketTags:
		var present []string
		for _, tag := range action.Tags {
			if link.Ticket.HasTag(tag) {
				present = append(present, tag)
			}
		}
		if len(present) == 0 {
			return nil
		}
		if err := e.desk.RemoveTags(ctx, link.Ticket.ID, present); err != nil {
			return err
		}
		link.Ticket.Tags = removeAll(link.Ticket.Tags, present)
		return nil

	case rules.ActionTransitionIssue:
		if err := e.tracker.TransitionIssue(ctx, link.Issue.Key, action.Transition, action.Resolution); err != nil {
			return err
		}
		if action.Comment != "" {
			body, err := render.Render(action.Comment, tmplCtx)
			if err != nil {
				return fmt.Errorf("render comment: %w", err)
			}
			if err := e.tracker.AddComment(ctx, link.Issue.Key, body); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("executor: unknown action type %q", action.Kind)
	}
}

func removeAll(tags, remove []string) []string {
	out := tags[:0]
	for _, tag := range tags {
		removed := false
		for _, r := range remove {
			if tag == r {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, tag)
		}
	}
	return out
}
