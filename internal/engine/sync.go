package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/trackdesk-io/trackdesk/internal/desk"
	"github.com/trackdesk-io/trackdesk/internal/ownership"
	"github.com/trackdesk-io/trackdesk/internal/render"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// ensureTicket resolves the issue's counterpart ticket, creating one (or a
// followup for a closed one) when the issue is eligible. A nil link with nil
// error means the issue is untracked and ineligible.
func (e *Engine) ensureTicket(ctx context.Context, issue *protocol.Issue, logger *slog.Logger) (*protocol.Link, error) {
	var ticket *protocol.Ticket

	// The ticket id is cached because desk search is strictly rate limited.
	if cached, err := e.store.Get(ticketCacheKey(issue.Key)); err == nil {
		if id, err := strconv.ParseInt(cached, 10, 64); err == nil {
			if t, err := e.desk.GetTicket(ctx, id); err == nil {
				ticket = t
			} else {
				logger.Warn("cached ticket lookup failed, falling back to search", "ticket", id, "error", err)
			}
		}
	}

	if ticket == nil {
		t, err := e.desk.FindTicketByExternalID(ctx, issue.Key)
		switch {
		case errors.Is(err, desk.ErrTicketNotFound):
			// fall through to creation
		case err != nil:
			return nil, fmt.Errorf("engine: resolve link for %s: %w", issue.Key, err)
		default:
			ticket = t
		}
	}

	switch {
	case ticket == nil:
		if !e.issueEligible(issue) {
			logger.Debug("skipping previously untracked, ineligible issue")
			return nil, nil
		}
		logger.Info("creating ticket for issue")
		created, err := e.createTicket(ctx, issue, 0)
		if err != nil {
			return nil, err
		}
		ticket = created

	case ticket.Status == protocol.TicketClosed:
		if !e.issueEligible(issue) {
			logger.Debug("skipping previously closed, ineligible issue")
			return nil, nil
		}
		logger.Info("creating followup ticket for issue", "previous_ticket", ticket.ID)
		created, err := e.createTicket(ctx, issue, ticket.ID)
		if err != nil {
			return nil, err
		}
		ticket = created
	}

	if err := e.store.Set(ticketCacheKey(issue.Key), strconv.FormatInt(ticket.ID, 10)); err != nil {
		logger.Error("failed to cache ticket id", "error", err)
	}

	return &protocol.Link{Issue: issue, Ticket: ticket}, nil
}

// issueEligible reports whether an untracked or previously closed issue
// should get a ticket: issues already in a solved status, or assigned to
// someone other than the bridge, are left alone.
func (e *Engine) issueEligible(issue *protocol.Issue) bool {
	for _, solved := range e.opts.SolvedStatuses {
		if issue.Fields.Status == solved {
			return false
		}
	}
	if issue.Fields.Assignee != "" && issue.Fields.Assignee != e.opts.TrackerIdentity {
		return false
	}
	return true
}

// createTicket opens a new ticket for the issue. A non-zero followupOf makes
// it a followup of a closed predecessor, using the followup template.
func (e *Engine) createTicket(ctx context.Context, issue *protocol.Issue, followupOf int64) (*protocol.Ticket, error) {
	tmplCtx := e.issueContext(issue)

	subject, err := render.Render(e.opts.Templates.Subject, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("engine: render subject: %w", err)
	}

	bodyTemplate := e.opts.Templates.InitialComment
	if followupOf != 0 {
		bodyTemplate = e.opts.Templates.FollowupComment
	}
	body, err := render.Render(bodyTemplate, tmplCtx)
	if err != nil {
		return nil, fmt.Errorf("engine: render initial comment: %w", err)
	}

	return e.desk.CreateTicket(ctx, desk.CreateTicketParams{
		Subject:          subject,
		Body:             body,
		ExternalID:       issue.Key,
		GroupID:          e.opts.SupportGroup.ID,
		FormID:           e.opts.TicketFormID,
		CustomFields:     e.opts.InitialFields,
		FollowupSourceID: followupOf,
	})
}

// syncReference keeps the configured tracker custom field pointing at the
// ticket id.
func (e *Engine) syncReference(ctx context.Context, link *protocol.Link, logger *slog.Logger) {
	if e.opts.ReferenceField == "" {
		return
	}
	ticketID := strconv.FormatInt(link.Ticket.ID, 10)
	if link.Issue.Fields.Custom[e.opts.ReferenceField] == ticketID {
		return
	}
	logger.Info("updating issue reference field", "ticket", ticketID)
	if err := e.tracker.SetField(ctx, link.Issue.Key, e.opts.ReferenceField, ticketID); err != nil {
		logger.Error("failed to update reference field", "error", err)
		return
	}
	if link.Issue.Fields.Custom == nil {
		link.Issue.Fields.Custom = make(map[string]string)
	}
	link.Issue.Fields.Custom[e.opts.ReferenceField] = ticketID
}

// syncPriority maps the issue priority onto the ticket.
func (e *Engine) syncPriority(ctx context.Context, link *protocol.Link, logger *slog.Logger) {
	if e.priorities == nil {
		return
	}
	want := e.priorities.Map(link.Issue.Fields.Priority)
	if link.Ticket.Priority == want {
		return
	}
	logger.Info("updating ticket priority", "from", link.Ticket.Priority, "to", want)
	ticket, err := e.desk.UpdateTicket(ctx, link.Ticket.ID, desk.TicketUpdate{Priority: want})
	if err != nil {
		logger.Error("failed to update ticket priority", "error", err)
		return
	}
	link.Ticket = ticket
}

// syncAssignee reconciles assignment changes on either side and hands
// ownership over accordingly. An unassigned issue is claimed by the bridge;
// a desk-side group move away from support triggers the escalation strategy.
func (e *Engine) syncAssignee(ctx context.Context, link *protocol.Link, logger *slog.Logger) {
	lastAssignee, _ := e.store.Get(lastAssigneeKey(link.Issue.Key))
	lastGroup, _ := e.store.Get(lastGroupKey(link.Ticket.ID))

	switch {
	case link.Issue.Fields.Assignee == "":
		logger.Info("claiming unassigned issue", "assignee", e.opts.TrackerIdentity)
		if err := e.tracker.AssignIssue(ctx, link.Issue.Key, e.opts.TrackerIdentity); err != nil {
			logger.Error("failed to claim issue", "error", err)
			return
		}
		link.Issue.Fields.Assignee = e.opts.TrackerIdentity
		if err := e.owners.SetOwner(link.Key(), ownership.OwnerBridge); err != nil {
			logger.Error("failed to update ownership", "error", err)
		}

	case link.Issue.Fields.Assignee != lastAssignee:
		if link.Issue.Fields.Assignee == e.opts.TrackerIdentity {
			if err := e.owners.SetOwner(link.Key(), ownership.OwnerBridge); err != nil {
				logger.Error("failed to update ownership", "error", err)
			}
			if link.Ticket.GroupID != e.opts.SupportGroup.ID {
				logger.Info("returning ticket to support group", "group", e.opts.SupportGroup.Name)
				if ticket, err := e.desk.UpdateTicket(ctx, link.Ticket.ID, desk.TicketUpdate{GroupID: e.opts.SupportGroup.ID}); err == nil {
					link.Ticket = ticket
				} else {
					logger.Error("failed to reassign ticket group", "error", err)
				}
			}
		} else {
			// A human took the issue; the bridge stops driving.
			if err := e.owners.SetOwner(link.Key(), ownership.OwnerExternal); err != nil {
				logger.Error("failed to update ownership", "error", err)
			}
		}

	case lastGroup != strconv.FormatInt(link.Ticket.GroupID, 10):
		if link.Ticket.GroupID != e.opts.SupportGroup.ID {
			e.handleEscalation(ctx, link, logger)
		}

	default:
		return
	}

	if err := e.store.Set(lastAssigneeKey(link.Issue.Key), link.Issue.Fields.Assignee); err != nil {
		logger.Error("failed to record last assignee", "error", err)
	}
	if err := e.store.Set(lastGroupKey(link.Ticket.ID), strconv.FormatInt(link.Ticket.GroupID, 10)); err != nil {
		logger.Error("failed to record last group", "error", err)
	}
}

// handleEscalation reacts to desk agents escalating the ticket to another
// group: the matching strategy picks a tracker assignee and the issue is
// handed off.
func (e *Engine) handleEscalation(ctx context.Context, link *protocol.Link, logger *slog.Logger) {
	if e.escalations == nil {
		return
	}

	groupName := e.groupName(link.Ticket.GroupID)
	logger.Debug("ticket escalated to group", "group", groupName)

	strategy, ok := e.escalations.ForGroup(groupName)
	if !ok {
		logger.Warn("no escalation strategy matches group", "group", groupName)
		return
	}

	assignee, err := strategy.SelectAssignee(link.Issue)
	if err != nil {
		logger.Error("escalation strategy failed", "group", groupName, "error", err)
		return
	}

	logger.Info("assigning escalated issue", "assignee", assignee, "group", groupName)
	if err := e.tracker.AssignIssue(ctx, link.Issue.Key, assignee); err != nil {
		logger.Error("failed to assign escalated issue", "error", err)
		return
	}
	link.Issue.Fields.Assignee = assignee

	if err := e.owners.SetOwner(link.Key(), ownership.OwnerExternal); err != nil {
		logger.Error("failed to update ownership", "error", err)
	}
	if e.notifier != nil {
		e.notifier.Escalated(ctx, link.Issue.Key, groupName, assignee)
	}
}

// groupName resolves a desk group id against the startup-resolved groups.
func (e *Engine) groupName(groupID int64) string {
	for _, g := range e.opts.Groups {
		if g.ID == groupID {
			return g.Name
		}
	}
	return strconv.FormatInt(groupID, 10)
}

// mirrorDeskComments copies new public desk comments onto the issue, with
// the signature stripped.
func (e *Engine) mirrorDeskComments(ctx context.Context, link *protocol.Link, logger *slog.Logger) {
	comments, err := e.desk.ListComments(ctx, link.Ticket.ID)
	if err != nil {
		logger.Error("failed to list ticket comments", "error", err)
		return
	}

	for _, comment := range comments {
		if !comment.Public {
			continue
		}
		if comment.AuthorID == e.opts.DeskIdentityID {
			continue
		}
		seenKey := seenDeskCommentKey(comment.ID)
		if _, err := e.store.Get(seenKey); err == nil {
			continue
		}

		author, err := e.desk.GetUser(ctx, comment.AuthorID)
		if err != nil {
			logger.Error("failed to resolve comment author", "comment", comment.ID, "error", err)
			continue
		}

		body, err := render.Render(e.opts.Templates.IncomingComment, e.deskCommentContext(comment, author))
		if err != nil {
			logger.Error("failed to render incoming comment", "comment", comment.ID, "error", err)
			continue
		}

		logger.Info("copying ticket comment to issue", "comment", comment.ID)
		if err := e.tracker.AddComment(ctx, link.Issue.Key, body); err != nil {
			logger.Error("failed to copy comment to issue", "comment", comment.ID, "error", err)
			continue
		}
		if err := e.store.Set(seenKey, "1"); err != nil {
			logger.Error("failed to mark comment seen", "comment", comment.ID, "error", err)
		}
	}
}

// mirrorIssueComments copies new issue comments (other authors) onto the
// ticket as public comments.
func (e *Engine) mirrorIssueComments(ctx context.Context, link *protocol.Link, logger *slog.Logger) {
	for _, comment := range link.Issue.Fields.Comments {
		if comment.Author.Name == e.opts.TrackerIdentity {
			continue
		}
		seenKey := seenIssueCommentKey(comment.ID)
		if _, err := e.store.Get(seenKey); err == nil {
			continue
		}

		body, err := render.Render(e.opts.Templates.OutgoingComment, e.issueCommentContext(comment))
		if err != nil {
			logger.Error("failed to render outgoing comment", "comment", comment.ID, "error", err)
			continue
		}

		logger.Info("copying issue comment to ticket", "comment", comment.ID)
		ticket, err := e.desk.UpdateTicket(ctx, link.Ticket.ID, desk.TicketUpdate{
			Comment: &desk.Comment{Body: body, Public: true},
		})
		if err != nil {
			logger.Error("failed to copy comment to ticket", "comment", comment.ID, "error", err)
			continue
		}
		link.Ticket = ticket
		if err := e.store.Set(seenKey, "1"); err != nil {
			logger.Error("failed to mark comment seen", "comment", comment.ID, "error", err)
		}
	}
}

// --- template contexts ---

// issueContext exposes the issue to templates. Description is explicitly
// nullable: issues without one render an empty string rather than failing.
func (e *Engine) issueContext(issue *protocol.Issue) render.Context {
	var description any
	if issue.Fields.Description != "" {
		description = issue.Fields.Description
	}
	return render.Context{
		"tracker_url": e.opts.TrackerURL,
		"issue": render.Context{
			"key": issue.Key,
			"fields": render.Context{
				"summary":     issue.Fields.Summary,
				"description": description,
				"status":      issue.Fields.Status,
				"created":     issue.Fields.Created,
				"creator": render.Context{
					"displayName": issue.Fields.Creator.DisplayName,
				},
			},
		},
	}
}

// linkContext exposes both halves of the link to rule action templates.
func (e *Engine) linkContext(link *protocol.Link) render.Context {
	ctx := e.issueContext(link.Issue)
	ctx["ticket"] = render.Context{
		"id":      link.Ticket.ID,
		"subject": link.Ticket.Subject,
		"status":  string(link.Ticket.Status),
	}
	return ctx
}

// issueCommentContext exposes a tracker comment and its attachments for the
// outgoing comment template.
func (e *Engine) issueCommentContext(comment protocol.IssueComment) render.Context {
	attachments := make([]render.Context, 0, len(comment.Attachments))
	for _, a := range comment.Attachments {
		attachments = append(attachments, render.Context{
			"file_name":   a.FileName,
			"content_url": a.ContentURL,
		})
	}
	return render.Context{
		"tracker_url": e.opts.TrackerURL,
		"comment": render.Context{
			"author": render.Context{
				"displayName": comment.Author.DisplayName,
			},
			"created":     comment.Created,
			"body":        comment.Body,
			"attachments": attachments,
		},
	}
}

// deskCommentContext exposes a desk comment for the incoming comment
// template, with the signature already stripped.
func (e *Engine) deskCommentContext(comment protocol.TicketComment, author *protocol.User) render.Context {
	return render.Context{
		"tracker_url": e.opts.TrackerURL,
		"comment": render.Context{
			"author": render.Context{
				"displayName": author.DisplayName,
			},
			"created": comment.Created,
			"body":    comment.Body,
		},
		"stripped_body": render.StripSignature(comment.Body, e.opts.SignatureDelimiter),
	}
}

func lastAssigneeKey(issueKey string) string {
	return "last_issue_assignee:" + issueKey
}

func lastGroupKey(ticketID int64) string {
	return fmt.Sprintf("last_ticket_group:%d", ticketID)
}

func seenDeskCommentKey(id int64) string {
	return fmt.Sprintf("seen_desk_comment:%d", id)
}

func seenIssueCommentKey(id string) string {
	return "seen_issue_comment:" + id
}
