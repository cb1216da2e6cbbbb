// Package desk is the REST client for the support-desk side of the bridge.
// Like the tracker client, it owns retry with backoff for transient failures.
package desk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// ErrTicketNotFound is returned by lookups that find no ticket.
var ErrTicketNotFound = errors.New("desk: ticket not found")

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// Client talks to the desk REST API with basic auth.
type Client struct {
	client   *http.Client
	baseURL  string
	username string
	password string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Client) { d.client = c }
}

// NewClient creates a desk client.
func NewClient(baseURL, username, password string, opts ...Option) *Client {
	c := &Client{
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL,
		username: username,
		password: password,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Comment is an outbound ticket comment with its visibility flag.
type Comment struct {
	Body   string `json:"body"`
	Public bool   `json:"public"`
}

// TicketUpdate carries the mutable ticket fields for UpdateTicket. Nil/empty
// fields are left untouched.
type TicketUpdate struct {
	Status   protocol.TicketStatus `json:"status,omitempty"`
	Priority string                `json:"priority,omitempty"`
	GroupID  int64                 `json:"group_id,omitempty"`
	Comment  *Comment              `json:"comment,omitempty"`
}

// CreateTicketParams holds everything needed to open a new ticket.
type CreateTicketParams struct {
	Subject          string
	Body             string
	ExternalID       string
	GroupID          int64
	FormID           int64
	CustomFields     map[int64]string
	FollowupSourceID int64
}

// CurrentUserID returns the id of the authenticated desk user, used to skip
// the bridge's own comments when mirroring.
func (c *Client) CurrentUserID(ctx context.Context) (int64, error) {
	var out wireUserEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v2/users/me.json", nil, &out); err != nil {
		return 0, err
	}
	return out.User.ID, nil
}

// FindTicketByExternalID looks up the ticket linked to an issue key. When
// several tickets share the external id (followups), the newest wins.
func (c *Client) FindTicketByExternalID(ctx context.Context, issueKey string) (*protocol.Ticket, error) {
	query := url.QueryEscape("type:ticket external_id:" + issueKey)
	path := "/api/v2/search.json?query=" + query + "&sort_by=created_at&sort_order=desc"

	var out struct {
		Results []wireTicket `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Results) == 0 {
		return nil, fmt.Errorf("%w: external_id %s", ErrTicketNotFound, issueKey)
	}
	return out.Results[0].toTicket(), nil
}

// GetTicket fetches a ticket by id.
func (c *Client) GetTicket(ctx context.Context, id int64) (*protocol.Ticket, error) {
	var out wireTicketEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v2/tickets/"+itoa(id)+".json", nil, &out); err != nil {
		return nil, err
	}
	return out.Ticket.toTicket(), nil
}

// CreateTicket opens a new ticket.
func (c *Client) CreateTicket(ctx context.Context, params CreateTicketParams) (*protocol.Ticket, error) {
	ticket := map[string]any{
		"subject":     params.Subject,
		"comment":     map[string]string{"body": params.Body},
		"external_id": params.ExternalID,
	}
	if params.GroupID != 0 {
		ticket["group_id"] = params.GroupID
	}
	if params.FormID != 0 {
		ticket["ticket_form_id"] = params.FormID
	}
	if len(params.CustomFields) > 0 {
		fields := make([]map[string]any, 0, len(params.CustomFields))
		for id, value := range params.CustomFields {
			fields = append(fields, map[string]any{"id": id, "value": value})
		}
		ticket["custom_fields"] = fields
	}
	if params.FollowupSourceID != 0 {
		ticket["via_followup_source_id"] = params.FollowupSourceID
	}

	var out wireTicketEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/v2/tickets.json", map[string]any{"ticket": ticket}, &out); err != nil {
		return nil, err
	}
	return out.Ticket.toTicket(), nil
}

// UpdateTicket applies the given update and returns the fresh ticket.
func (c *Client) UpdateTicket(ctx context.Context, id int64, update TicketUpdate) (*protocol.Ticket, error) {
	var out wireTicketEnvelope
	if err := c.do(ctx, http.MethodPut, "/api/v2/tickets/"+itoa(id)+".json", map[string]any{"ticket": update}, &out); err != nil {
		return nil, err
	}
	return out.Ticket.toTicket(), nil
}

// AddTags adds tags to a ticket without disturbing the ones already present.
func (c *Client) AddTags(ctx context.Context, id int64, tags []string) error {
	return c.do(ctx, http.MethodPut, "/api/v2/tickets/"+itoa(id)+"/tags.json", map[string][]string{"tags": tags}, nil)
}

// RemoveTags removes tags from a ticket.
func (c *Client) RemoveTags(ctx context.Context, id int64, tags []string) error {
	return c.do(ctx, http.MethodDelete, "/api/v2/tickets/"+itoa(id)+"/tags.json", map[string][]string{"tags": tags}, nil)
}

// ListComments returns all comments on a ticket, oldest first.
func (c *Client) ListComments(ctx context.Context, id int64) ([]protocol.TicketComment, error) {
	var out struct {
		Comments []wireComment `json:"comments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v2/tickets/"+itoa(id)+"/comments.json", nil, &out); err != nil {
		return nil, err
	}

	comments := make([]protocol.TicketComment, 0, len(out.Comments))
	for _, wc := range out.Comments {
		comments = append(comments, protocol.TicketComment{
			ID:       wc.ID,
			AuthorID: wc.AuthorID,
			Body:     wc.Body,
			Public:   wc.Public,
			Created:  wc.CreatedAt,
		})
	}
	return comments, nil
}

// GetUser fetches a desk user, used to attribute mirrored comments.
func (c *Client) GetUser(ctx context.Context, id int64) (*protocol.User, error) {
	var out wireUserEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/v2/users/"+itoa(id)+".json", nil, &out); err != nil {
		return nil, err
	}
	return &protocol.User{Name: out.User.Name, DisplayName: out.User.Name}, nil
}

// ListAssignableGroups returns the groups tickets can be assigned to.
func (c *Client) ListAssignableGroups(ctx context.Context) ([]protocol.Group, error) {
	var out struct {
		Groups []protocol.Group `json:"groups"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v2/groups/assignable.json", nil, &out); err != nil {
		return nil, err
	}
	return out.Groups, nil
}

// ListTicketForms returns the available ticket forms.
func (c *Client) ListTicketForms(ctx context.Context) ([]protocol.TicketForm, error) {
	var out struct {
		TicketForms []protocol.TicketForm `json:"ticket_forms"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v2/ticket_forms.json", nil, &out); err != nil {
		return nil, err
	}
	return out.TicketForms, nil
}

// ListTicketFields returns the custom ticket field definitions.
func (c *Client) ListTicketFields(ctx context.Context) ([]protocol.TicketField, error) {
	var out struct {
		TicketFields []protocol.TicketField `json:"ticket_fields"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v2/ticket_fields.json", nil, &out); err != nil {
		return nil, err
	}
	return out.TicketFields, nil
}

// do performs one API call with retry on transient failures.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("desk: marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("desk: create request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("desk: http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("desk: read response: %w", err)
			continue
		}

		// Desk search is strictly rate limited, so 429s are expected here.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("desk: api error (status %d): %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("desk: api error (status %d): %s", resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("desk: unmarshal response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

// --- wire format types ---

type wireTicketEnvelope struct {
	Ticket wireTicket `json:"ticket"`
}

type wireTicket struct {
	ID         int64     `json:"id"`
	Subject    string    `json:"subject"`
	Status     string    `json:"status"`
	Priority   string    `json:"priority"`
	Tags       []string  `json:"tags"`
	ExternalID string    `json:"external_id"`
	GroupID    int64     `json:"group_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func (wt wireTicket) toTicket() *protocol.Ticket {
	return &protocol.Ticket{
		ID:         wt.ID,
		Subject:    wt.Subject,
		Status:     protocol.TicketStatus(wt.Status),
		Priority:   wt.Priority,
		Tags:       wt.Tags,
		ExternalID: wt.ExternalID,
		GroupID:    wt.GroupID,
		CreatedAt:  wt.CreatedAt,
	}
}

type wireComment struct {
	ID        int64     `json:"id"`
	AuthorID  int64     `json:"author_id"`
	Body      string    `json:"body"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

type wireUserEnvelope struct {
	User wireUserBody `json:"user"`
}

type wireUserBody struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}
