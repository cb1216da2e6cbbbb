// Package tracker is the REST client for the issue-tracker side of the
// bridge. Transient failures (network errors, rate limits, 5xx) are retried
// here with backoff; callers above this layer see eventual success or a
// terminal error.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// ErrTransitionNotFound is returned when a named workflow transition is not
// available on the issue.
var ErrTransitionNotFound = errors.New("tracker: transition not found")

const (
	maxAttempts  = 3
	retryBackoff = 500 * time.Millisecond
)

// Client talks to the tracker REST API with basic auth.
type Client struct {
	client   *http.Client
	baseURL  string
	username string
	password string
	refField string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Client) { t.client = c }
}

// WithReferenceField names the custom field that carries the cross-link to
// the desk ticket. Its value is surfaced in Issue.Fields.Custom.
func WithReferenceField(field string) Option {
	return func(t *Client) { t.refField = field }
}

// NewClient creates a tracker client.
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

// CurrentUser returns the username the client authenticates as.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	var out wireUser
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/myself", nil, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

// SearchIssues returns all issues matching the configured filter query.
func (c *Client) SearchIssues(ctx context.Context, query string) ([]*protocol.Issue, error) {
	path := "/rest/api/2/search?jql=" + url.QueryEscape(query) + "&fields=*navigable,comment,attachment"
	var out wireSearchResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	issues := make([]*protocol.Issue, 0, len(out.Issues))
	for _, wi := range out.Issues {
		issue, err := wi.toIssue(c.refField)
		if err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// GetIssue fetches a single issue by key.
func (c *Client) GetIssue(ctx context.Context, key string) (*protocol.Issue, error) {
	var out wireIssue
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+key+"?fields=*navigable,comment,attachment", nil, &out); err != nil {
		return nil, err
	}
	return out.toIssue(c.refField)
}

// Transitions lists the workflow transitions currently available on an issue.
func (c *Client) Transitions(ctx context.Context, key string) ([]protocol.Transition, error) {
	var out struct {
		Transitions []protocol.Transition `json:"transitions"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+key+"/transitions", nil, &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

// TransitionIssue performs the named workflow transition, optionally setting
// a resolution. The transition id is resolved by name first because ids vary
// per workflow.
func (c *Client) TransitionIssue(ctx context.Context, key, name, resolution string) error {
	transitions, err := c.Transitions(ctx, key)
	if err != nil {
		return err
	}

	var id string
	for _, tr := range transitions {
		if tr.Name == name {
			id = tr.ID
			break
		}
	}
	if id == "" {
		return fmt.Errorf("%w: %q on issue %s", ErrTransitionNotFound, name, key)
	}

	body := map[string]any{
		"transition": map[string]string{"id": id},
	}
	if resolution != "" {
		body["fields"] = map[string]any{
			"resolution": map[string]string{"name": resolution},
		}
	}
	return c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/transitions", body, nil)
}

// AddComment adds a comment to an issue.
func (c *Client) AddComment(ctx context.Context, key, text string) error {
	return c.do(ctx, http.MethodPost, "/rest/api/2/issue/"+key+"/comment", map[string]string{"body": text}, nil)
}

// AssignIssue sets the issue assignee.
func (c *Client) AssignIssue(ctx context.Context, key, assignee string) error {
	return c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+key+"/assignee", map[string]string{"name": assignee}, nil)
}

// SetField writes a single field value on an issue.
func (c *Client) SetField(ctx context.Context, key, fieldID, value string) error {
	body := map[string]any{
		"fields": map[string]string{fieldID: value},
	}
	return c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+key, body, nil)
}

// do performs one API call with retry on transient failures.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tracker: marshal request: %w", err)
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
			return fmt.Errorf("tracker: create request: %w", err)
		}
		req.SetBasicAuth(c.username, c.password)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("tracker: http request: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("tracker: read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("tracker: api error (status %d): %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("tracker: api error (status %d): %s", resp.StatusCode, string(respBody))
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("tracker: unmarshal response: %w", err)
			}
		}
		return nil
	}
	return lastErr
}

// --- wire format types ---

type wireSearchResult struct {
	Issues []wireIssue `json:"issues"`
}

type wireIssue struct {
	Key    string          `json:"key"`
	Fields json.RawMessage `json:"fields"`
}

type wireFields struct {
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	Status      wireNamed  `json:"status"`
	Priority    wireNamed  `json:"priority"`
	Assignee    *wireUser  `json:"assignee"`
	Creator     wireUser   `json:"creator"`
	Created     time.Time  `json:"created"`
	Comment     wireThread `json:"comment"`
}

type wireNamed struct {
	Name string `json:"name"`
}

type wireUser struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type wireThread struct {
	Comments []wireComment `json:"comments"`
}

type wireComment struct {
	ID          string           `json:"id"`
	Author      wireUser         `json:"author"`
	Body        string           `json:"body"`
	Created     time.Time        `json:"created"`
	Attachments []wireAttachment `json:"attachments"`
}

type wireAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (wi wireIssue) toIssue(refField string) (*protocol.Issue, error) {
	var f wireFields
	if err := json.Unmarshal(wi.Fields, &f); err != nil {
		return nil, fmt.Errorf("tracker: decode issue %s: %w", wi.Key, err)
	}

	issue := &protocol.Issue{
		Key: wi.Key,
		Fields: protocol.IssueFields{
			Summary:     f.Summary,
			Description: f.Description,
			Status:      f.Status.Name,
			Priority:    f.Priority.Name,
			Creator:     protocol.User{Name: f.Creator.Name, DisplayName: f.Creator.DisplayName},
			Created:     f.Created,
		},
	}
	if f.Assignee != nil {
		issue.Fields.Assignee = f.Assignee.Name
	}

	for _, wc := range f.Comment.Comments {
		comment := protocol.IssueComment{
			ID:      wc.ID,
			Author:  protocol.User{Name: wc.Author.Name, DisplayName: wc.Author.DisplayName},
			Body:    wc.Body,
			Created: wc.Created,
		}
		for _, wa := range wc.Attachments {
			comment.Attachments = append(comment.Attachments, protocol.Attachment{
				FileName:   wa.Filename,
				ContentURL: wa.Content,
			})
		}
		issue.Fields.Comments = append(issue.Fields.Comments, comment)
	}

	// The reference field is the only custom field the bridge reads.
	if refField != "" {
		var custom map[string]json.RawMessage
		if err := json.Unmarshal(wi.Fields, &custom); err == nil {
			if raw, ok := custom[refField]; ok {
				var value string
				if json.Unmarshal(raw, &value) == nil && value != "" {
					issue.Fields.Custom = map[string]string{refField: value}
				}
			}
		}
	}

	return issue, nil
}
