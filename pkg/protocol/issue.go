package protocol

import "time"

// Issue is the bridge's view of an issue in the tracker. The tracker owns the
// record; the bridge only reads and mutates it through the tracker API.
type Issue struct {
	Key    string      `json:"key"`
	Fields IssueFields `json:"fields"`
}

// IssueFields holds the navigable fields of an issue.
type IssueFields struct {
	Summary     string         `json:"summary"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	Assignee    string         `json:"assignee,omitempty"`
	Creator     User           `json:"creator"`
	Created     time.Time      `json:"created"`
	Comments    []IssueComment `json:"comments,omitempty"`
	// Custom holds custom field values by field id, including the
	// cross-link reference field.
	Custom map[string]string `json:"custom,omitempty"`
}

// User identifies an account on either system.
type User struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

// IssueComment is a comment on a tracker issue.
type IssueComment struct {
	ID          string       `json:"id"`
	Author      User         `json:"author"`
	Body        string       `json:"body"`
	Created     time.Time    `json:"created"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a file attached to a comment or issue.
type Attachment struct {
	FileName   string `json:"file_name"`
	ContentURL string `json:"content_url"`
}

// Transition is an available workflow transition on an issue.
type Transition struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
