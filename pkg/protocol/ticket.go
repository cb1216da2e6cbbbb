package protocol

import "time"

// TicketStatus represents the lifecycle state of a desk ticket.
type TicketStatus string

const (
	TicketNew     TicketStatus = "new"
	TicketOpen    TicketStatus = "open"
	TicketPending TicketStatus = "pending"
	TicketHold    TicketStatus = "hold"
	TicketSolved  TicketStatus = "solved"
	TicketClosed  TicketStatus = "closed"
)

// Ticket is the bridge's view of a ticket in the support desk. The desk owns
// the record; the linked issue key is stored in the ticket's external id.
type Ticket struct {
	ID         int64        `json:"id"`
	Subject    string       `json:"subject"`
	Status     TicketStatus `json:"status"`
	Priority   string       `json:"priority,omitempty"`
	Tags       []string     `json:"tags"`
	ExternalID string       `json:"external_id,omitempty"`
	GroupID    int64        `json:"group_id,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// HasTag reports whether the ticket carries the given tag.
func (t *Ticket) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// TicketComment is a comment on a desk ticket.
type TicketComment struct {
	ID       int64     `json:"id"`
	AuthorID int64     `json:"author_id"`
	Author   User      `json:"author"`
	Body     string    `json:"body"`
	Public   bool      `json:"public"`
	Created  time.Time `json:"created_at"`
}

// Group is an assignable agent group on the desk side.
type Group struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TicketForm is a ticket form on the desk side.
type TicketForm struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// TicketField is a custom ticket field definition on the desk side.
type TicketField struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}
