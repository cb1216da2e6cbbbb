package protocol

// Link pairs one issue with its ticket. It is the unit of ownership and
// locking, re-derived on every pass from the ticket's external id rather than
// stored bridge-side.
type Link struct {
	Issue  *Issue  `json:"issue"`
	Ticket *Ticket `json:"ticket"`
}

// Key returns the entity identity used for ownership, lease and
// executed-once records.
func (l *Link) Key() string {
	return l.Issue.Key
}
