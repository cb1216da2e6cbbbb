package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/desk"
	"github.com/trackdesk-io/trackdesk/internal/ownership"
	"github.com/trackdesk-io/trackdesk/internal/render"
	"github.com/trackdesk-io/trackdesk/internal/rules"
	"github.com/trackdesk-io/trackdesk/internal/state"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemStore() *memStore { return &memStore{m: make(map[string]string)} }

func (s *memStore) SetIfAbsent(key, value string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false, nil
	}
	s.m[key] = value
	return true, nil
}

func (s *memStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *memStore) CompareAndSwap(key, old, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; !ok || v != old {
		return false, nil
	}
	s.m[key] = next
	return true, nil
}

func (s *memStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", state.ErrNotFound
	}
	return v, nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

type fakeTracker struct {
	transitions []string
	comments    []string
	failOn      string // transition name that fails
}

func (f *fakeTracker) TransitionIssue(_ context.Context, key, name, resolution string) error {
	if name == f.failOn {
		return errors.New("tracker: transition rejected")
	}
	f.transitions = append(f.transitions, name)
	return nil
}

func (f *fakeTracker) AddComment(_ context.Context, key, text string) error {
	f.comments = append(f.comments, text)
	return nil
}

type fakeDesk struct {
	updates     []desk.TicketUpdate
	added       [][]string
	removed     [][]string
	failUpdates bool
	failTags    bool
	ticket      protocol.Ticket
}

func (f *fakeDesk) UpdateTicket(_ context.Context, id int64, update desk.TicketUpdate) (*protocol.Ticket, error) {
	if f.failUpdates {
		return nil, errors.New("desk: update rejected")
	}
	f.updates = append(f.updates, update)
	t := f.ticket
	if update.Status != "" {
		t.Status = update.Status
	}
	f.ticket = t
	return &t, nil
}

func (f *fakeDesk) AddTags(_ context.Context, id int64, tags []string) error {
	if f.failTags {
		return errors.New("desk: tags rejected")
	}
	f.added = append(f.added, tags)
	return nil
}

func (f *fakeDesk) RemoveTags(_ context.Context, id int64, tags []string) error {
	if f.failTags {
		return errors.New("desk: tags rejected")
	}
	f.removed = append(f.removed, tags)
	return nil
}

func testLink() *protocol.Link {
	return &protocol.Link{
		Issue:  &protocol.Issue{Key: "PROJ-1", Fields: protocol.IssueFields{Status: "Resolved"}},
		Ticket: &protocol.Ticket{ID: 42, Status: protocol.TicketOpen, Tags: []string{"existing"}},
	}
}

func newTestExecutor(tr *fakeTracker, dk *fakeDesk) (*Executor, *ownership.Manager) {
	owners := ownership.New(newMemStore())
	return New(tr, dk, owners, nil), owners
}

func TestExecute_OnlyOnceRunsOnce(t *testing.T) {
	tr := &fakeTracker{}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	actions := []rules.Action{
		{Kind: rules.ActionUpdateTicket, Description: "solve", OnlyOnce: true, Status: protocol.TicketSolved},
	}

	link := testLink()
	report := exec.Execute(context.Background(), link, actions, render.Context{})
	if report.Failed || report.PartiallyFailed() {
		t.Fatalf("unexpected failure: %+v", report)
	}
	if len(dk.updates) != 1 {
		t.Fatalf("expected one update, got %d", len(dk.updates))
	}

	// Second execution skips, even on a fresh link value.
	report = exec.Execute(context.Background(), testLink(), actions, render.Context{})
	if len(dk.updates) != 1 {
		t.Errorf("expected only_once action to not run again, got %d updates", len(dk.updates))
	}
	if len(report.Results) != 1 || !report.Results[0].Skipped {
		t.Errorf("expected skipped result, got %+v", report.Results)
	}
}

func TestExecute_RequiredFailureAborts(t *testing.T) {
	tr := &fakeTracker{failOn: "Resolve"}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	actions := []rules.Action{
		{Kind: rules.ActionTransitionIssue, Description: "resolve issue", Transition: "Resolve"},
		{Kind: rules.ActionUpdateTicket, Description: "solve ticket", Status: protocol.TicketSolved},
	}

	report := exec.Execute(context.Background(), testLink(), actions, render.Context{})
	if !report.Failed {
		t.Fatal("expected report.Failed")
	}
	if len(dk.updates) != 0 {
		t.Error("expected later actions to be aborted")
	}
	if len(report.Results) != 1 || report.Results[0].Error == "" {
		t.Errorf("expected single failed result, got %+v", report.Results)
	}
}

func TestExecute_AllowedToFailContinues(t *testing.T) {
	tr := &fakeTracker{failOn: "Resolve"}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	actions := []rules.Action{
		{Kind: rules.ActionTransitionIssue, Description: "resolve issue", Transition: "Resolve", AllowedToFail: true},
		{Kind: rules.ActionAddTicketTags, Description: "tag it", Tags: []string{"customer_solved"}},
	}

	report := exec.Execute(context.Background(), testLink(), actions, render.Context{})
	if report.Failed {
		t.Fatal("best-effort failure must not abort the rule")
	}
	if !report.PartiallyFailed() {
		t.Error("expected partial failure to be recorded")
	}
	if len(dk.added) != 1 {
		t.Errorf("expected following action to run, got %d tag calls", len(dk.added))
	}
}

func TestExecute_PartialFailureKeepsEarlierEffects(t *testing.T) {
	tr := &fakeTracker{}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	actions := []rules.Action{
		{Kind: rules.ActionAddTicketTags, Description: "tag", Tags: []string{"escalated"}},
		{Kind: rules.ActionTransitionIssue, Description: "break", Transition: "Nope"},
	}
	tr.failOn = "Nope"

	link := testLink()
	report := exec.Execute(context.Background(), link, actions, render.Context{})
	if !report.Failed {
		t.Fatal("expected failure")
	}
	// The tag added before the failure stays; no rollback.
	if !link.Ticket.HasTag("escalated") {
		t.Error("expected earlier action's effect to persist")
	}
}

func TestExecute_CommentTemplate(t *testing.T) {
	tr := &fakeTracker{}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	actions := []rules.Action{
		{
			Kind:        rules.ActionUpdateTicket,
			Description: "notify",
			Comment:     "Issue {{issue.key}} was resolved.",
			Public:      true,
		},
	}
	ctx := render.Context{"issue": render.Context{"key": "PROJ-1"}}

	report := exec.Execute(context.Background(), testLink(), actions, ctx)
	if report.Failed || report.PartiallyFailed() {
		t.Fatalf("unexpected failure: %+v", report)
	}
	if len(dk.updates) != 1 || dk.updates[0].Comment == nil {
		t.Fatal("expected an update with a comment")
	}
	if dk.updates[0].Comment.Body != "Issue PROJ-1 was resolved." {
		t.Errorf("unexpected comment body %q", dk.updates[0].Comment.Body)
	}
	if !dk.updates[0].Comment.Public {
		t.Error("expected public comment")
	}
}

func TestExecute_RenderFailureIsActionFailure(t *testing.T) {
	tr := &fakeTracker{}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	actions := []rules.Action{
		{Kind: rules.ActionUpdateTicket, Description: "bad template", Comment: "{{nope}}"},
	}

	report := exec.Execute(context.Background(), testLink(), actions, render.Context{})
	if !report.Failed {
		t.Error("expected render failure to fail the action")
	}
	if len(dk.updates) != 0 {
		t.Error("expected no desk call on render failure")
	}
}

func TestExecute_TagActionsAreIncremental(t *testing.T) {
	tr := &fakeTracker{}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	link := testLink() // carries tag "existing"
	actions := []rules.Action{
		{Kind: rules.ActionAddTicketTags, Description: "add", Tags: []string{"existing", "fresh"}},
		{Kind: rules.ActionRemoveTicketTags, Description: "remove", Tags: []string{"fresh", "never-there"}},
	}

	report := exec.Execute(context.Background(), link, actions, render.Context{})
	if report.Failed || report.PartiallyFailed() {
		t.Fatalf("unexpected failure: %+v", report)
	}
	if len(dk.added) != 1 || len(dk.added[0]) != 1 || dk.added[0][0] != "fresh" {
		t.Errorf("expected only absent tags to be added, got %v", dk.added)
	}
	if len(dk.removed) != 1 || len(dk.removed[0]) != 1 || dk.removed[0][0] != "fresh" {
		t.Errorf("expected only present tags to be removed, got %v", dk.removed)
	}
	if link.Ticket.HasTag("fresh") {
		t.Error("expected link tags to reflect the removal")
	}
}

func TestExecute_TransitionWithComment(t *testing.T) {
	tr := &fakeTracker{}
	dk := &fakeDesk{}
	exec, _ := newTestExecutor(tr, dk)

	actions := []rules.Action{
		{
			Kind:        rules.ActionTransitionIssue,
			Description: "resolve with note",
			Transition:  "Resolve",
			Resolution:  "Fixed",
			Comment:     "Closing the loop.",
		},
	}

	report := exec.Execute(context.Background(), testLink(), actions, render.Context{})
	if report.Failed {
		t.Fatalf("unexpected failure: %+v", report)
	}
	if len(tr.transitions) != 1 || tr.transitions[0] != "Resolve" {
		t.Errorf("expected one Resolve transition, got %v", tr.transitions)
	}
	if len(tr.comments) != 1 || tr.comments[0] != "Closing the loop." {
		t.Errorf("expected transition comment, got %v", tr.comments)
	}
}
