// Package escalation selects a tracker assignee when desk agents escalate a
// ticket to another group. Strategies are a closed set of tagged variants
// behind one interface, dispatched by a kind tag from configuration; adding a
// variant means adding a factory entry, never touching callers.
package escalation

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/trackdesk-io/trackdesk/internal/state"
	"github.com/trackdesk-io/trackdesk/pkg/protocol"
)

// Strategy picks the tracker user an escalated issue should be assigned to.
type Strategy interface {
	SelectAssignee(issue *protocol.Issue) (string, error)
}

// Config defines one escalation group: a regexp over desk group names, the
// strategy kind, and strategy-specific parameters.
type Config struct {
	Group     string   `json:"group"` // regexp matched against the group name
	Kind      string   `json:"type"`  // "simple" or "round_robin"
	Assignee  string   `json:"assignee,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

type definition struct {
	pattern  *regexp.Regexp
	strategy Strategy
}

// Selector holds the ordered strategy definitions. The first definition whose
// group pattern matches wins.
type Selector struct {
	defs []definition
}

// factories maps strategy kind tags to constructors.
var factories = map[string]func(cfg Config, store state.Store) (Strategy, error){
	"simple":      newSimple,
	"round_robin": newRoundRobin,
}

// NewSelector builds a Selector from configuration. Unknown kinds and invalid
// group patterns are fatal configuration errors.
func NewSelector(cfgs []Config, store state.Store) (*Selector, error) {
	var errs []string
	defs := make([]definition, 0, len(cfgs))

	for i, cfg := range cfgs {
		pattern, err := regexp.Compile(cfg.Group)
		if err != nil {
			errs = append(errs, fmt.Sprintf("escalation[%d].group: %v", i, err))
			continue
		}
		factory, ok := factories[cfg.Kind]
		if !ok {
			errs = append(errs, fmt.Sprintf("escalation[%d]: unknown strategy type %q", i, cfg.Kind))
			continue
		}
		strategy, err := factory(cfg, store)
		if err != nil {
			errs = append(errs, fmt.Sprintf("escalation[%d]: %v", i, err))
			continue
		}
		defs = append(defs, definition{pattern: pattern, strategy: strategy})
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("escalation: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return &Selector{defs: defs}, nil
}

// ForGroup returns the strategy for a desk group name, or false when no
// configured pattern matches.
func (s *Selector) ForGroup(groupName string) (Strategy, bool) {
	for _, def := range s.defs {
		if def.pattern.MatchString(groupName) {
			return def.strategy, true
		}
	}
	return nil, false
}

// simple always returns the statically configured assignee.
type simple struct {
	assignee string
}

func newSimple(cfg Config, _ state.Store) (Strategy, error) {
	if cfg.Assignee == "" {
		return nil, errors.New("simple strategy requires assignee")
	}
	return &simple{assignee: cfg.Assignee}, nil
}

func (s *simple) SelectAssignee(*protocol.Issue) (string, error) {
	return s.assignee, nil
}

// roundRobin rotates through a configured assignee list. The cursor lives in
// the shared state store so rotation survives restarts and spans workers.
type roundRobin struct {
	assignees []string
	store     state.Store
	key       string
}

func newRoundRobin(cfg Config, store state.Store) (Strategy, error) {
	if len(cfg.Assignees) == 0 {
		return nil, errors.New("round_robin strategy requires assignees")
	}
	return &roundRobin{
		assignees: cfg.Assignees,
		store:     store,
		key:       "escalation_cursor:" + cfg.Group,
	}, nil
}

// cursorRetries bounds the compare-and-swap loop when several workers
// escalate into the same group at once.
const cursorRetries = 5

func (r *roundRobin) SelectAssignee(*protocol.Issue) (string, error) {
	for attempt := 0; attempt < cursorRetries; attempt++ {
		current, err := r.store.Get(r.key)
		if errors.Is(err, state.ErrNotFound) {
			stored, err := r.store.SetIfAbsent(r.key, "1", 0)
			if err != nil {
				return "", err
			}
			if stored {
				return r.assignees[0], nil
			}
			continue // another worker initialized the cursor first
		}
		if err != nil {
			return "", err
		}

		cursor, err := strconv.Atoi(current)
		if err != nil {
			cursor = 0
		}
		next := strconv.Itoa((cursor + 1) % len(r.assignees))
		swapped, err := r.store.CompareAndSwap(r.key, current, next)
		if err != nil {
			return "", err
		}
		if swapped {
			return r.assignees[cursor%len(r.assignees)], nil
		}
	}
	return "", errors.New("escalation: cursor contention, giving up")
}
