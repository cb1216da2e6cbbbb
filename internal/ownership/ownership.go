// Package ownership tracks which side of the bridge is currently driving each
// linked entity, and provides the per-entity execution leases that serialize
// reconciliation attempts.
package ownership

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/trackdesk-io/trackdesk/internal/state"
)

// Owner names which side most recently drove a change on an entity.
type Owner string

const (
	OwnerBridge   Owner = "bridge"
	OwnerExternal Owner = "external"
)

// Manager wraps the shared state store with ownership, lease and
// executed-once semantics. All entries are keyed per entity and never shared
// across entities.
type Manager struct {
	store state.Store
	actor string
}

// New creates a Manager with a random per-process actor id for lease values.
func New(store state.Store) *Manager {
	b := make([]byte, 8)
	rand.Read(b)
	return &Manager{store: store, actor: fmt.Sprintf("%x", b)}
}

// Owns reports whether the bridge currently drives the given entity.
// An absent ownership record means the bridge does not own the entity.
func (m *Manager) Owns(entityKey string) (bool, error) {
	v, err := m.store.Get(ownerKey(entityKey))
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return Owner(v) == OwnerBridge, nil
}

// SetOwner records which side drove the most recent change on the entity,
// overwriting any previous record.
func (m *Manager) SetOwner(entityKey string, owner Owner) error {
	return m.store.Set(ownerKey(entityKey), string(owner))
}

// AcquireLease atomically takes the per-entity execution lease. It returns
// false when another in-flight reconciliation holds a live lease.
func (m *Manager) AcquireLease(entityKey string, ttl time.Duration) (bool, error) {
	return m.store.SetIfAbsent(leaseKey(entityKey), m.actor, ttl)
}

// ReleaseLease releases the per-entity execution lease.
func (m *Manager) ReleaseLease(entityKey string) error {
	return m.store.Delete(leaseKey(entityKey))
}

// HasExecuted reports whether an only-once action already ran for the entity.
func (m *Manager) HasExecuted(entityKey, actionID string) (bool, error) {
	_, err := m.store.Get(executedKey(entityKey, actionID))
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkExecuted records that an only-once action ran for the entity. Records
// are monotonic: created on first success and never cleared.
func (m *Manager) MarkExecuted(entityKey, actionID string) error {
	_, err := m.store.SetIfAbsent(executedKey(entityKey, actionID), time.Now().Format(time.RFC3339), 0)
	return err
}

func ownerKey(entityKey string) string {
	return "owner:" + entityKey
}

func leaseKey(entityKey string) string {
	return "lease:" + entityKey
}

func executedKey(entityKey, actionID string) string {
	return "executed:" + entityKey + ":" + actionID
}
