package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// RefreshLead is how long before expiry the engine pre-refreshes a token.
const RefreshLead = 5 * time.Minute

// Manager owns the identity pool. It loads blobs from the file store, keeps
// per-identity runtime state across reloads, and coordinates refreshes.
type Manager struct {
	mu         sync.RWMutex
	store      *FileStore
	refresher  *Refresher
	identities map[string]*Identity
}

// NewManager creates an empty manager; call Load to populate it.
func NewManager(store *FileStore, refresher *Refresher) *Manager {
	return &Manager{
		store:      store,
		refresher:  refresher,
		identities: make(map[string]*Identity),
	}
}

// Load scans the credential directory and reconciles the pool with it.
// Runtime state (status, counters, last-used) of identities that are still
// on disk is preserved; identities whose blob disappeared are dropped.
// Returns the pool size after the reload.
func (m *Manager) Load(ctx context.Context) (int, error) {
	fresh, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Identity, len(fresh))
	for _, identity := range fresh {
		if existing, ok := m.identities[identity.ID]; ok {
			existing.Credentials = identity.Credentials
			existing.Path = identity.Path
			existing.Name = identity.Name
			existing.Enabled = identity.Enabled
			existing.UpdatedAt = identity.UpdatedAt
			next[identity.ID] = existing
			continue
		}
		next[identity.ID] = identity
	}
	for id := range m.identities {
		if _, ok := next[id]; !ok {
			log.Debugf("identity %s removed from disk, dropping from pool", id)
		}
	}
	m.identities = next
	return len(next), nil
}

// List returns clones of all identities sorted by id.
func (m *Manager) List() []*Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Identity, 0, len(m.identities))
	for _, identity := range m.identities {
		out = append(out, identity.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns a clone of the identity, or nil when unknown.
func (m *Manager) Get(id string) *Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identities[id].Clone()
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.identities)
}

// MarkUsed records a dispatched request on the identity.
func (m *Manager) MarkUsed(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		identity.LastUsed = time.Now()
		identity.RequestCount++
	}
}

// RecordFailure increments the identity's error counter.
func (m *Manager) RecordFailure(id, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		identity.ErrorCount++
		if message != "" {
			identity.StatusMessage = message
		}
	}
}

// SetStatus updates the identity's health state.
func (m *Manager) SetStatus(id string, status Status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity, ok := m.identities[id]; ok {
		identity.Status = status
		identity.StatusMessage = message
	}
}

// Suspend disables the identity for the rest of the process lifetime and
// persists the disable so it survives a restart.
func (m *Manager) Suspend(ctx context.Context, id, reason string) {
	m.mu.Lock()
	identity, ok := m.identities[id]
	if ok {
		identity.Enabled = false
		identity.Status = StatusSuspended
		identity.StatusMessage = reason
	}
	m.mu.Unlock()
	if ok {
		m.persist(ctx, id)
		log.Warnf("identity %s suspended: %s", id, reason)
	}
}

// Restore re-enables a suspended or unhealthy identity.
func (m *Manager) Restore(ctx context.Context, id string) error {
	m.mu.Lock()
	identity, ok := m.identities[id]
	if ok {
		identity.Enabled = true
		identity.Status = StatusActive
		identity.StatusMessage = ""
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("auth manager: unknown identity %s", id)
	}
	m.persist(ctx, id)
	return nil
}

// SetEnabled flips the operator-controlled flag and persists it.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	identity, ok := m.identities[id]
	if ok {
		identity.Enabled = enabled
		if enabled && identity.Status == StatusSuspended {
			identity.Status = StatusActive
			identity.StatusMessage = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("auth manager: unknown identity %s", id)
	}
	m.persist(ctx, id)
	return nil
}

// Refresh exchanges the identity's refresh token, applies and persists the
// result. On failure the identity is marked unhealthy and the error
// returned.
func (m *Manager) Refresh(ctx context.Context, id string) (*Identity, error) {
	identity := m.Get(id)
	if identity == nil {
		return nil, fmt.Errorf("auth manager: unknown identity %s", id)
	}

	updated, err := m.refresher.Refresh(ctx, identity)
	if err != nil {
		m.mu.Lock()
		if cur, ok := m.identities[id]; ok {
			cur.Status = StatusUnhealthy
			cur.StatusMessage = fmt.Sprintf("refresh failed: %v", err)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	cur, ok := m.identities[id]
	if ok {
		cur.Credentials = updated
		cur.LastRefreshedAt = time.Now()
		cur.UpdatedAt = time.Now()
		if cur.Status == StatusUnhealthy {
			cur.Status = StatusActive
			cur.StatusMessage = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("auth manager: identity %s vanished during refresh", id)
	}
	m.persist(ctx, id)
	return m.Get(id), nil
}

// EnsureFresh pre-refreshes the identity when its token expires within the
// lead window. A failed refresh is tolerated while the old token remains
// usable; the request proceeds and the failure only logs.
func (m *Manager) EnsureFresh(ctx context.Context, id string, lead time.Duration) (*Identity, error) {
	identity := m.Get(id)
	if identity == nil {
		return nil, fmt.Errorf("auth manager: unknown identity %s", id)
	}
	creds := identity.Credentials
	if creds == nil {
		return nil, fmt.Errorf("auth manager: identity %s has no credentials", id)
	}
	now := time.Now()
	if !creds.ExpiringSoon(now, lead) {
		return identity, nil
	}

	refreshed, err := m.Refresh(ctx, id)
	if err == nil {
		return refreshed, nil
	}
	if creds.Usable(now) {
		log.Warnf("identity %s: pre-refresh failed, continuing with current token: %v", id, err)
		return identity, nil
	}
	return nil, err
}

// Add persists a new credential blob and registers the identity. fileName is
// relative to the auth directory and must end in .json.
func (m *Manager) Add(ctx context.Context, fileName string, creds *Credentials) (*Identity, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, fmt.Errorf("auth manager: file name is empty")
	}
	if !strings.HasSuffix(strings.ToLower(fileName), ".json") {
		fileName += ".json"
	}
	if creds == nil || strings.TrimSpace(creds.AccessToken) == "" && strings.TrimSpace(creds.RefreshToken) == "" {
		return nil, fmt.Errorf("auth manager: credentials carry no tokens")
	}

	name := creds.Name
	if name == "" {
		name = strings.TrimSuffix(fileName, ".json")
	}
	identity := &Identity{
		ID:          fileName,
		Name:        name,
		Enabled:     !creds.Disabled,
		Status:      StatusActive,
		Credentials: creds.Clone(),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if _, err := m.store.Save(ctx, identity); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.identities[identity.ID] = identity
	m.mu.Unlock()
	return identity.Clone(), nil
}

// Remove deletes the identity and its blob.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.identities[id]
	delete(m.identities, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("auth manager: unknown identity %s", id)
	}
	return m.store.Delete(ctx, id)
}

func (m *Manager) persist(ctx context.Context, id string) {
	m.mu.RLock()
	identity, ok := m.identities[id]
	var snapshot *Identity
	if ok {
		snapshot = identity.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return
	}
	if _, err := m.store.Save(ctx, snapshot); err != nil {
		log.Errorf("failed to persist identity %s: %v", id, err)
		return
	}
	m.mu.Lock()
	if cur, exists := m.identities[id]; exists && cur.Path == "" {
		cur.Path = snapshot.Path
	}
	m.mu.Unlock()
}
