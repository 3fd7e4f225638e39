package scheduler

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/blime4/KiroProxy/internal/auth"
)

// affinityTTL bounds how long a session sticks to its identity. Entries past
// the TTL are dropped lazily on lookup.
const affinityTTL = 30 * time.Minute

type affinityEntry struct {
	identityID string
	touched    time.Time
}

// Scheduler ranks the identity pool and picks the identity for a request.
// Selection prefers active identities, then least-recently-used, then lowest
// request count. A session fingerprint gives a soft preference for the
// identity that served the conversation before; affinity never overrides
// availability.
type Scheduler struct {
	auths     *auth.Manager
	cooldowns *Cooldowns

	mu       sync.Mutex
	affinity map[string]affinityEntry
}

// NewScheduler wires the identity pool and cooldown table together.
func NewScheduler(auths *auth.Manager, cooldowns *Cooldowns) *Scheduler {
	return &Scheduler{
		auths:     auths,
		cooldowns: cooldowns,
		affinity:  make(map[string]affinityEntry),
	}
}

// Pick selects the identity for a request, nil when no identity is
// available. fingerprint may be empty.
func (s *Scheduler) Pick(fingerprint string) *auth.Identity {
	return s.pick("", fingerprint)
}

// PickOther selects the best identity excluding the given id, used on
// failover. The affinity preference still applies if it points elsewhere.
func (s *Scheduler) PickOther(exclude, fingerprint string) *auth.Identity {
	return s.pick(exclude, fingerprint)
}

func (s *Scheduler) pick(exclude, fingerprint string) *auth.Identity {
	candidates := make([]*auth.Identity, 0)
	for _, identity := range s.auths.List() {
		if identity.ID == exclude {
			continue
		}
		if !identity.Schedulable() {
			continue
		}
		if !s.cooldowns.Available(identity.ID) {
			continue
		}
		candidates = append(candidates, identity)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aActive := a.Status == auth.StatusActive
		bActive := b.Status == auth.StatusActive
		if aActive != bActive {
			return aActive
		}
		if !a.LastUsed.Equal(b.LastUsed) {
			return a.LastUsed.Before(b.LastUsed)
		}
		if a.RequestCount != b.RequestCount {
			return a.RequestCount < b.RequestCount
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]
	if fingerprint != "" {
		if preferred := s.affinityFor(fingerprint); preferred != "" && preferred != exclude {
			for _, c := range candidates {
				if c.ID == preferred {
					chosen = c
					break
				}
			}
		}
		s.remember(fingerprint, chosen.ID)
	}
	log.Debugf("scheduler: picked identity %s (status=%s requests=%d)", chosen.ID, chosen.Status, chosen.RequestCount)
	return chosen
}

func (s *Scheduler) affinityFor(fingerprint string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.affinity[fingerprint]
	if !ok {
		return ""
	}
	if time.Since(entry.touched) > affinityTTL {
		delete(s.affinity, fingerprint)
		return ""
	}
	return entry.identityID
}

func (s *Scheduler) remember(fingerprint, identityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinity[fingerprint] = affinityEntry{identityID: identityID, touched: time.Now()}
	// Opportunistic cleanup keeps the map from growing with dead sessions.
	if len(s.affinity) > 4096 {
		cutoff := time.Now().Add(-affinityTTL)
		for fp, entry := range s.affinity {
			if entry.touched.Before(cutoff) {
				delete(s.affinity, fp)
			}
		}
	}
}
