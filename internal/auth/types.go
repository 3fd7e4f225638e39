// Package auth manages upstream identities: the credential blobs persisted
// on disk, their refresh flows, and the runtime state (counters, health)
// attached to each identity for the lifetime of the process.
package auth

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an identity.
type Status string

const (
	// StatusActive marks a healthy identity.
	StatusActive Status = "active"
	// StatusUnhealthy marks an identity whose last refresh failed. It stays
	// schedulable at lower priority; explicit admin action restores it.
	StatusUnhealthy Status = "unhealthy"
	// StatusSuspended marks an identity disabled by upstream policy (403).
	// Suspended identities are never scheduled.
	StatusSuspended Status = "suspended"
)

// Auth methods recognised in credential blobs.
const (
	MethodSocial = "social"
	MethodDevice = "device"
	MethodIdC    = "idc"
)

// expirySkew guards against clock drift between this host and the upstream.
const expirySkew = 30 * time.Second

// Credentials is the persisted JSON blob for one identity. Field names match
// the on-disk format written by the IDE login flows, so blobs can be imported
// verbatim.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	// ExpiresAt is an absolute RFC3339 timestamp.
	ExpiresAt    string `json:"expiresAt,omitempty"`
	AuthMethod   string `json:"authMethod,omitempty"`
	Region       string `json:"region,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
	ClientSecret string `json:"clientSecret,omitempty"`
	ProfileARN   string `json:"profileArn,omitempty"`
	// Name is an optional display label.
	Name string `json:"name,omitempty"`
	// Disabled persists an operator-side disable across restarts.
	Disabled bool `json:"disabled,omitempty"`
}

// Clone returns a copy of the credentials.
func (c *Credentials) Clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Method returns the normalized auth method, defaulting to social.
func (c *Credentials) Method() string {
	m := strings.ToLower(strings.TrimSpace(c.AuthMethod))
	switch m {
	case MethodIdC, MethodDevice, MethodSocial:
		return m
	default:
		return MethodSocial
	}
}

// RegionOrDefault returns the credential region, defaulting to us-east-1.
func (c *Credentials) RegionOrDefault() string {
	if r := strings.TrimSpace(c.Region); r != "" {
		return r
	}
	return "us-east-1"
}

// ExpiresAtTime parses the expiry timestamp. ok is false when the blob
// carries no parseable expiry.
func (c *Credentials) ExpiresAtTime() (time.Time, bool) {
	s := strings.TrimSpace(c.ExpiresAt)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Usable reports whether the access token can still be sent upstream.
// A missing expiry is treated as usable; the upstream will correct us.
func (c *Credentials) Usable(now time.Time) bool {
	if c == nil || strings.TrimSpace(c.AccessToken) == "" {
		return false
	}
	exp, ok := c.ExpiresAtTime()
	if !ok {
		return true
	}
	return now.Before(exp.Add(-expirySkew))
}

// ExpiringSoon reports whether the token expires within the lead window.
func (c *Credentials) ExpiringSoon(now time.Time, lead time.Duration) bool {
	if c == nil {
		return true
	}
	exp, ok := c.ExpiresAtTime()
	if !ok {
		return false
	}
	return !now.Add(lead).Before(exp)
}

// Identity is the runtime record for one credential blob. Counters and
// status live for the process; the credentials mutate on refresh.
type Identity struct {
	// ID is the blob path relative to the auth directory, stable across
	// restarts.
	ID string `json:"id"`
	// Name is a display label for logs and the management surface.
	Name string `json:"name"`
	// Path is the absolute blob path.
	Path string `json:"path"`
	// Enabled is the operator-controlled flag; disabled identities are never
	// scheduled.
	Enabled bool `json:"enabled"`
	// Status is the health state managed by the engine.
	Status Status `json:"status"`
	// StatusMessage holds a short description for the current status.
	StatusMessage string `json:"status_message,omitempty"`
	// Credentials is the in-memory copy of the blob.
	Credentials *Credentials `json:"-"`

	// RequestCount counts dispatched upstream requests.
	RequestCount int64 `json:"request_count"`
	// ErrorCount counts failed upstream requests.
	ErrorCount int64 `json:"error_count"`
	// LastUsed is when the identity last carried a request.
	LastUsed time.Time `json:"last_used"`
	// LastRefreshedAt records the last successful token refresh.
	LastRefreshedAt time.Time `json:"last_refreshed_at"`
	// CreatedAt and UpdatedAt mirror blob file times.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone copies the identity including its credentials.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Credentials = i.Credentials.Clone()
	return &cp
}

// Schedulable reports whether the identity may be considered by the
// scheduler at all. Cooldown is tracked separately and checked by the
// scheduler itself.
func (i *Identity) Schedulable() bool {
	return i != nil && i.Enabled && i.Status != StatusSuspended
}
