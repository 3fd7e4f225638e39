package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/blime4/KiroProxy/internal/config"
	"github.com/blime4/KiroProxy/internal/util"
)

// refreshTimeout bounds one refresh round trip.
const refreshTimeout = 30 * time.Second

// tokenResponse is the union of the refresh response shapes of both auth
// flows. Social/device responses carry expiresIn seconds; IdC responses use
// the same field name with a capitalised token key, normalized here.
type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	ExpiresAt    string `json:"expiresAt"`
	ProfileARN   string `json:"profileArn"`
}

// Refresher exchanges refresh tokens for fresh access tokens. Refreshes are
// serialised per identity: concurrent callers for the same id share a single
// upstream exchange and its result.
type Refresher struct {
	httpClient *http.Client
	// refreshURL is the social/device endpoint; %s is the region.
	refreshURL string
	// idcRefreshURL is the IdC OIDC endpoint; %s is the region.
	idcRefreshURL string
	group         singleflight.Group
}

// NewRefresher builds a refresher using the configured endpoints and the
// proxy-aware HTTP client.
func NewRefresher(cfg *config.Config) *Refresher {
	return &Refresher{
		httpClient:    util.NewHTTPClient(cfg, refreshTimeout),
		refreshURL:    cfg.Kiro.RefreshURL,
		idcRefreshURL: cfg.Kiro.IDCRefreshURL,
	}
}

// Refresh exchanges the identity's refresh token and returns the updated
// credentials. The identity passed in is not mutated; the caller decides how
// to apply and persist the result.
func (r *Refresher) Refresh(ctx context.Context, identity *Identity) (*Credentials, error) {
	if identity == nil || identity.Credentials == nil {
		return nil, fmt.Errorf("auth refresh: identity has no credentials")
	}
	creds := identity.Credentials.Clone()
	v, err, _ := r.group.Do(identity.ID, func() (any, error) {
		return r.exchange(ctx, creds)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credentials), nil
}

func (r *Refresher) exchange(ctx context.Context, creds *Credentials) (*Credentials, error) {
	if strings.TrimSpace(creds.RefreshToken) == "" {
		return nil, fmt.Errorf("auth refresh: no refresh token")
	}

	var endpoint string
	var payload map[string]string
	switch creds.Method() {
	case MethodIdC:
		if creds.ClientID == "" || creds.ClientSecret == "" {
			return nil, fmt.Errorf("auth refresh: idc credentials missing clientId/clientSecret")
		}
		endpoint = expandRegion(r.idcRefreshURL, creds.RegionOrDefault())
		payload = map[string]string{
			"clientId":     creds.ClientID,
			"clientSecret": creds.ClientSecret,
			"grantType":    "refresh_token",
			"refreshToken": creds.RefreshToken,
		}
	default:
		endpoint = expandRegion(r.refreshURL, creds.RegionOrDefault())
		payload = map[string]string{
			"refreshToken": creds.RefreshToken,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("auth refresh: marshal request failed: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("auth refresh: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth refresh: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("auth refresh: read response failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Debugf("token refresh failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		return nil, fmt.Errorf("auth refresh: %d %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var token tokenResponse
	if err = json.Unmarshal(respBody, &token); err != nil {
		return nil, fmt.Errorf("auth refresh: decode response failed: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("auth refresh: missing access token in response")
	}

	updated := creds.Clone()
	updated.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		updated.RefreshToken = token.RefreshToken
	}
	switch {
	case token.ExpiresAt != "":
		updated.ExpiresAt = token.ExpiresAt
	case token.ExpiresIn > 0:
		updated.ExpiresAt = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).Format(time.RFC3339)
	default:
		// The social endpoint omits expiry on occasion; assume the usual
		// one hour lifetime minus a safety margin.
		updated.ExpiresAt = time.Now().Add(55 * time.Minute).Format(time.RFC3339)
	}
	if token.ProfileARN != "" {
		updated.ProfileARN = token.ProfileARN
	}

	log.Debugf("token refresh successful, new: %s", util.HideAPIKey(token.AccessToken))
	return updated, nil
}

// SetEndpoints overrides the refresh endpoints, used by tests.
func (r *Refresher) SetEndpoints(refreshURL, idcRefreshURL string) {
	if refreshURL != "" {
		r.refreshURL = refreshURL
	}
	if idcRefreshURL != "" {
		r.idcRefreshURL = idcRefreshURL
	}
}

func expandRegion(urlPattern, region string) string {
	if strings.Contains(urlPattern, "%s") {
		return fmt.Sprintf(urlPattern, region)
	}
	return urlPattern
}
