// Package tokenmgr owns the project token pool: persistence, round-robin
// selection, OAuth refresh and permanent disablement.
package tokenmgr

import (
	"errors"
	"fmt"
)

// Project is one upstream project with its OAuth tokens. Fields other than
// ProjectID and SessionID are guarded by the owning Manager.
type Project struct {
	ProjectID      string `json:"project_id"`
	RefreshToken   string `json:"refresh_token"`
	AccessToken    string `json:"access_token"`
	ExpiresAt      int64  `json:"expires_at"`
	Enabled        bool   `json:"enabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`

	// SessionID scopes the signature and tool-name caches. Minted at pool
	// load, never persisted.
	SessionID string `json:"-"`
}

// OAuthConfig is the client credential set used for token refreshes.
type OAuthConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURL     string `json:"token_url"`
}

var (
	// ErrNoProjects means the pool is empty.
	ErrNoProjects = errors.New("no projects configured")
	// ErrAllDisabled means every project has been permanently disabled.
	ErrAllDisabled = errors.New("all projects are disabled")
)

// RefreshError reports a non-200 response from the OAuth token endpoint.
type RefreshError struct {
	Status int
	Body   string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.Status, e.Body)
}
