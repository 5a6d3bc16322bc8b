package tokenmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"antigravity2api-go/internal/middleware"
	log "github.com/sirupsen/logrus"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// AccessToken returns a valid access token for the project, refreshing it
// when missing or within five minutes of expiry.
func (m *Manager) AccessToken(ctx context.Context, p *Project) (string, error) {
	m.mu.Lock()
	if !m.expiredLocked(p) {
		token := p.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	m.mu.Unlock()

	log.Infof("Token expired for %s, refreshing...", p.ProjectID)
	return m.refresh(ctx, p, false)
}

// HandleAuthError forces a token refresh after an upstream 401/403, even if
// the cached token has not reached its expiry window.
func (m *Manager) HandleAuthError(ctx context.Context, p *Project) (string, error) {
	log.Warnf("Auth error for %s, forcing token refresh", p.ProjectID)
	return m.refresh(ctx, p, true)
}

// refresh performs the OAuth refresh-token grant. Concurrent refreshes for
// the same project coalesce into a single upstream call; the double check
// under the pool lock catches a token another flight already renewed.
func (m *Manager) refresh(ctx context.Context, p *Project, force bool) (string, error) {
	return m.flights.do(ctx, p.ProjectID, func(ctx context.Context) (string, error) {
		m.mu.Lock()
		if !force && !m.expiredLocked(p) {
			token := p.AccessToken
			m.mu.Unlock()
			log.Infof("Token for %s already refreshed by another request", p.ProjectID)
			return token, nil
		}
		oauth := m.oauth
		refreshToken := p.RefreshToken
		m.mu.Unlock()

		log.Infof("Refreshing access_token for project: %s", p.ProjectID)
		token, expiresIn, err := m.requestToken(ctx, oauth, refreshToken)
		if err != nil {
			middleware.RecordTokenRefresh(p.ProjectID, "error")
			log.Errorf("Error refreshing token for %s: %v", p.ProjectID, err)
			return "", err
		}

		m.mu.Lock()
		p.AccessToken = token
		p.ExpiresAt = m.now().Unix() + expiresIn
		m.saveLocked()
		m.mu.Unlock()

		middleware.RecordTokenRefresh(p.ProjectID, "success")
		log.Infof("Successfully refreshed token for %s, expires in %ds", p.ProjectID, expiresIn)
		return token, nil
	})
}

func (m *Manager) requestToken(ctx context.Context, oauth OAuthConfig, refreshToken string) (string, int64, error) {
	tokenURL := oauth.TokenURL
	if tokenURL == "" {
		tokenURL = "https://oauth2.googleapis.com/token"
	}
	data := url.Values{
		"client_id":     {oauth.ClientID},
		"client_secret": {oauth.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("refresh token: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", 0, &RefreshError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token response missing access_token")
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 3599
	}
	return tr.AccessToken, tr.ExpiresIn, nil
}
