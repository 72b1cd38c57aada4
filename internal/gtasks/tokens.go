// Package gtasks implements the external provider against the Google Tasks
// REST API. Each user authenticates with their own OAuth token, cached on
// disk under the configured tokens directory.
package gtasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"

	"rotaro/internal/external"
)

// TokenStore persists one OAuth token per user, keyed by email. A missing or
// unreadable token file means the user has never authorized, which surfaces
// as external.ErrNoCredentials.
type TokenStore struct {
	Dir string
}

func (s TokenStore) path(email string) string {
	return filepath.Join(s.Dir, email+".json")
}

func (s TokenStore) Load(email string) (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path(email))
	if err != nil {
		return nil, fmt.Errorf("token for %s: %w", email, external.ErrNoCredentials)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("token for %s: %w", email, external.ErrNoCredentials)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("token for %s: %w", email, external.ErrNoCredentials)
	}
	return &tok, nil
}

func (s TokenStore) Save(email string, tok *oauth2.Token) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(email), data, 0o600)
}

// persistingSource wraps a refreshing token source and writes any rotated
// token back to disk so the refresh survives restarts.
type persistingSource struct {
	base  oauth2.TokenSource
	store TokenStore
	email string
	last  string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.Save(p.email, tok); err != nil {
			return nil, err
		}
	}
	return tok, nil
}
