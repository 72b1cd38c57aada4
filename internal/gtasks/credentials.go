package gtasks

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/oauth2"
)

// Scope grants read/write access to the user's task lists.
const Scope = "https://www.googleapis.com/auth/tasks"

// LoadCredentials reads a downloaded OAuth client file (the "installed"
// application shape) into an oauth2.Config.
func LoadCredentials(path string) (*oauth2.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var file struct {
		Installed struct {
			ClientID     string   `json:"client_id"`
			ClientSecret string   `json:"client_secret"`
			AuthURI      string   `json:"auth_uri"`
			TokenURI     string   `json:"token_uri"`
			RedirectURIs []string `json:"redirect_uris"`
		} `json:"installed"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	inst := file.Installed
	if inst.ClientID == "" || inst.TokenURI == "" {
		return nil, fmt.Errorf("parse credentials: %s has no installed client", path)
	}
	cfg := &oauth2.Config{
		ClientID:     inst.ClientID,
		ClientSecret: inst.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  inst.AuthURI,
			TokenURL: inst.TokenURI,
		},
		Scopes: []string{Scope},
	}
	if len(inst.RedirectURIs) > 0 {
		cfg.RedirectURL = inst.RedirectURIs[0]
	}
	return cfg, nil
}
