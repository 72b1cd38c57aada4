package gtasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"rotaro/internal/domain"
	"rotaro/internal/external"
)

const defaultBaseURL = "https://tasks.googleapis.com/tasks/v1"

// Provider talks to the Google Tasks API on behalf of individual users.
// One task list per category; list ids are cached for the process lifetime
// since Google list ids are stable.
type Provider struct {
	OAuth  *oauth2.Config
	Tokens TokenStore
	// BaseURL overrides the API endpoint, used by tests.
	BaseURL string
	// HTTPClient, when set together with a nil OAuth config, is used directly
	// without authentication. Tests use this seam.
	HTTPClient *http.Client

	mu    sync.Mutex
	lists map[string]string
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tasks api: status=%d body=%s", e.StatusCode, e.Body)
}

type taskList struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type taskItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Notes     string `json:"notes"`
	Status    string `json:"status"`
	Completed string `json:"completed"`
}

var _ external.Provider = (*Provider)(nil)

// ListItems returns every item in the user's category list, completed and
// hidden ones included; hidden is where Google parks completed tasks.
// A category with no list yet is an empty, successfully observed view.
func (p *Provider) ListItems(ctx context.Context, user domain.User, category string) ([]external.Item, error) {
	client, err := p.client(ctx, user)
	if err != nil {
		return nil, err
	}
	listID, err := p.listID(ctx, client, user.Email, category, false)
	if err != nil {
		return nil, err
	}
	if listID == "" {
		return []external.Item{}, nil
	}

	var items []external.Item
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("showCompleted", "true")
		q.Set("showHidden", "true")
		q.Set("maxResults", "100")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		var page struct {
			Items         []taskItem `json:"items"`
			NextPageToken string     `json:"nextPageToken"`
		}
		endpoint := fmt.Sprintf("lists/%s/tasks?%s", url.PathEscape(listID), q.Encode())
		if err := p.do(ctx, client, http.MethodGet, endpoint, nil, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Items {
			marker, ok := external.ParseMarker(t.Notes)
			if !ok {
				continue
			}
			item := external.Item{
				ExternalID: t.ID,
				SyncMarker: marker,
				Done:       t.Status == "completed",
			}
			if t.Completed != "" {
				if at, err := time.Parse(time.RFC3339, t.Completed); err == nil {
					item.DoneAt = &at
				}
			}
			items = append(items, item)
		}
		if page.NextPageToken == "" {
			return items, nil
		}
		pageToken = page.NextPageToken
	}
}

// CreateItem inserts a task into the category's list, creating the list if
// the user does not have one yet.
func (p *Provider) CreateItem(ctx context.Context, user domain.User, category, title, notes string) (string, error) {
	client, err := p.client(ctx, user)
	if err != nil {
		return "", err
	}
	listID, err := p.listID(ctx, client, user.Email, category, true)
	if err != nil {
		return "", err
	}
	body := map[string]string{
		"title":  title,
		"notes":  notes,
		"status": "needsAction",
	}
	var created taskItem
	endpoint := fmt.Sprintf("lists/%s/tasks", url.PathEscape(listID))
	if err := p.do(ctx, client, http.MethodPost, endpoint, body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// RemoveItem deletes a task. A 404 means someone beat us to it, which is the
// outcome we wanted anyway.
func (p *Provider) RemoveItem(ctx context.Context, user domain.User, category, externalID string) error {
	client, err := p.client(ctx, user)
	if err != nil {
		return err
	}
	listID, err := p.listID(ctx, client, user.Email, category, false)
	if err != nil {
		return err
	}
	if listID == "" {
		return nil
	}
	endpoint := fmt.Sprintf("lists/%s/tasks/%s", url.PathEscape(listID), url.PathEscape(externalID))
	err = p.do(ctx, client, http.MethodDelete, endpoint, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// client builds an authenticated HTTP client for the user, refreshing and
// re-persisting the cached token as needed.
func (p *Provider) client(ctx context.Context, user domain.User) (*http.Client, error) {
	if p.OAuth == nil {
		if p.HTTPClient != nil {
			return p.HTTPClient, nil
		}
		return nil, fmt.Errorf("client for %s: %w", user.Email, external.ErrNoCredentials)
	}
	tok, err := p.Tokens.Load(user.Email)
	if err != nil {
		return nil, err
	}
	if p.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.HTTPClient)
	}
	src := &persistingSource{
		base:  p.OAuth.TokenSource(ctx, tok),
		store: p.Tokens,
		email: user.Email,
		last:  tok.AccessToken,
	}
	return oauth2.NewClient(ctx, src), nil
}

// listID resolves the task list whose title matches the category, ignoring
// case the way users type list names. With create set, a missing list is
// inserted.
func (p *Provider) listID(ctx context.Context, client *http.Client, email, category string, create bool) (string, error) {
	key := email + "\x00" + strings.ToLower(category)
	p.mu.Lock()
	id, ok := p.lists[key]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	pageToken := ""
	for {
		endpoint := "users/@me/lists?maxResults=100"
		if pageToken != "" {
			endpoint += "&pageToken=" + url.QueryEscape(pageToken)
		}
		var page struct {
			Items         []taskList `json:"items"`
			NextPageToken string     `json:"nextPageToken"`
		}
		if err := p.do(ctx, client, http.MethodGet, endpoint, nil, &page); err != nil {
			return "", err
		}
		for _, l := range page.Items {
			if strings.EqualFold(l.Title, category) {
				p.remember(key, l.ID)
				return l.ID, nil
			}
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if !create {
		return "", nil
	}
	var created taskList
	if err := p.do(ctx, client, http.MethodPost, "users/@me/lists", map[string]string{"title": category}, &created); err != nil {
		return "", err
	}
	p.remember(key, created.ID)
	return created.ID, nil
}

func (p *Provider) remember(key, id string) {
	p.mu.Lock()
	if p.lists == nil {
		p.lists = map[string]string{}
	}
	p.lists[key] = id
	p.mu.Unlock()
}

func (p *Provider) do(ctx context.Context, client *http.Client, method, endpoint string, body, out any) error {
	base := p.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
