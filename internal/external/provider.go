// Package external defines the contract with the user-facing task system.
// The provider is authoritative only for item presence and done-ness; it never
// decides deadlines or assignment.
package external

import (
	"context"
	"errors"
	"time"

	"rotaro/internal/domain"
)

// ErrNoCredentials marks a user the provider cannot act for. Reconciliation
// treats that user's external view as unknown rather than absent.
var ErrNoCredentials = errors.New("no usable credentials")

// Item is one externally visible task item carrying a sync marker.
type Item struct {
	ExternalID string
	SyncMarker string
	Done       bool
	DoneAt     *time.Time
}

type Provider interface {
	ListItems(ctx context.Context, user domain.User, category string) ([]Item, error)
	CreateItem(ctx context.Context, user domain.User, category, title, notes string) (string, error)
	RemoveItem(ctx context.Context, user domain.User, category, externalID string) error
}

// View is what reconciliation sees for one instance's sync marker.
// Known=false means the external state could not be observed this cycle
// (missing credentials, provider failure); completion-by-absence must not
// fire on an unknown view.
type View struct {
	Known      bool
	Present    bool
	Done       bool
	DoneAt     *time.Time
	ExternalID string
}

type viewKey struct {
	user     string
	category string
}

// Snapshot is the per-cycle collection of observed external state. Categories
// never added remain unknown.
type Snapshot struct {
	views map[viewKey]map[string]Item
}

func NewSnapshot() *Snapshot {
	return &Snapshot{views: map[viewKey]map[string]Item{}}
}

// AddCategory records the observed items for one user+category.
func (s *Snapshot) AddCategory(user, category string, items []Item) {
	byMarker := make(map[string]Item, len(items))
	for _, it := range items {
		if it.SyncMarker != "" {
			byMarker[it.SyncMarker] = it
		}
	}
	s.views[viewKey{user, category}] = byMarker
}

// Observed reports whether a user+category was successfully listed this cycle.
func (s *Snapshot) Observed(user, category string) bool {
	if s == nil {
		return false
	}
	_, ok := s.views[viewKey{user, category}]
	return ok
}

// View resolves the external view for one sync marker.
func (s *Snapshot) View(user, category, marker string) View {
	if s == nil {
		return View{}
	}
	items, ok := s.views[viewKey{user, category}]
	if !ok {
		return View{}
	}
	it, present := items[marker]
	if !present {
		return View{Known: true}
	}
	return View{
		Known:      true,
		Present:    true,
		Done:       it.Done,
		DoneAt:     it.DoneAt,
		ExternalID: it.ExternalID,
	}
}
