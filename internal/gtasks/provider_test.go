package gtasks_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"rotaro/internal/domain"
	"rotaro/internal/external"
	"rotaro/internal/gtasks"
)

var alice = domain.User{Name: "alice", Email: "alice@example.com"}

func newFakeAPI(t *testing.T, mux *http.ServeMux) *gtasks.Provider {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &gtasks.Provider{
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}
}

func TestListItemsParsesMarkers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me/lists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{{"id": "L1", "title": "chores"}},
		})
	})
	mux.HandleFunc("GET /lists/L1/tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("showCompleted") != "true" || r.URL.Query().Get("showHidden") != "true" {
			t.Errorf("completed and hidden tasks must be requested, got %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{
				{"id": "t1", "title": "trash - [1d]", "notes": "[sync_id::m-1]", "status": "needsAction"},
				{"id": "t2", "title": "done one", "notes": "[sync_id::m-2]", "status": "completed", "completed": "2024-05-01T10:00:00.000Z"},
				{"id": "t3", "title": "hand-made", "status": "needsAction"},
			},
		})
	})
	p := newFakeAPI(t, mux)

	// Title match is case-insensitive.
	items, err := p.ListItems(context.Background(), alice, "Chores")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items without markers must be ignored, got %+v", items)
	}
	if items[0].SyncMarker != "m-1" || items[0].Done {
		t.Fatalf("item 0 %+v", items[0])
	}
	if !items[1].Done || items[1].DoneAt == nil {
		t.Fatalf("item 1 %+v", items[1])
	}
}

func TestListItemsWithoutListIsEmptyObservation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me/lists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})
	p := newFakeAPI(t, mux)
	items, err := p.ListItems(context.Background(), alice, "Chores")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items %+v", items)
	}
}

func TestCreateItemCreatesMissingList(t *testing.T) {
	var createdList, createdTask bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me/lists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})
	mux.HandleFunc("POST /users/@me/lists", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "Chores" {
			t.Errorf("list title %q", body["title"])
		}
		createdList = true
		json.NewEncoder(w).Encode(map[string]string{"id": "L9", "title": "Chores"})
	})
	mux.HandleFunc("POST /lists/L9/tasks", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["title"] != "trash - [3d]" || body["notes"] != "[sync_id::m-1]" || body["status"] != "needsAction" {
			t.Errorf("task body %+v", body)
		}
		createdTask = true
		json.NewEncoder(w).Encode(map[string]string{"id": "t9"})
	})
	p := newFakeAPI(t, mux)
	id, err := p.CreateItem(context.Background(), alice, "Chores", "trash - [3d]", "[sync_id::m-1]")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "t9" || !createdList || !createdTask {
		t.Fatalf("id=%s list=%v task=%v", id, createdList, createdTask)
	}
}

func TestRemoveItemToleratesNotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/@me/lists", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]string{{"id": "L1", "title": "Chores"}},
		})
	})
	mux.HandleFunc("DELETE /lists/L1/tasks/t1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	p := newFakeAPI(t, mux)
	if err := p.RemoveItem(context.Background(), alice, "Chores", "t1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
}

func TestTokenStoreMissingTokenMeansNoCredentials(t *testing.T) {
	store := gtasks.TokenStore{Dir: t.TempDir()}
	_, err := store.Load("nobody@example.com")
	if !errors.Is(err, external.ErrNoCredentials) {
		t.Fatalf("err %v", err)
	}
}

func TestProviderWithoutAuthReportsNoCredentials(t *testing.T) {
	p := &gtasks.Provider{}
	_, err := p.ListItems(context.Background(), alice, "Chores")
	if !errors.Is(err, external.ErrNoCredentials) {
		t.Fatalf("err %v", err)
	}
}
