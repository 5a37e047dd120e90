package controlplane

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ddemuro/fsrsyncd/internal/config"
	"github.com/ddemuro/fsrsyncd/internal/registry"
	"github.com/ddemuro/fsrsyncd/internal/serverlock"
)

func newTestServer() (*Server, *State) {
	state := &State{
		Open:          registry.NewSet(),
		Immediate:     registry.NewSet(),
		Regular:       registry.NewSet(),
		Coordinator:   serverlock.New(nil),
		Destinations:  []*config.Destination{{Path: "/srv/a", Destination: "host2", DestinationPath: "/backup/a"}},
		LocalHostname: "host1",
	}
	s := New("127.0.0.1", 0, "topsecret", state, nil)
	return s, state
}

func doJSON(t *testing.T, handler http.Handler, method, path, secretHeader string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if secretHeader != "" {
		req.Header.Set("secret", secretHeader)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuthHeaderRejectsWrongSecret(t *testing.T) {
	s, _ := newTestServer()
	rec := doJSON(t, s.mux, http.MethodGet, "/regular_pending", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRegularPendingListsRegistry(t *testing.T) {
	s, state := newTestServer()
	state.Regular.Add("/srv/a/file.txt", time.Now())

	rec := doJSON(t, s.mux, http.MethodGet, "/regular_pending", "topsecret", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var records []registry.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].Path != "/srv/a/file.txt" {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestAddAndRemoveLockedFiles(t *testing.T) {
	s, state := newTestServer()
	rec := doJSON(t, s.mux, http.MethodPost, "/add_locked_files", "topsecret", map[string]any{"files": []string{"/srv/a/open.txt"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("add: expected 200, got %d", rec.Code)
	}
	if !state.Open.Has("/srv/a/open.txt") {
		t.Fatal("expected open.txt to be tracked in Open registry")
	}

	rec = doJSON(t, s.mux, http.MethodPost, "/remove_locked_files", "topsecret", map[string]any{"files": []string{"/srv/a/open.txt"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("remove: expected 200, got %d", rec.Code)
	}
	if state.Open.Has("/srv/a/open.txt") {
		t.Fatal("expected open.txt to be removed from Open registry")
	}
}

func TestGlobalLockRoundTrip(t *testing.T) {
	s, _ := newTestServer()
	rec := doJSON(t, s.mux, http.MethodPost, "/add_to_global_server_lock", "topsecret", map[string]string{"server": "host2", "by": "host1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("acquire: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.mux, http.MethodPost, "/add_to_global_server_lock", "topsecret", map[string]string{"server": "host2", "by": "host3"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflicting acquire: expected 409, got %d", rec.Code)
	}

	rec = doJSON(t, s.mux, http.MethodPost, "/check_if_server_locked", "topsecret", map[string]string{"server": "host2"})
	var out map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out["status"] {
		t.Fatal("expected host2 to be reported locked")
	}

	rec = doJSON(t, s.mux, http.MethodPost, "/remove_from_global_server_lock", "topsecret", map[string]string{"server": "host2", "by": "host1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("release: expected 200, got %d", rec.Code)
	}
}

func TestDeletePendingForPathClearsAllRegistries(t *testing.T) {
	s, state := newTestServer()
	now := time.Now()
	state.Immediate.Add("/srv/a/x", now)
	state.Regular.Add("/srv/a/y", now)
	state.Open.Add("/srv/a/z", now)

	rec := doJSON(t, s.mux, http.MethodPost, "/delete_file_pending_for_path", "topsecret", map[string]string{"path": "/srv/a"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if state.Immediate.Len() != 0 || state.Regular.Len() != 0 || state.Open.Len() != 0 {
		t.Fatal("expected all three registries to be cleared for the prefix")
	}
}

func TestDashboardUsesQuerySecret(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/dashboard?secret=topsecret", nil)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without secret, got %d", rec.Code)
	}
}
