package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeStatus struct{ doc any }

func (f *fakeStatus) Status() any { return f.doc }

func TestStatusEndpoint(t *testing.T) {
	src := &fakeStatus{doc: map[string]any{
		"session_id": "abc",
		"captured":   float64(42),
	}}
	srv := httptest.NewServer(Handler(src))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}

	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["session_id"] != "abc" || got["captured"] != float64(42) {
		t.Fatalf("body=%v", got)
	}
}

func TestStatusEndpointRejectsPost(t *testing.T) {
	srv := httptest.NewServer(Handler(&fakeStatus{doc: map[string]any{}}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != http.MethodGet {
		t.Fatalf("allow=%q", allow)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(Handler(&fakeStatus{doc: map[string]any{}}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var got map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got["ok"] {
		t.Fatalf("body=%v", got)
	}
}
