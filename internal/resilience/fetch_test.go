package resilience

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestFetch_DirectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("direct content"))
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "direct content" {
		t.Errorf("body = %q", body)
	}
}

func TestFetch_FallsBackToArchive(t *testing.T) {
	var archiveHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/archive/") {
			archiveHits++
			w.Write([]byte("archived content"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	f.archivePrefix = srv.URL + "/archive/"

	body, err := f.Fetch(context.Background(), srv.URL+"/dead-page")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != "archived content" {
		t.Errorf("body = %q", body)
	}
	if archiveHits != 1 {
		t.Errorf("archive hits = %d, want 1", archiveHits)
	}
}

func TestFetch_BothFailCarriesBothErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	f.archivePrefix = srv.URL + "/archive/"

	_, err := f.Fetch(context.Background(), srv.URL+"/dead-page")
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "direct") || !strings.Contains(msg, "archive fallback") {
		t.Errorf("err = %v, want both failure causes", err)
	}
}

func TestFetch_CancelledSkipsFallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		cancel()
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := NewFetcher(time.Second)
	f.archivePrefix = srv.URL + "/archive/"

	_, err := f.Fetch(ctx, srv.URL+"/page")
	if err == nil {
		t.Fatal("expected error")
	}
	if hits != 1 {
		t.Errorf("hits = %d, want 1 (no fallback after cancellation)", hits)
	}
}
