package rembg

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRemovePostsMultipartAndReturnsCutout(t *testing.T) {
	var gotPath, gotField string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		file, _, err := r.FormFile("file")
		if err == nil {
			gotField = "file"
			file.Close()
		}
		_, _ = w.Write([]byte("cutout-png"))
	}))
	defer server.Close()

	client := NewClient(server.URL, 2*time.Second, zap.NewNop())
	result, err := client.Remove(context.Background(), []byte("input-image"))
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if gotPath != "/api/remove" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotField != "file" {
		t.Fatal("expected multipart field 'file'")
	}
	if string(result.PNG) != "cutout-png" {
		t.Fatalf("unexpected result: %q", result.PNG)
	}
}

func TestRemoveTrimsTrailingSlashInBaseURL(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", 2*time.Second, zap.NewNop())
	if _, err := client.Remove(context.Background(), []byte("x")); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if gotPath != "/api/remove" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
}

func TestRemoveErrorStatusIsRemovalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL, 2*time.Second, zap.NewNop())
	_, err := client.Remove(context.Background(), []byte("input"))

	var removalErr *RemovalError
	if !errors.As(err, &removalErr) {
		t.Fatalf("expected RemovalError, got %v", err)
	}
	if removalErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", removalErr.StatusCode)
	}
}

func TestRemoveTimeoutIsRemovalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, 20*time.Millisecond, zap.NewNop())
	_, err := client.Remove(context.Background(), []byte("input"))

	var removalErr *RemovalError
	if !errors.As(err, &removalErr) {
		t.Fatalf("expected RemovalError, got %v", err)
	}
}
