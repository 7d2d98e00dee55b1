package assets

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func mediaServer(t *testing.T, bodies map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := bodies[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStoreAndExists(t *testing.T) {
	srv := mediaServer(t, map[string]string{"/a": "hello"})
	cache, err := NewDiskCache(t.TempDir(), 1<<20, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := cache.Exists("media/a.jpg"); ok {
		t.Fatal("key should not exist before store")
	}

	path, err := cache.Store(context.Background(), srv.URL+"/a", "media/a.jpg")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello" {
		t.Fatalf("unexpected content %q", data)
	}

	got, ok := cache.Exists("media/a.jpg")
	if !ok || got != path {
		t.Fatalf("Exists = %q, %v", got, ok)
	}
}

func TestStoreExistingSkipsDownload(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, "once")
	}))
	defer srv.Close()

	cache, err := NewDiskCache(t.TempDir(), 1<<20, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := cache.Store(context.Background(), srv.URL, "media/x"); err != nil {
			t.Fatalf("Store #%d: %v", i, err)
		}
	}
	if hits != 1 {
		t.Fatalf("expected one download, got %d", hits)
	}
}

func TestStoreTooLarge(t *testing.T) {
	srv := mediaServer(t, map[string]string{"/big": strings.Repeat("x", 100)})
	dir := t.TempDir()
	cache, err := NewDiskCache(dir, 50, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	_, err = cache.Store(context.Background(), srv.URL+"/big", "media/big")
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("oversize download left %d files behind", len(entries))
	}
}

func TestEvictionOldestFirst(t *testing.T) {
	bodies := map[string]string{
		"/a": strings.Repeat("a", 40),
		"/b": strings.Repeat("b", 40),
		"/c": strings.Repeat("c", 40),
	}
	srv := mediaServer(t, bodies)
	dir := t.TempDir()
	// Capacity fits two 40-byte files; storing the third evicts the
	// least recently stored one.
	cache, err := NewDiskCache(dir, 90, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	for i, key := range []string{"a", "b", "c"} {
		if _, err := cache.Store(context.Background(), srv.URL+"/"+key, "m/"+key); err != nil {
			t.Fatalf("Store %s: %v", key, err)
		}
		// Keep mtimes strictly ordered even on coarse filesystems.
		stored := filepath.Join(dir, "m_"+key)
		mt := time.Now().Add(time.Duration(i-3) * time.Second)
		if err := os.Chtimes(stored, mt, mt); err != nil && !os.IsNotExist(err) {
			t.Fatal(err)
		}
	}

	if _, ok := cache.Exists("m/a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := cache.Exists("m/b"); !ok {
		t.Fatal("entry b should survive")
	}
	if _, ok := cache.Exists("m/c"); !ok {
		t.Fatal("entry c should survive")
	}
}

func TestRemove(t *testing.T) {
	srv := mediaServer(t, map[string]string{"/a": "abc"})
	cache, err := NewDiskCache(t.TempDir(), 1<<20, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Store(context.Background(), srv.URL+"/a", "m/a"); err != nil {
		t.Fatal(err)
	}
	cache.Remove("m/a")
	if _, ok := cache.Exists("m/a"); ok {
		t.Fatal("entry should be gone after Remove")
	}
}
