package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"tgsender/internal/kv"
	logx "tgsender/pkg/logx"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c, err := New(Config{
		Dir:        t.TempDir(),
		PublicHost: "https://media.example.com",
		LockTTL:    time.Hour,
	}, kv.WrapClient(client), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, mr
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestStoreDedupsIdenticalContent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	content := []byte("same bytes either way")
	a1, err := c.Store(ctx, content, "first.png", "image/png")
	if err != nil {
		t.Fatalf("first Store: %v", err)
	}
	if !a1.IsNew {
		t.Fatal("first store of novel content should be new")
	}

	a2, err := c.Store(ctx, content, "second.png", "image/png")
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if a2.IsNew {
		t.Fatal("second store of identical content must not write again")
	}
	if a1.Filename != a2.Filename || a1.URL != a2.URL {
		t.Fatalf("dedup mismatch: %q vs %q", a1.Filename, a2.Filename)
	}
	if got := listFiles(t, c.cfg.Dir); len(got) != 1 {
		t.Fatalf("expected exactly one stored file, got %v", got)
	}
}

func TestStoreKeepsExtensionFromOriginalName(t *testing.T) {
	c, _ := newTestCache(t)

	a, err := c.Store(context.Background(), []byte("x"), "photo.JPG", "image/jpeg")
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if filepath.Ext(a.Filename) != ".jpg" {
		t.Fatalf("expected lowercased .jpg extension, got %q", a.Filename)
	}
}

func TestSweepDeletesExpiredKeepsLocked(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	stale, err := c.Store(ctx, []byte("stale"), "stale.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("Store stale: %v", err)
	}
	live, err := c.Store(ctx, []byte("live"), "live.bin", "application/octet-stream")
	if err != nil {
		t.Fatalf("Store live: %v", err)
	}

	// Both locks lapse, then the live asset is referenced again.
	mr.FastForward(2 * time.Hour)
	if err := c.Lock(ctx, live.Filename); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	removed, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed file, got %d", removed)
	}
	if _, err := os.Stat(stale.Path); !os.IsNotExist(err) {
		t.Fatalf("stale asset should be gone, stat err = %v", err)
	}
	if _, err := os.Stat(live.Path); err != nil {
		t.Fatalf("renewed asset should survive: %v", err)
	}
}

func TestSweepIdempotentWhenEmpty(t *testing.T) {
	c, _ := newTestCache(t)

	removed, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing removed, got %d", removed)
	}
}
