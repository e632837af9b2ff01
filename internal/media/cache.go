// Package media implements the content-addressed media cache.
//
// Files are stored under sha256(content) + original extension, so identical
// bytes always map to one stored copy. Liveness is reference-counting by
// lock expiry: every reference renews a TTL'd lock key in shared state and
// a periodic sweep deletes files whose lock has lapsed. A swept file that
// is referenced again is simply re-created under the same name.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tgsender/internal/kv"
	logx "tgsender/pkg/logx"
)

// Asset is the public reference returned to uploaders and used by the
// dispatch processor.
type Asset struct {
	URL          string `json:"url"`
	Filename     string `json:"filename"`
	Path         string `json:"path"`
	OriginalName string `json:"originalName"`
	MimeType     string `json:"mimeType"`
	Size         int    `json:"size"`
	IsNew        bool   `json:"-"`
}

type Config struct {
	Dir        string
	PublicHost string
	LockTTL    time.Duration
}

type Cache struct {
	cfg   Config
	store kv.Store
	log   logx.Logger
}

func New(cfg Config, store kv.Store, log logx.Logger) (*Cache, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		cfg.Dir = "./media"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("media dir %s: %w", cfg.Dir, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{cfg: cfg, store: store, log: log}, nil
}

func lockKey(filename string) string { return "media_lock:" + filename }

// Store writes content if it is novel and returns a stable reference.
// Hashing never fails; a filesystem write failure is fatal for the request.
// The lock is renewed on every call, new content or not.
func (c *Cache) Store(ctx context.Context, content []byte, originalName, mimeType string) (Asset, error) {
	sum := sha256.Sum256(content)
	filename := hex.EncodeToString(sum[:]) + strings.ToLower(filepath.Ext(originalName))
	path := filepath.Join(c.cfg.Dir, filename)

	a := Asset{
		URL:          strings.TrimRight(c.cfg.PublicHost, "/") + "/" + filename,
		Filename:     filename,
		Path:         path,
		OriginalName: originalName,
		MimeType:     mimeType,
		Size:         len(content),
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return Asset{}, fmt.Errorf("stat %s: %w", path, err)
		}
		if err := os.WriteFile(path, content, 0o644); err != nil {
			return Asset{}, fmt.Errorf("write %s: %w", path, err)
		}
		a.IsNew = true
	}

	if err := c.Lock(ctx, filename); err != nil {
		// The file itself is fine; a lost lock only risks an early sweep.
		c.log.Warn("media lock failed", logx.String("file", filename), logx.Err(err))
	}
	return a, nil
}

// Lock marks the asset as in-use, renewing its TTL.
func (c *Cache) Lock(ctx context.Context, filename string) error {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return c.store.SetEx(ctx, lockKey(filename), ts, c.cfg.LockTTL)
}

// Sweep deletes every stored file whose lock key has expired.
// Returns the number of removed files.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(c.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("read media dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		_, ok, err := c.store.Get(ctx, lockKey(e.Name()))
		if err != nil {
			return removed, err
		}
		if ok {
			continue
		}
		if err := os.Remove(filepath.Join(c.cfg.Dir, e.Name())); err != nil {
			c.log.Warn("sweep remove failed", logx.String("file", e.Name()), logx.Err(err))
			continue
		}
		removed++
		c.log.Info("deleted unused media file", logx.String("file", e.Name()))
	}
	return removed, nil
}
