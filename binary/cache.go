// Package binary captures the executable images recorded sessions launch.
// A trace is only replayable against the exact image it was recorded from,
// so each session stores a content-addressed copy of its binary.
package binary

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
)

// Cache deduplicates image captures. Recently seen hashes are remembered
// so repeated recordings of the same binary skip the hash-and-copy work
// beyond the initial hash.
type Cache struct {
	cache   *lru.Cache
	binsDir string
}

// NewCache creates a size-constrained image cache backed by binsDir.
func NewCache(size int, binsDir string) (*Cache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(binsDir, 0755); err != nil {
		return nil, err
	}

	return &Cache{
		cache:   cache,
		binsDir: binsDir,
	}, nil
}

// HashFile returns the hex MD5 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %v", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Capture hashes the image at path and stores a copy under the hash
// unless an identical image is already present. It returns the hash.
func (c *Cache) Capture(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no image path to capture")
	}
	hash, err := HashFile(path)
	if err != nil {
		return "", err
	}
	if c.Has(hash) {
		return hash, nil
	}
	if _, err := os.Stat(c.ImagePath(hash)); err != nil {
		if err := c.store(path, hash); err != nil {
			return "", err
		}
	}
	c.cache.Add(hash, true)
	return hash, nil
}

// Has reports whether an image with this hash was captured recently.
func (c *Cache) Has(hash string) bool {
	_, found := c.cache.Get(hash)
	return found
}

// ImagePath returns where the image with the given hash is stored.
func (c *Cache) ImagePath(hash string) string {
	return filepath.Join(c.binsDir, hash[:2], hash+".bin")
}

// store copies the image into the content-addressed layout. Stored copies
// are read-only.
func (c *Cache) store(sourcePath, hash string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %v", sourcePath, err)
	}
	defer src.Close()

	dirPath := filepath.Join(c.binsDir, hash[:2])
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %v", dirPath, err)
	}

	dst, err := os.OpenFile(filepath.Join(dirPath, hash+".bin"),
		os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0444)
	if err != nil {
		return fmt.Errorf("failed to create image copy: %v", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy image: %v", err)
	}
	return nil
}
