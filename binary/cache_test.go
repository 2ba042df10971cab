package binary

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input")
	if err := os.WriteFile(path, []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	hash, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	if hash != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("HashFile = %s, want 5eb63bbbe01eeed093cb22bb8f5acdc3", hash)
	}
}

func TestCaptureStoresImage(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewCache(8, filepath.Join(dir, "bins"))
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	image := filepath.Join(dir, "target")
	content := []byte{0x7f, 'E', 'L', 'F', 1, 2, 3}
	if err := os.WriteFile(image, content, 0755); err != nil {
		t.Fatal(err)
	}

	hash, err := cache.Capture(image)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(hash) != 32 {
		t.Fatalf("hash %q is not a hex MD5", hash)
	}
	if !cache.Has(hash) {
		t.Error("hash not remembered after capture")
	}

	stored, err := os.ReadFile(cache.ImagePath(hash))
	if err != nil {
		t.Fatalf("stored image unreadable: %v", err)
	}
	if string(stored) != string(content) {
		t.Error("stored image does not match the original")
	}

	// A second capture of the same image must be a no-op.
	again, err := cache.Capture(image)
	if err != nil {
		t.Fatalf("second Capture failed: %v", err)
	}
	if again != hash {
		t.Errorf("second capture returned %s, want %s", again, hash)
	}
}

func TestCaptureMissingImage(t *testing.T) {
	cache, err := NewCache(8, t.TempDir())
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	if _, err := cache.Capture("/no/such/image"); err == nil {
		t.Error("Capture of a missing image did not fail")
	}
	if _, err := cache.Capture(""); err == nil {
		t.Error("Capture of an empty path did not fail")
	}
}
