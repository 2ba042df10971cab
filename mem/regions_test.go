package mem

import (
	"os"
	"testing"
)

func TestTableLookup(t *testing.T) {
	var table Table
	table.Protect(Region{Start: 0x2000, End: 0x3000, Path: "b"})
	table.Protect(Region{Start: 0x1000, End: 0x1800, Path: "a"})

	if table.Len() != 2 {
		t.Fatalf("expected 2 regions, got %d", table.Len())
	}

	tests := []struct {
		addr uintptr
		want bool
		path string
	}{
		{0x0fff, false, ""},
		{0x1000, true, "a"},
		{0x17ff, true, "a"},
		{0x1800, false, ""},
		{0x1fff, false, ""},
		{0x2000, true, "b"},
		{0x2fff, true, "b"},
		{0x3000, false, ""},
	}
	for _, tt := range tests {
		r, ok := table.Lookup(tt.addr)
		if ok != tt.want {
			t.Errorf("Lookup(%#x) = %v, want %v", tt.addr, ok, tt.want)
		}
		if ok && r.Path != tt.path {
			t.Errorf("Lookup(%#x) returned region %q, want %q", tt.addr, r.Path, tt.path)
		}
		if table.Contains(tt.addr) != tt.want {
			t.Errorf("Contains(%#x) = %v, want %v", tt.addr, !tt.want, tt.want)
		}
	}
}

func TestTableUnprotect(t *testing.T) {
	var table Table
	table.Protect(Region{Start: 0x1000, End: 0x2000})
	table.Protect(Region{Start: 0x3000, End: 0x4000})

	if !table.Unprotect(0x1000) {
		t.Fatal("Unprotect(0x1000) found no region")
	}
	if table.Contains(0x1800) {
		t.Error("address still protected after Unprotect")
	}
	if !table.Contains(0x3800) {
		t.Error("unrelated region dropped by Unprotect")
	}
	if table.Unprotect(0x5000) {
		t.Error("Unprotect of unknown start reported success")
	}
}

func TestSharedRegionsSelf(t *testing.T) {
	// The test process may or may not carry writable shared mappings; the
	// scan itself must still succeed.
	regions, err := SharedRegions(os.Getpid())
	if err != nil {
		t.Fatalf("SharedRegions failed: %v", err)
	}
	for _, r := range regions {
		if r.End <= r.Start {
			t.Errorf("region %#x-%#x has non-positive size", r.Start, r.End)
		}
	}
}
