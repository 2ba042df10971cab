// Package wrap tracks the text ranges of the tracee's signal-wrapper
// library. While the tracee's instruction pointer sits inside one of these
// ranges it is in a critical section, and the recorder steps it out before
// acting on a stop.
package wrap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Range is a half-open span of tracee text addresses.
type Range struct {
	Start uint64
	End   uint64
}

// Table holds the wrapper ranges for one tracee. A tracee maps at most a
// handful of wrapper segments, so lookup is a linear scan.
type Table struct {
	ranges []Range
}

// Add registers a wrapper range.
func (t *Table) Add(r Range) {
	t.ranges = append(t.ranges, r)
}

// InWrapper reports whether ip falls inside any wrapper range.
func (t *Table) InWrapper(ip uint64) bool {
	for _, r := range t.ranges {
		if ip >= r.Start && ip < r.End {
			return true
		}
	}
	return false
}

// Len returns the number of registered ranges.
func (t *Table) Len() int { return len(t.ranges) }

// LoadFromMaps scans /proc/<pid>/maps for executable mappings backed by
// library and returns a table of their ranges. A tracee without the
// library loaded yields an empty table.
func LoadFromMaps(pid int, library string) (*Table, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("failed to read maps of pid %d: %v", pid, err)
	}
	defer f.Close()

	table := &Table{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		perms := fields[1]
		if len(perms) < 3 || perms[2] != 'x' {
			continue
		}
		if !strings.Contains(filepath.Base(fields[5]), library) {
			continue
		}
		var r Range
		if _, err := fmt.Sscanf(fields[0], "%x-%x", &r.Start, &r.End); err != nil {
			continue
		}
		table.Add(r)
	}
	return table, scanner.Err()
}
