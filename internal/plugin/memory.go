package plugin

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// MemSnapshot is a point-in-time heap reading.
type MemSnapshot struct {
	HeapAlloc uint64
	Sys       uint64
}

// MemDelta is the difference between two heap readings. Negative values mean
// memory was released.
type MemDelta struct {
	HeapUsed int64
	Sys      int64
}

// MemTracker observes heap growth over a sandbox session. Observational
// only: nothing is aborted when a limit is exceeded.
type MemTracker struct {
	start MemSnapshot
}

// NewMemTracker captures the session-start snapshot.
func NewMemTracker() *MemTracker {
	return &MemTracker{start: readMem()}
}

// Delta returns heap growth since the tracker was created.
func (m *MemTracker) Delta() MemDelta {
	now := readMem()
	return MemDelta{
		HeapUsed: int64(now.HeapAlloc) - int64(m.start.HeapAlloc),
		Sys:      int64(now.Sys) - int64(m.start.Sys),
	}
}

// CheckLimit parses a human-readable limit ("512MB", "1GB", bare bytes) and
// reports whether the session's used-heap delta exceeds it.
func (m *MemTracker) CheckLimit(limit string) (bool, error) {
	max, err := ParseByteSize(limit)
	if err != nil {
		return false, err
	}
	return m.Delta().HeapUsed > max, nil
}

func readMem() MemSnapshot {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return MemSnapshot{HeapAlloc: stats.HeapAlloc, Sys: stats.Sys}
}

// byteUnits maps size suffixes to multipliers.
var byteUnits = []struct {
	suffix     string
	multiplier int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// ParseByteSize parses "512MB", "1GB", "64KB", "128B", or a bare byte count.
func ParseByteSize(s string) (int64, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(s))
	if trimmed == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	for _, unit := range byteUnits {
		if !strings.HasSuffix(trimmed, unit.suffix) {
			continue
		}
		numPart := strings.TrimSpace(strings.TrimSuffix(trimmed, unit.suffix))
		n, err := strconv.ParseFloat(numPart, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
		}
		if n < 0 {
			return 0, fmt.Errorf("invalid byte size %q: negative", s)
		}
		return int64(n * float64(unit.multiplier)), nil
	}

	n, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid byte size %q: negative", s)
	}
	return n, nil
}
