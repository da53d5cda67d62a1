package plugin

import (
	"runtime"
	"testing"
)

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512MB", 512 << 20, false},
		{"1GB", 1 << 30, false},
		{"64KB", 64 << 10, false},
		{"128B", 128, false},
		{"1024", 1024, false},
		{"1.5GB", 3 << 29, false},
		{"512mb", 512 << 20, false},
		{" 2MB ", 2 << 20, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-1MB", 0, true},
		{"-42", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseByteSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestMemTrackerCheckLimit(t *testing.T) {
	m := NewMemTracker()

	// A huge limit is never exceeded by the test process.
	exceeded, err := m.CheckLimit("64GB")
	if err != nil {
		t.Fatalf("CheckLimit() error = %v", err)
	}
	if exceeded {
		t.Error("CheckLimit(64GB) = true, want false")
	}

	if _, err := m.CheckLimit("not-a-size"); err == nil {
		t.Error("CheckLimit(not-a-size) expected error")
	}
}

func TestMemTrackerObservesGrowth(t *testing.T) {
	m := NewMemTracker()

	buf := make([]byte, 8<<20)
	for i := range buf {
		buf[i] = byte(i)
	}

	delta := m.Delta()
	if delta.HeapUsed < 4<<20 {
		t.Errorf("Delta().HeapUsed = %d after 8MB allocation, want at least 4MB", delta.HeapUsed)
	}
	runtime.KeepAlive(buf)
}
