package config

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Snapshot is an immutable, point-in-time view of configuration handed to
// plugins. Values are addressed by dotted path ("plugins.sandbox.timeoutMs").
type Snapshot struct {
	raw []byte
}

// NewSnapshot captures v as a snapshot.
func NewSnapshot(v any) (*Snapshot, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("capturing config snapshot: %w", err)
	}
	return &Snapshot{raw: raw}, nil
}

// Get returns the value at a dotted path.
func (s *Snapshot) Get(path string) gjson.Result {
	return gjson.GetBytes(s.raw, path)
}

// Has reports whether a value exists at the path.
func (s *Snapshot) Has(path string) bool {
	return s.Get(path).Exists()
}

// String returns the string value at the path, or "" if absent.
func (s *Snapshot) String(path string) string {
	return s.Get(path).String()
}

// Int returns the integer value at the path, or 0 if absent.
func (s *Snapshot) Int(path string) int64 {
	return s.Get(path).Int()
}

// Bool returns the boolean value at the path, or false if absent.
func (s *Snapshot) Bool(path string) bool {
	return s.Get(path).Bool()
}

// WithValues returns a new snapshot with values set at the given dotted
// paths. Existing values at those paths are left untouched; WithValues only
// fills gaps, so it is suitable for layering declared defaults under a
// snapshot that may already carry user overrides.
func (s *Snapshot) WithValues(values map[string]any) (*Snapshot, error) {
	raw := s.raw
	for path, value := range values {
		if gjson.GetBytes(raw, path).Exists() {
			continue
		}
		var err error
		raw, err = sjson.SetBytes(raw, path, value)
		if err != nil {
			return nil, fmt.Errorf("setting config default %s: %w", path, err)
		}
	}
	return &Snapshot{raw: raw}, nil
}

// Map returns the snapshot decoded into nested maps.
func (s *Snapshot) Map() map[string]any {
	var m map[string]any
	if err := json.Unmarshal(s.raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

// JSON returns the underlying JSON document.
func (s *Snapshot) JSON() []byte {
	out := make([]byte, len(s.raw))
	copy(out, s.raw)
	return out
}
