package store

import (
	"encoding/json"
	"fmt"
	"os"
)

// JSONFile is the embeddable stand-in for the external tabular store
// that cmd/dismod_at actually opens: the "database" path on the
// command line is a single JSON document holding the input tables
// plus whatever derived tables a prior command wrote, decoded
// straight into a Mem. No serialization library appears anywhere in
// the example repos this module is grounded on, so this sits on the
// standard library encoding/json rather than importing one (see
// DESIGN.md); the real persistent store this stands in for is an
// external collaborator out of scope for this module either way.
type JSONFile struct {
	Path string
}

// Load reads path into a fresh Mem. A missing file is reported as-is;
// callers (init in particular) decide whether that is fatal.
func (f JSONFile) Load() (*Mem, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", f.Path, err)
	}
	m := &Mem{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", f.Path, err)
	}
	return m, nil
}

// Save truncates path and writes m's full contents back, input and
// derived tables alike, matching "an init command recreates the
// derived tables" by simply overwriting the whole document every time.
func (f JSONFile) Save(m *Mem) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", f.Path, err)
	}
	if err := os.WriteFile(f.Path, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", f.Path, err)
	}
	return nil
}
