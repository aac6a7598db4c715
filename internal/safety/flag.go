// Package safety holds the last line of defence: the emergency position
// handler and the critical intervention flag that halts automation.
package safety

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eddiefleurent/dunder_condor/internal/storage"
)

// FlagState is the persisted content of the critical intervention flag.
type FlagState struct {
	SetAt       time.Time `json:"set_at,omitempty"`
	ClearedAt   time.Time `json:"cleared_at,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ClearedBy   string    `json:"cleared_by,omitempty"`
	ClearReason string    `json:"clear_reason,omitempty"`
	Set         bool      `json:"set"`
}

// CriticalFlag is a file-backed latch. Once set it stays set across restarts
// until an operator clears it.
type CriticalFlag struct {
	now  func() time.Time
	path string
	mu   sync.Mutex
}

// NewCriticalFlag creates a flag stored at path.
func NewCriticalFlag(path string) (*CriticalFlag, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating flag dir: %w", err)
	}
	return &CriticalFlag{path: path, now: time.Now}, nil
}

// State reads the flag. A missing file means not set.
func (f *CriticalFlag) State() (FlagState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *CriticalFlag) read() (FlagState, error) {
	var st FlagState
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("reading flag %s: %w", f.path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decoding flag %s: %w", f.path, err)
	}
	return st, nil
}

func (f *CriticalFlag) write(st FlagState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(f.path, data)
}

// IsSet reports whether automation must stay halted. An unreadable flag file
// counts as set.
func (f *CriticalFlag) IsSet() bool {
	st, err := f.State()
	return err != nil || st.Set
}

// Set latches the flag. Setting an already set flag keeps the original reason.
func (f *CriticalFlag) Set(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		st = FlagState{}
	}
	if st.Set {
		return nil
	}
	return f.write(FlagState{Set: true, Reason: reason, SetAt: f.now()})
}

// Clear releases the flag, recording who cleared it and why.
func (f *CriticalFlag) Clear(by, reason string) error {
	if by == "" || reason == "" {
		return errors.New("clearing the critical flag requires an operator and a reason")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.read()
	if err != nil {
		st = FlagState{Reason: "unreadable flag file"}
	}
	st.Set = false
	st.ClearedAt = f.now()
	st.ClearedBy = by
	st.ClearReason = reason
	return f.write(st)
}
