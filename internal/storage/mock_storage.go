package storage

import (
	"encoding/json"
	"sync"
)

// MockStorage implements Interface in memory for tests
type MockStorage struct {
	saveError     error
	loadError     error
	data          []byte
	saveCallCount int
	loadCallCount int
	mu            sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// Save stores a deep copy of snap.
func (m *MockStorage) Save(snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	if m.saveError != nil {
		return m.saveError
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.data = data
	return nil
}

// Load returns a copy of the last saved snapshot.
func (m *MockStorage) Load() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	if m.loadError != nil {
		return nil, m.loadError
	}
	if m.data == nil {
		return nil, ErrNoSnapshot
	}
	var snap Snapshot
	if err := json.Unmarshal(m.data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SetSaveError makes Save fail.
func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	m.saveError = err
	m.mu.Unlock()
}

// SetLoadError makes Load fail.
func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	m.loadError = err
	m.mu.Unlock()
}

// GetSaveCallCount returns the number of Save calls.
func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

// GetLoadCallCount returns the number of Load calls.
func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}
