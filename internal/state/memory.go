package state

import "sync"

// Memory is an in-process implementation of the same key-value contract
// as State. Nothing survives the process.
type Memory struct {
	mu     sync.Mutex
	scopes map[Scope]map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		scopes: map[Scope]map[string]string{
			Durable: {},
			Session: {},
		},
	}
}

func (m *Memory) scope(scope Scope) (map[string]string, error) {
	if _, err := bucketFor(scope); err != nil {
		return nil, err
	}

	return m.scopes[scope], nil
}

// Get returns the value stored under key.
func (m *Memory) Get(scope Scope, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	values, err := m.scope(scope)
	if err != nil {
		return "", false, err
	}

	v, ok := values[key]

	return v, ok, nil
}

// Set stores value under key.
func (m *Memory) Set(scope Scope, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	values, err := m.scope(scope)
	if err != nil {
		return err
	}

	values[key] = value

	return nil
}

// Delete removes keys from a scope.
func (m *Memory) Delete(scope Scope, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	values, err := m.scope(scope)
	if err != nil {
		return err
	}

	for _, k := range keys {
		delete(values, k)
	}

	return nil
}

// Clear removes every key in a scope.
func (m *Memory) Clear(scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.scope(scope); err != nil {
		return err
	}

	m.scopes[scope] = map[string]string{}

	return nil
}

// Len returns the number of keys in a scope.
func (m *Memory) Len(scope Scope) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.scopes[scope])
}
