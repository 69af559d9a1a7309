// ABOUTME: In-memory SecretStore used by tests and single-node dev setups
// ABOUTME: Supports failure injection to exercise compensation paths

package secrets

import (
	"context"
	"sync"
)

// Memory is a thread-safe in-memory secret store. The FailWith hook, when
// set, makes every call return that error, which lets tests exercise the
// SecretStoreUnavailable paths deterministically.
type Memory struct {
	mu       sync.RWMutex
	tokens   map[string]string
	failWith error
}

// NewMemory creates an empty in-memory secret store.
func NewMemory() *Memory {
	return &Memory{tokens: make(map[string]string)}
}

// FailWith makes subsequent calls fail with err. Pass nil to heal.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *Memory) StoreAgentToken(_ context.Context, deploymentHash, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.tokens[deploymentHash] = token
	return nil
}

func (m *Memory) FetchAgentToken(_ context.Context, deploymentHash string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	token, ok := m.tokens[deploymentHash]
	if !ok {
		return "", ErrTokenNotFound
	}
	return token, nil
}

func (m *Memory) DeleteAgentToken(_ context.Context, deploymentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	delete(m.tokens, deploymentHash)
	return nil
}

// Len reports the number of stored tokens. Test helper.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tokens)
}

var _ Store = (*Memory)(nil)
