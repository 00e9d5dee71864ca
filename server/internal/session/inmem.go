package session

import (
	"context"
	"errors"
	"sync"

	"helpnow/server/internal/model"
)

var ErrNotFound = errors.New("session not found")

// InMemoryStore 是一个基于内存的快照存储，重启即丢数据。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]model.SessionState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]model.SessionState)}
}

// Get 返回快照副本。
func (s *InMemoryStore) Get(_ context.Context, id string) (model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.data[id]
	if !ok {
		return model.SessionState{}, ErrNotFound
	}
	return state.Clone(), nil
}

// Save 保存或更新快照。
func (s *InMemoryStore) Save(_ context.Context, state model.SessionState) error {
	if state.SessionID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[state.SessionID] = state.Clone()
	return nil
}

// Delete 删除快照；不存在时返回 ErrNotFound。
func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[id]; !ok {
		return ErrNotFound
	}
	delete(s.data, id)
	return nil
}

// Len 返回当前会话数。
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
