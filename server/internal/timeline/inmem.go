package timeline

import (
	"context"
	"sync"
	"time"

	"helpnow/server/internal/model"
)

// InMemoryStore 是一个基于内存的 Timeline 存储实现。
type InMemoryStore struct {
	mu       sync.RWMutex
	events   map[string][]model.TimelineEvent
	seq      map[string]int64
	eventIDs map[string]map[string]int64
	now      func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		events:   make(map[string][]model.TimelineEvent),
		seq:      make(map[string]int64),
		eventIDs: make(map[string]map[string]int64),
		now:      time.Now,
	}
}

// Append 追加事件并为该 session 分配单调递增 seq。
// 相同 EventID 直接返回已分配的 seq。
func (s *InMemoryStore) Append(_ context.Context, sessionID string, evt *model.TimelineEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.EventID != "" {
		if seq, exists := s.eventIDs[sessionID][evt.EventID]; exists {
			return seq, nil
		}
	}

	s.seq[sessionID]++
	seq := s.seq[sessionID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SessionID = sessionID
	if eventCopy.TS.IsZero() {
		eventCopy.TS = s.now()
	}
	s.events[sessionID] = append(s.events[sessionID], eventCopy)

	if evt.EventID != "" {
		if s.eventIDs[sessionID] == nil {
			s.eventIDs[sessionID] = make(map[string]int64)
		}
		s.eventIDs[sessionID][evt.EventID] = seq
	}

	return seq, nil
}

// List 返回某个 session 的全部事件（按 seq 顺序）的副本。
func (s *InMemoryStore) List(_ context.Context, sessionID string) ([]model.TimelineEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[sessionID]
	out := make([]model.TimelineEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, sessionID)
	delete(s.seq, sessionID)
	delete(s.eventIDs, sessionID)
	return nil
}
