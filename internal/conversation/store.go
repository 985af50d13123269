package conversation

import (
	"sync"

	"chat_sync/internal/model"

	"github.com/samber/lo"
)

// Store holds the transcript of the selected conversation. It trusts its
// callers to append only messages of that conversation.
type Store struct {
	mu       sync.RWMutex
	messages []model.Message
	changed  chan struct{}
}

func NewStore() *Store {
	return &Store{changed: make(chan struct{}, 1)}
}

// Reset empties the transcript.
func (s *Store) Reset() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
	s.notify()
}

// Append adds messages to the end of the transcript in the given order.
func (s *Store) Append(messages ...model.Message) {
	if len(messages) == 0 {
		return
	}
	s.mu.Lock()
	s.messages = append(s.messages, messages...)
	s.mu.Unlock()
	s.notify()
}

// Transcript returns a copy of the messages in order.
func (s *Store) Transcript() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Message(nil), s.messages...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Contains reports whether a message with the given id is in the transcript.
func (s *Store) Contains(id string) bool {
	if id == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.ContainsBy(s.messages, func(m model.Message) bool {
		return m.ID == id
	})
}

// Changed fires after the transcript changes. Bursts of changes may be
// coalesced into one signal.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
