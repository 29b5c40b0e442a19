package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"blobkeeper/internal/binarydata"
)

// Mode is the mode name this backend is registered under.
const Mode = "memory"

// Store keeps payloads in process memory. Data is copied on the way in and
// out so callers cannot mutate stored bytes.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ binarydata.Backend = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

func (s *Store) Init(context.Context) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	return nil
}

func (s *Store) Store(_ context.Context, content []byte) (string, error) {
	if s == nil {
		return "", fmt.Errorf("store is nil")
	}
	key := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), content...)
	return key, nil
}

func (s *Store) Retrieve(_ context.Context, key string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	key = strings.TrimSpace(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[key]
	if !ok {
		return nil, binarydata.ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, strings.TrimSpace(key))
	return nil
}

func (s *Store) Duplicate(_ context.Context, key string) (string, error) {
	if s == nil {
		return "", fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.data[strings.TrimSpace(key)]
	if !ok {
		return "", binarydata.ErrNotFound
	}
	newKey := uuid.NewString()
	s.data[newKey] = append([]byte(nil), raw...)
	return newKey, nil
}

// MarkForDeletion frees the keys immediately; nothing in memory is worth
// keeping around.
func (s *Store) MarkForDeletion(_ context.Context, keys []string) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, strings.TrimSpace(key))
	}
	return nil
}

func (s *Store) Close() error {
	return nil
}

// Len reports how many payloads are held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
