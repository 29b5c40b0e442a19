package binarydata

import (
	"context"
	"fmt"
	"sync"
)

type fakeBackend struct {
	mu sync.Mutex

	data   map[string][]byte
	marked map[string]int
	next   int

	initCalls      int
	storeCalls     int
	deleteCalls    int
	markCalls      [][]string
	duplicateCalls int
	closed         bool

	initErr      error
	failDelete   map[string]bool
	failDup      bool
	failMark     bool
	failRetrieve error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		data:       map[string][]byte{},
		marked:     map[string]int{},
		failDelete: map[string]bool{},
	}
}

func (f *fakeBackend) Init(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return f.initErr
}

func (f *fakeBackend) Store(_ context.Context, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeCalls++
	f.next++
	key := fmt.Sprintf("k%d", f.next)
	f.data[key] = append([]byte(nil), data...)
	return key, nil
}

func (f *fakeBackend) Retrieve(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRetrieve != nil {
		return nil, f.failRetrieve
	}
	raw, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

func (f *fakeBackend) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.failDelete[key] {
		return fmt.Errorf("disk on fire")
	}
	delete(f.data, key)
	return nil
}

func (f *fakeBackend) Duplicate(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duplicateCalls++
	if f.failDup {
		return "", fmt.Errorf("copy failed")
	}
	raw, ok := f.data[key]
	if !ok {
		return "", ErrNotFound
	}
	f.next++
	newKey := fmt.Sprintf("k%d", f.next)
	f.data[newKey] = append([]byte(nil), raw...)
	return newKey, nil
}

func (f *fakeBackend) MarkForDeletion(_ context.Context, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls = append(f.markCalls, append([]string(nil), keys...))
	if f.failMark {
		return fmt.Errorf("index unavailable")
	}
	for _, k := range keys {
		f.marked[k]++
	}
	return nil
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBackend) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func registryWith(backends map[string]*fakeBackend) *Registry {
	reg := NewRegistry()
	for mode, b := range backends {
		reg.Register(mode, func(context.Context) (Backend, error) { return b, nil })
	}
	return reg
}
