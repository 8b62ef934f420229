package backup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RemoteObject is one object as listed by a RemoteStore.
type RemoteObject struct {
	ID        string
	Name      string
	CreatedAt time.Time
	Size      int64
}

// RemoteStore is the off-host capability the Manager snapshots into. Any
// object store or file-sync service that can upload, list and delete by id
// satisfies it.
type RemoteStore interface {
	// Name identifies the store in logs and results, e.g. "s3".
	Name() string
	Upload(ctx context.Context, name string, body []byte) (string, error)
	List(ctx context.Context) ([]RemoteObject, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps objects in a map. Creation times come from its clock,
// which tests can move.
type MemoryStore struct {
	mu         sync.RWMutex
	name       string
	data       map[string][]byte
	meta       map[string]RemoteObject
	now        func() time.Time
	failUpload error
	failList   error
	failDelete map[string]error
}

func NewMemoryStore(name string) *MemoryStore {
	if name == "" {
		name = "memory"
	}
	return &MemoryStore{
		name:       name,
		data:       map[string][]byte{},
		meta:       map[string]RemoteObject{},
		now:        time.Now,
		failDelete: map[string]error{},
	}
}

func (s *MemoryStore) Name() string { return s.name }

// SetClock replaces the time source used to stamp uploads.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores an object with an explicit creation time and returns its id.
func (s *MemoryStore) Put(name string, body []byte, createdAt time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(name, body, createdAt)
}

func (s *MemoryStore) putLocked(name string, body []byte, createdAt time.Time) string {
	id := uuid.NewString()
	s.data[id] = append([]byte(nil), body...)
	s.meta[id] = RemoteObject{ID: id, Name: name, CreatedAt: createdAt.UTC(), Size: int64(len(body))}
	return id
}

// Get returns the body stored under id.
func (s *MemoryStore) Get(id string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[id]
	return b, ok
}

// FailUploads makes every Upload return err until called with nil.
func (s *MemoryStore) FailUploads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpload = err
}

// FailLists makes every List return err until called with nil.
func (s *MemoryStore) FailLists(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList = err
}

// FailDelete makes Delete of id return err.
func (s *MemoryStore) FailDelete(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDelete[id] = err
}

func (s *MemoryStore) Upload(ctx context.Context, name string, body []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpload != nil {
		return "", s.failUpload
	}
	return s.putLocked(name, body, s.now()), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]RemoteObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failList != nil {
		return nil, s.failList
	}
	out := make([]RemoteObject, 0, len(s.meta))
	for _, m := range s.meta {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failDelete[id]; ok {
		return err
	}
	if _, ok := s.meta[id]; !ok {
		return fmt.Errorf("object %s not found", id)
	}
	delete(s.data, id)
	delete(s.meta, id)
	return nil
}
