package apitest

import (
	"context"
	"sync"
	"time"
)

// Activation is the activation state the fake API holds for an endpoint.
type Activation struct {
	Endpoint    string    `json:"endpoint"`
	Method      string    `json:"method"`
	Subject     string    `json:"subject,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store holds endpoint activations.
type Store interface {
	Put(ctx context.Context, a Activation) error
	Get(ctx context.Context, endpoint string) (Activation, bool, error)
	Remove(ctx context.Context, endpoint string) (bool, error)
	List(ctx context.Context) ([]Activation, error)
	Cleanup(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStore implements an in-memory activation store. Expired
// activations are invisible to Get and removed by Cleanup.
type MemoryStore struct {
	mu          sync.RWMutex
	activations map[string]Activation
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory activation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		activations: make(map[string]Activation),
		now:         time.Now,
	}
}

func (s *MemoryStore) Put(_ context.Context, a Activation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activations[a.Endpoint] = a
	return nil
}

func (s *MemoryStore) Get(_ context.Context, endpoint string) (Activation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activations[endpoint]
	if !ok || !a.ExpiresAt.After(s.now()) {
		return Activation{}, false, nil
	}
	return a, true, nil
}

// Remove deletes the endpoint's activation and reports whether an
// unexpired one existed.
func (s *MemoryStore) Remove(_ context.Context, endpoint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.activations[endpoint]
	delete(s.activations, endpoint)
	return ok && a.ExpiresAt.After(s.now()), nil
}

func (s *MemoryStore) List(_ context.Context) ([]Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Activation, 0, len(s.activations))
	for _, a := range s.activations {
		out = append(out, a)
	}
	return out, nil
}

// Cleanup removes expired activations.
func (s *MemoryStore) Cleanup(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for endpoint, a := range s.activations {
		if !a.ExpiresAt.After(now) {
			delete(s.activations, endpoint)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.activations), nil
}

// Expirer runs Store.Cleanup periodically.
type Expirer struct {
	store Store
	stop  chan struct{}
	once  sync.Once
}

// NewExpirer creates an Expirer for store.
func NewExpirer(store Store) *Expirer {
	return &Expirer{store: store, stop: make(chan struct{})}
}

// Start begins the background cleanup routine.
func (e *Expirer) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stop:
				return
			case <-ticker.C:
				e.store.Cleanup(ctx)
			}
		}
	}()
}

// Stop stops the background cleanup routine. It is safe to call twice.
func (e *Expirer) Stop() {
	e.once.Do(func() { close(e.stop) })
}
