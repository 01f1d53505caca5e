package profile

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/danmuck/headunit/internal/protocol"
)

// DefaultStoreSize is how many completed profiles a Store keeps.
const DefaultStoreSize = 16

// Store holds completed profiles and the one currently active.
// Only fully assembled profiles ever enter it.
type Store struct {
	mu       sync.RWMutex
	profiles *lru.Cache[uint8, Profile]
	active   *Profile
}

func NewStore(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultStoreSize
	}
	cache, err := lru.New[uint8, Profile](size)
	if err != nil {
		return nil, err
	}
	return &Store{profiles: cache}, nil
}

// Put stores p, replacing a profile with the same id. The active profile is left as is.
func (s *Store) Put(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.profiles.Add(p.ID, p)
	return nil
}

func (s *Store) Get(id uint8) (Profile, bool) {
	return s.profiles.Peek(id)
}

// Activate makes the stored profile id the active one.
func (s *Store) Activate(id uint8) (Profile, error) {
	p, ok := s.profiles.Get(id)
	if !ok {
		return Profile{}, fmt.Errorf("%w: profile %d not loaded", protocol.ErrIncompleteAssembly, id)
	}
	s.mu.Lock()
	s.active = &p
	s.mu.Unlock()
	return p, nil
}

// Active returns the active profile, if any.
func (s *Store) Active() (Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return Profile{}, false
	}
	return *s.active, true
}

func (s *Store) Deactivate() {
	s.mu.Lock()
	s.active = nil
	s.mu.Unlock()
}

func (s *Store) Len() int { return s.profiles.Len() }
