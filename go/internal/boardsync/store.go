package boardsync

import (
	"context"
	"sync"

	"github.com/caydenlund/codenames/go/internal/models"
)

// Store holds the current SyncState. Readers get immutable snapshots; the
// only write path is replace, used by the Synchronizer's event loop.
type Store struct {
	mu     sync.RWMutex
	state  *SyncState
	subs   map[uint64]chan *SyncState
	nextID uint64
}

func newStore(initial SyncState) *Store {
	return &Store{
		state: &initial,
		subs:  make(map[uint64]chan *SyncState),
	}
}

// Current returns the latest published state.
func (s *Store) Current() *SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// replace derives the next state from the current one and publishes it.
func (s *Store) replace(fn func(SyncState) SyncState) *SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(*s.state)
	s.state = &next
	for _, ch := range s.subs {
		offer(ch, s.state)
	}
	return s.state
}

// Subscribe delivers the current state immediately and every later state
// until ctx is done, at which point the channel is closed. A reader that
// falls behind only loses intermediate states, never the latest one.
func (s *Store) Subscribe(ctx context.Context, buffer int) <-chan *SyncState {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan *SyncState, buffer)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.state
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	})
	return ch
}

// offer performs a non-blocking send, evicting the oldest pending value when
// the buffer is full. Callers hold s.mu, so there is a single sender.
func offer(ch chan *SyncState, st *SyncState) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

// View is a read-only projection of the store.
type View[T any] struct {
	store   *Store
	pick    func(*SyncState) T
	changed func(prev, next *SyncState) bool
}

// Get returns the projection of the current state.
func (v View[T]) Get() T {
	return v.pick(v.store.Current())
}

// Subscribe emits the current projection and then every value that differs
// from the last one emitted.
func (v View[T]) Subscribe(ctx context.Context, buffer int) <-chan T {
	in := v.store.Subscribe(ctx, 1)
	out := make(chan T, max(buffer, 0))

	go func() {
		defer close(out)
		var prev *SyncState
		for st := range in {
			if prev != nil && !v.changed(prev, st) {
				continue
			}
			prev = st
			select {
			case out <- v.pick(st):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// BoardView projects only the board.
func (s *Store) BoardView() View[models.Board] {
	return View[models.Board]{
		store: s,
		pick:  func(st *SyncState) models.Board { return st.Board },
		changed: func(prev, next *SyncState) bool {
			return prev.BoardVersion != next.BoardVersion
		},
	}
}

// ConnectedView projects only the connected flag.
func (s *Store) ConnectedView() View[bool] {
	return View[bool]{
		store: s,
		pick:  func(st *SyncState) bool { return st.Connected },
		changed: func(prev, next *SyncState) bool {
			return prev.Connected != next.Connected
		},
	}
}
