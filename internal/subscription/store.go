package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	logx "meteobot/pkg/logx"
)

// Backend is the durable blob slot the store writes through.
type Backend interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, blob []byte) error
}

// Store maps rooms to their ordered subscriptions.
type Store struct {
	log     logx.Logger
	backend Backend
	alloc   *Allocator

	// mu serializes every write; rooms is replaced, never mutated in place.
	mu    sync.Mutex
	rooms map[RoomID][]Subscription
}

func NewStore(backend Backend, alloc *Allocator, log logx.Logger) *Store {
	if alloc == nil {
		alloc = NewAllocator()
	}
	return &Store{
		log:     log.With(logx.String("comp", "subscription.store")),
		backend: backend,
		alloc:   alloc,
		rooms:   map[RoomID][]Subscription{},
	}
}

func (s *Store) Allocator() *Allocator { return s.alloc }

// Add creates a subscription for an already resolved location.
func (s *Store) Add(ctx context.Context, room RoomID, loc Location, fire FireTime, days int) (Subscription, error) {
	sub := Subscription{
		Room:         room,
		LocationID:   loc.ID,
		LocationName: loc.Name,
		Fire:         fire,
		ForecastDays: days,
	}
	if err := validate(sub); err != nil {
		return Subscription{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub.ID = s.alloc.Next()
	next := cloneRooms(s.rooms)
	next[room] = append(next[room], sub)
	if err := s.commitLocked(ctx, next); err != nil {
		return Subscription{}, err
	}
	s.log.Info("subscription added",
		logx.Room(string(room)),
		logx.Int64("id", sub.ID),
		logx.String("location", sub.LocationName),
		logx.String("fire", sub.Fire.String()),
		logx.Int("days", days),
	)
	return sub, nil
}

// List returns the room's subscriptions in insertion order.
func (s *Store) List(room RoomID) []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.rooms[room]...)
}

// Remove deletes the index-th (1-based) subscription of room.
func (s *Store) Remove(ctx context.Context, room RoomID, index int) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.rooms[room]
	if index < 1 || index > len(subs) {
		return Subscription{}, fmt.Errorf("%w: %d not in [1, %d]", ErrIndexOutOfRange, index, len(subs))
	}
	return s.removeLocked(ctx, room, index-1)
}

// RemoveID deletes a subscription by id.
func (s *Store) RemoveID(ctx context.Context, room RoomID, id int64) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sub := range s.rooms[room] {
		if sub.ID == id {
			return s.removeLocked(ctx, room, i)
		}
	}
	return Subscription{}, fmt.Errorf("%w: %s#%d", ErrNotFound, room, id)
}

func (s *Store) removeLocked(ctx context.Context, room RoomID, i int) (Subscription, error) {
	subs := s.rooms[room]
	removed := subs[i]

	next := cloneRooms(s.rooms)
	rest := make([]Subscription, 0, len(subs)-1)
	rest = append(rest, subs[:i]...)
	rest = append(rest, subs[i+1:]...)
	if len(rest) == 0 {
		delete(next, room)
	} else {
		next[room] = rest
	}
	if err := s.commitLocked(ctx, next); err != nil {
		return Subscription{}, err
	}
	s.log.Info("subscription removed", logx.Room(string(room)), logx.Int64("id", removed.ID))
	return removed, nil
}

// Load replaces memory with the persisted state and re-seeds the allocator.
func (s *Store) Load(ctx context.Context) (map[RoomID][]Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}
	rooms, err := Decode(b)
	if err != nil {
		return nil, err
	}
	s.rooms = rooms
	s.alloc.Reset(rooms)
	s.log.Info("subscriptions loaded",
		logx.Int("rooms", len(rooms)),
		logx.Int("subscriptions", countAll(rooms)),
		logx.Int64("next_id", s.alloc.Peek()),
	)
	return cloneRooms(rooms), nil
}

// Snapshot returns a copy of the whole mapping.
func (s *Store) Snapshot() map[RoomID][]Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRooms(s.rooms)
}

// All returns every subscription ordered by room, then insertion.
func (s *Store) All() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]RoomID, 0, len(s.rooms))
	for r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	out := make([]Subscription, 0, countAll(s.rooms))
	for _, r := range rooms {
		out = append(out, s.rooms[r]...)
	}
	return out
}

// Flush writes the current state again. Used on shutdown.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(ctx, s.rooms)
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countAll(s.rooms)
}

// commitLocked persists next and swaps it in. On failure memory is untouched.
func (s *Store) commitLocked(ctx context.Context, next map[RoomID][]Subscription) error {
	blob, err := Encode(next)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrPersistence, err)
	}
	if err := s.backend.Save(ctx, blob); err != nil {
		s.log.Error("persist subscriptions failed", logx.Err(err))
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.rooms = next
	return nil
}

// cloneRooms copies the map and each room slice header. Subscriptions are
// values, so the copy shares nothing mutable with the original.
func cloneRooms(in map[RoomID][]Subscription) map[RoomID][]Subscription {
	out := make(map[RoomID][]Subscription, len(in))
	for k, v := range in {
		if len(v) == 0 {
			continue
		}
		out[k] = append([]Subscription(nil), v...)
	}
	return out
}

func countAll(rooms map[RoomID][]Subscription) int {
	n := 0
	for _, subs := range rooms {
		n += len(subs)
	}
	return n
}
