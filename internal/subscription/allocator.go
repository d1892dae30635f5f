package subscription

import "sync"

// Allocator issues strictly increasing ids. It is never persisted: after a
// load it is re-seeded from the highest stored id.
type Allocator struct {
	mu   sync.Mutex
	next int64
}

func NewAllocator() *Allocator { return &Allocator{} }

func (a *Allocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// Reset seeds the allocator with 1 + the largest id in rooms, or 0 when rooms
// holds nothing. It never moves the counter backwards.
func (a *Allocator) Reset(rooms map[RoomID][]Subscription) {
	var (
		next  int64
		found bool
	)
	for _, subs := range rooms {
		for _, s := range subs {
			if !found || s.ID+1 > next {
				next = s.ID + 1
				found = true
			}
		}
	}
	a.mu.Lock()
	if next > a.next {
		a.next = next
	}
	a.mu.Unlock()
}

// Peek returns the id the next call to Next would issue.
func (a *Allocator) Peek() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
