package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meteobot/internal/storage"
	logx "meteobot/pkg/logx"
)

// flakyBackend fails Save while fail is set.
type flakyBackend struct {
	*storage.Memory
	mu   sync.Mutex
	fail bool
}

func (f *flakyBackend) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyBackend) Save(ctx context.Context, b []byte) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.Memory.Save(ctx, b)
}

func newStore(t *testing.T) (*Store, *flakyBackend) {
	t.Helper()
	be := &flakyBackend{Memory: storage.NewMemory()}
	return NewStore(be, NewAllocator(), logx.Nop()), be
}

var (
	paris = Location{ID: "751010", Name: "Paris"}
	lyon  = Location{ID: "691230", Name: "Lyon"}
)

func TestAddListOrderAndIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)

	a, err := st.Add(ctx, "r1", paris, FireTime{8, 0}, 3)
	require.NoError(t, err)
	b, err := st.Add(ctx, "r1", lyon, FireTime{7, 30}, 1)
	require.NoError(t, err)
	c, err := st.Add(ctx, "r2", paris, FireTime{9, 0}, 2)
	require.NoError(t, err)

	assert.Less(t, a.ID, b.ID)
	assert.Less(t, b.ID, c.ID)
	assert.Equal(t, int64(0), a.ID)

	got := st.List("r1")
	require.Len(t, got, 2)
	assert.Equal(t, "Paris", got[0].LocationName)
	assert.Equal(t, "Lyon", got[1].LocationName)
	assert.Empty(t, st.List("unknown"))
	assert.Equal(t, 3, st.Count())
}

func TestAddRejectsInvalid(t *testing.T) {
	t.Parallel()
	st, _ := newStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		room RoomID
		loc  Location
		fire FireTime
		days int
	}{
		{"zero days", "r", paris, FireTime{8, 0}, 0},
		{"negative days", "r", paris, FireTime{8, 0}, -1},
		{"hour 24", "r", paris, FireTime{24, 0}, 1},
		{"minute 60", "r", paris, FireTime{8, 60}, 1},
		{"empty room", "", paris, FireTime{8, 0}, 1},
		{"empty location", "r", Location{}, FireTime{8, 0}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := st.Add(ctx, tc.room, tc.loc, tc.fire, tc.days)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
	assert.Zero(t, st.Count())
}

func TestRemoveCompactsIndices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)

	for i := 0; i < 3; i++ {
		_, err := st.Add(ctx, "r", Location{ID: fmt.Sprint(i), Name: fmt.Sprint("city", i)}, FireTime{8, i}, 1)
		require.NoError(t, err)
	}

	removed, err := st.Remove(ctx, "r", 2)
	require.NoError(t, err)
	assert.Equal(t, "city1", removed.LocationName)

	got := st.List("r")
	require.Len(t, got, 2)
	assert.Equal(t, "city0", got[0].LocationName)
	assert.Equal(t, "city2", got[1].LocationName)

	for _, idx := range []int{0, 3, -1} {
		_, err := st.Remove(ctx, "r", idx)
		require.ErrorIs(t, err, ErrIndexOutOfRange, "index %d", idx)
	}
	_, err = st.Remove(ctx, "nobody", 1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Len(t, st.List("r"), 2)
}

func TestRemoveLastEntryDropsRoom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)

	sub, err := st.Add(ctx, "r", paris, FireTime{8, 0}, 1)
	require.NoError(t, err)
	_, err = st.RemoveID(ctx, "r", sub.ID)
	require.NoError(t, err)
	assert.NotContains(t, st.Snapshot(), RoomID("r"))

	_, err = st.RemoveID(ctx, "r", sub.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, be := newStore(t)

	kept, err := st.Add(ctx, "r", paris, FireTime{8, 0}, 1)
	require.NoError(t, err)

	be.setFail(true)
	_, err = st.Add(ctx, "r", lyon, FireTime{9, 0}, 1)
	require.ErrorIs(t, err, ErrPersistence)
	_, err = st.Remove(ctx, "r", 1)
	require.ErrorIs(t, err, ErrPersistence)

	got := st.List("r")
	require.Len(t, got, 1)
	assert.Equal(t, kept, got[0])

	be.setFail(false)
	next, err := st.Add(ctx, "r", lyon, FireTime{9, 0}, 1)
	require.NoError(t, err)
	assert.Greater(t, next.ID, kept.ID)
}

func TestLoadReseedsAllocator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be := storage.NewMemory()

	first := NewStore(be, NewAllocator(), logx.Nop())
	var maxID int64
	for i := 0; i < 4; i++ {
		sub, err := first.Add(ctx, RoomID(fmt.Sprint("r", i%2)), paris, FireTime{8, 0}, 1)
		require.NoError(t, err)
		maxID = sub.ID
	}
	_, err := first.Remove(ctx, "r1", 2)
	require.NoError(t, err)

	second := NewStore(be, NewAllocator(), logx.Nop())
	rooms, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Snapshot(), rooms)

	sub, err := second.Add(ctx, "r0", lyon, FireTime{6, 15}, 2)
	require.NoError(t, err)
	// The highest id (r1's second entry) was removed; the survivors top out
	// at maxID-1, so numbering resumes at maxID.
	assert.Equal(t, maxID, sub.ID)
}

func TestLoadEmptyStartsAtZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewStore(storage.NewMemory(), NewAllocator(), logx.Nop())

	rooms, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, rooms)
	assert.Equal(t, int64(0), st.Allocator().Peek())
}

func TestLoadRejectsCorruptBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	be := storage.NewMemory()
	require.NoError(t, be.Save(ctx, []byte(`{"version":7,"rooms":{}}`)))

	_, err := NewStore(be, NewAllocator(), logx.Nop()).Load(ctx)
	require.ErrorIs(t, err, ErrDecode)
}

func TestConcurrentAddsNeverCollide(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, _ := newStore(t)

	const perRoom = 50
	rooms := []RoomID{"a", "b", "c", "d"}
	var wg sync.WaitGroup
	for _, room := range rooms {
		for i := 0; i < perRoom; i++ {
			wg.Add(1)
			go func(room RoomID) {
				defer wg.Done()
				_, err := st.Add(ctx, room, paris, FireTime{8, 0}, 1)
				assert.NoError(t, err)
			}(room)
		}
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, room := range rooms {
		subs := st.List(room)
		require.Len(t, subs, perRoom)
		for _, s := range subs {
			require.False(t, seen[s.ID], "duplicate id %d", s.ID)
			seen[s.ID] = true
		}
	}
}

func TestFlushRewritesState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, be := newStore(t)
	_, err := st.Add(ctx, "r", paris, FireTime{8, 0}, 1)
	require.NoError(t, err)

	require.NoError(t, be.Memory.Save(ctx, nil))
	require.NoError(t, st.Flush(ctx))

	b, err := be.Load(ctx)
	require.NoError(t, err)
	rooms, err := Decode(b)
	require.NoError(t, err)
	assert.Len(t, rooms["r"], 1)
}
