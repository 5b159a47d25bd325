package scheduler

import (
	"sync"

	"github.com/mExOms/execution/pkg/types"
)

// childArena recycles child-order records so slice dispatch does not
// allocate on every tick. Records grow past the preallocated size under
// burst load and drain back into the free list on release.
type childArena struct {
	mu   sync.Mutex
	free []*types.ChildOrder
}

func newChildArena(size int) *childArena {
	if size <= 0 {
		size = 64
	}
	a := &childArena{free: make([]*types.ChildOrder, 0, size)}
	for i := 0; i < size; i++ {
		a.free = append(a.free, &types.ChildOrder{})
	}
	return a
}

func (a *childArena) acquire() *types.ChildOrder {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		c := a.free[n-1]
		a.free = a.free[:n-1]
		return c
	}
	return &types.ChildOrder{}
}

// release zeroes the record before returning it to the free list, so a
// re-acquired record never exposes a prior order's fields.
func (a *childArena) release(c *types.ChildOrder) {
	if c == nil {
		return
	}
	*c = types.ChildOrder{}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, c)
}
