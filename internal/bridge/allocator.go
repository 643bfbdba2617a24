package bridge

import (
	"errors"
	"math/bits"
	"sync"
)

// ErrNoExtranonceSpace is returned once every channel slot is in use.
var ErrNoExtranonceSpace = errors.New("bridge: no extranonce space available")

// allocator reserves the leading k bits of extranonce1 for channel identity,
// where k = ceil(log2(maxChannels)). At most 2^k channels may be live at once.
type allocator struct {
	mu       sync.Mutex
	k        int
	capacity uint32
	idBytes  int
	inUse    []bool
	next     uint32
}

func newAllocator(maxChannels int) *allocator {
	if maxChannels < 1 {
		maxChannels = 1
	}
	k := bits.Len(uint(maxChannels - 1))
	capacity := uint32(1) << uint(k)
	return &allocator{
		k:        k,
		capacity: capacity,
		idBytes:  (k + 7) / 8,
		inUse:    make([]bool, capacity),
	}
}

// allocate reserves the next free channel id, starting the search from the
// slot after the last one handed out so released ids are not reused
// immediately (reduces churn on any cached per-channel routing state).
func (a *allocator) allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := uint32(0); i < a.capacity; i++ {
		id := (a.next + i) % a.capacity
		if !a.inUse[id] {
			a.inUse[id] = true
			a.next = id + 1
			return id, nil
		}
	}
	return 0, ErrNoExtranonceSpace
}

func (a *allocator) release(id uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id < a.capacity {
		a.inUse[id] = false
	}
}

// encode renders a channel id as idBytes big-endian bytes, the suffix
// appended to the upstream-granted extranonce1 prefix.
func (a *allocator) encode(id uint32) []byte {
	out := make([]byte, a.idBytes)
	for i := a.idBytes - 1; i >= 0; i-- {
		out[i] = byte(id)
		id >>= 8
	}
	return out
}
