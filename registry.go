package colstore

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/colstore/core"
	"github.com/hupe1980/colstore/schema"
)

// registrySlots shards the open-store table by identity hash.
const registrySlots = 107

type registryEntry struct {
	store *Store
	refs  int
}

type registrySlot struct {
	mu     sync.Mutex
	stores map[string]*registryEntry
}

var registry [registrySlots]registrySlot

func registrySlotFor(identity string) *registrySlot {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return &registry[h.Sum32()%registrySlots]
}

// Handle is a reference counted grip on an open store. Every Open of the
// same identity returns a handle to the same Store; the last Close runs
// the clean shutdown.
type Handle struct {
	identity string
	store    *Store
	closed   atomic.Bool
}

// Store returns the shared store behind the handle.
func (h *Handle) Store() *Store { return h.store }

// Close drops the reference. The store shuts down when the last handle
// closes; closing a handle twice is a no-op.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	slot := registrySlotFor(h.identity)
	slot.mu.Lock()
	e := slot.stores[h.identity]
	e.refs--
	last := e.refs == 0
	if last {
		delete(slot.stores, h.identity)
	}
	slot.mu.Unlock()

	if last {
		return h.store.close()
	}
	return nil
}

// Open returns a handle on the store for identity, creating or mapping
// its files on first use. identity doubles as the table and file name;
// concurrent opens of the same identity share one Store.
func Open(identity string, s *schema.Schema, opts ...Option) (*Handle, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: empty store identity", core.ErrConfiguration)
	}
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	slot := registrySlotFor(identity)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.stores == nil {
		slot.stores = make(map[string]*registryEntry)
	}
	if e, ok := slot.stores[identity]; ok {
		e.refs++
		return &Handle{identity: identity, store: e.store}, nil
	}

	st, err := openStore(identity, s, o)
	if err != nil {
		return nil, err
	}
	slot.stores[identity] = &registryEntry{store: st, refs: 1}
	return &Handle{identity: identity, store: st}, nil
}
