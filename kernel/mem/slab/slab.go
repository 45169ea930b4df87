// Package slab implements a Bonwick-style slab allocator: a Cache hands out
// fixed-size, same-typed objects carved out of slabs obtained from a backing
// arena. Constructors and destructors run once per item, at slab-creation and
// slab-destruction time respectively, so a cache amortizes expensive
// per-object setup across every Alloc/Free pair performed against that item's
// lifetime on the slab.
package slab

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/arena"
	"gopheros/kernel/sync"
	"sort"
	"unsafe"
)

// Constructor initializes the part of an item's state that stays invariant
// across its Alloc/Free lifetime. It runs once, when the slab that holds the
// item is created.
type Constructor func(obj unsafe.Pointer)

// Destructor tears down state set up by a Constructor. It runs once, when
// the slab that holds the item is released back to its source.
type Destructor func(obj unsafe.Pointer)

var (
	errCacheAllocFailed = &kernel.Error{Module: "slab", Message: "failed to grow cache: backing arena allocation failed"}
)

// descriptor tracks the free items of a single slab. free is a LIFO stack of
// item indices; its length doubles as the slab's free-item count.
type descriptor struct {
	base  uintptr
	end   uintptr
	free  []uint32
	count uint32
}

// Cache is a collection of same-sized, same-typed objects backed by one or
// more slabs obtained from source.
type Cache struct {
	name         string
	itemSize     mem.Size
	ctor         Constructor
	dtor         Destructor
	source       *arena.Arena
	keepLastSlab bool

	lock  sync.Spinlock
	slabs []*descriptor // kept sorted by base
}

// New creates a cache of itemSize-sized objects backed by source. ctor and
// dtor may be nil. If keepLastSlab is true, the cache never releases its
// final slab back to source even when it becomes completely free, trading
// memory for avoiding alloc/free churn on a cache that is reused often.
func New(name string, itemSize mem.Size, ctor Constructor, dtor Destructor, source *arena.Arena, keepLastSlab bool) *Cache {
	return &Cache{
		name:         name,
		itemSize:     itemSize,
		ctor:         ctor,
		dtor:         dtor,
		source:       source,
		keepLastSlab: keepLastSlab,
	}
}

// itemsPerSlab returns how many itemSize-sized objects are packed into a
// single slab allocated by this cache.
func itemsPerSlab(itemSize mem.Size) uint32 {
	if itemSize <= mem.Size(smallItemThreshold) {
		return uint32(mem.PageSize / itemSize)
	}
	return largeItemCountPerSlab
}

func slabBytes(itemSize mem.Size) mem.Size {
	raw := itemSize * mem.Size(itemsPerSlab(itemSize))
	return (raw + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

// Alloc returns a pointer to a freshly reserved item, growing the cache with
// a new slab if none of its existing slabs have a free item.
func (c *Cache) Alloc() (unsafe.Pointer, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	d := c.slabWithFreeItem()
	if d == nil {
		var err *kernel.Error
		if d, err = c.growSlab(); err != nil {
			return nil, err
		}
	}

	idx := d.free[len(d.free)-1]
	d.free = d.free[:len(d.free)-1]

	return unsafe.Pointer(d.base + uintptr(idx)*uintptr(c.itemSize)), nil
}

// Free returns ptr to the cache. If the slab holding ptr becomes entirely
// free as a result, it is released back to source (unless it is the cache's
// last remaining slab and keepLastSlab is set).
func (c *Cache) Free(ptr unsafe.Pointer) {
	c.lock.Acquire()
	defer c.lock.Release()

	addr := uintptr(ptr)
	d := c.slabContaining(addr)
	if d == nil {
		kfmt.Printf("[slab:%s] free of an address not owned by this cache: 0x%x\n", c.name, addr)
		return
	}

	idx := uint32((addr - d.base) / uintptr(c.itemSize))
	d.free = append(d.free, idx)

	if uint32(len(d.free)) == d.count {
		c.maybeReleaseSlab(d)
	}
}

// slabWithFreeItem returns the first slab with at least one free item, or
// nil. Callers must hold c.lock.
func (c *Cache) slabWithFreeItem() *descriptor {
	for _, d := range c.slabs {
		if len(d.free) > 0 {
			return d
		}
	}
	return nil
}

// slabContaining returns the slab whose item range contains addr, or nil.
// Callers must hold c.lock.
func (c *Cache) slabContaining(addr uintptr) *descriptor {
	i := sort.Search(len(c.slabs), func(i int) bool { return c.slabs[i].end > addr })
	if i == len(c.slabs) || addr < c.slabs[i].base {
		return nil
	}
	return c.slabs[i]
}

// growSlab imports a new slab from source, runs the cache's constructor over
// every item it holds and inserts it into c.slabs in base order. Callers
// must hold c.lock.
func (c *Cache) growSlab() (*descriptor, *kernel.Error) {
	size := slabBytes(c.itemSize)
	alloc, err := c.source.Alloc(size, arena.InstantFit)
	if err != nil {
		return nil, errCacheAllocFailed
	}

	count := uint32(uintptr(alloc.Len) / uintptr(c.itemSize))
	d := &descriptor{
		base:  alloc.Base,
		end:   alloc.Base + uintptr(alloc.Len),
		count: count,
		free:  make([]uint32, count),
	}
	for i := uint32(0); i < count; i++ {
		d.free[i] = i
		if c.ctor != nil {
			c.ctor(unsafe.Pointer(d.base + uintptr(i)*uintptr(c.itemSize)))
		}
	}

	i := sort.Search(len(c.slabs), func(i int) bool { return c.slabs[i].base >= d.base })
	c.slabs = append(c.slabs, nil)
	copy(c.slabs[i+1:], c.slabs[i:])
	c.slabs[i] = d

	return d, nil
}

// maybeReleaseSlab removes a fully-free slab from c.slabs and returns its
// span to source after running the cache's destructor over every item it
// held. Callers must hold c.lock.
func (c *Cache) maybeReleaseSlab(d *descriptor) {
	if c.keepLastSlab && len(c.slabs) == 1 {
		return
	}

	idx := -1
	for i, s := range c.slabs {
		if s == d {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	c.slabs = append(c.slabs[:idx], c.slabs[idx+1:]...)

	if c.dtor != nil {
		for i := uint32(0); i < d.count; i++ {
			c.dtor(unsafe.Pointer(d.base + uintptr(i)*uintptr(c.itemSize)))
		}
	}

	c.source.Free(arena.Allocation{Base: d.base, Len: mem.Size(d.end - d.base)})
}
