// Package arena implements a vmem-style general-purpose range allocator.
//
// An Arena owns a universe of addresses partitioned into boundary tags. Tags
// are kept on a single address-ordered list so that freeing a range can
// coalesce it with its physical neighbors in O(1). Arenas can be chained:
// when an arena runs out of free space it imports a new span from a source
// arena (or an arbitrary ImportFn) and releases it back once the imported
// span becomes entirely free again.
package arena

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/sync"
)

// AllocPolicy selects how Alloc picks a candidate free tag.
type AllocPolicy uint8

// nolint
const (
	// InstantFit returns the first free tag that is large enough.
	InstantFit AllocPolicy = iota

	// BestFit scans every free tag and returns the smallest one that
	// still satisfies the request.
	BestFit

	// NextFit resumes scanning from the tag following the arena's last
	// allocation instead of restarting from the beginning every time.
	NextFit
)

var (
	errRequestedLengthUnavailable = &kernel.Error{Module: "arena", Message: "requested length unavailable"}
	errInvalidFree                = &kernel.Error{Module: "arena", Message: "free of an address not owned by this arena"}
	errZeroLength                 = &kernel.Error{Module: "arena", Message: "zero-length allocation requested"}
)

// Allocation is the opaque handle returned by Alloc. Callers must present it
// unchanged to Free.
type Allocation struct {
	Base uintptr
	Len  mem.Size
}

// ImportFn requests a new span of at least size bytes from a source and
// reports the base address of the span it obtained.
type ImportFn func(size mem.Size) (base uintptr, ok bool)

// ReleaseFn returns a span previously obtained via ImportFn back to its
// source.
type ReleaseFn func(base uintptr, size mem.Size)

// tag is a boundary tag: either a free or allocated run of addresses. Tags
// are chained in a single address-ordered, doubly-linked list that covers
// every span of the arena. Tags of one span are contiguous; where two spans
// are not, neighbouring tags leave a gap and are never coalesced.
type tag struct {
	base uintptr
	len  mem.Size
	free bool

	addrPrev, addrNext *tag
}

// quantumCache is a small LIFO pool of fixed-size blocks that lets common
// allocation sizes bypass the boundary-tag search entirely.
type quantumCache struct {
	size  mem.Size
	depth int
	lock  sync.Spinlock
	free  []uintptr
}

// Arena is a vmem-style range allocator. The fit policy is selected per call
// to Alloc rather than fixed at construction time.
type Arena struct {
	name    string
	quantum mem.Size
	lock    sync.Spinlock

	addrHead *tag
	cursor   *tag // NextFit resume point

	allocated map[uintptr]*tag

	// imports records the base/length of every span currently on loan
	// from source, keyed by base. A free tag is only handed back once it
	// exactly matches one of these entries again (see
	// maybeReleaseToSource).
	imports map[uintptr]mem.Size

	source    *Arena
	importFn  ImportFn
	releaseFn ReleaseFn

	qCaches map[mem.Size]*quantumCache
}

// New creates an empty arena with no initial span. It is typically used as
// an intermediate arena that only ever imports from a source (see
// SetSource) and never holds a span of its own.
func New(name string, quantum mem.Size) *Arena {
	if quantum == 0 {
		quantum = mem.Size(1)
	}
	return &Arena{
		name:      name,
		quantum:   quantum,
		allocated: make(map[uintptr]*tag),
	}
}

// NewWithSpan creates an arena pre-seeded with a single free span covering
// [base, base+size).
func NewWithSpan(name string, quantum mem.Size, base uintptr, size mem.Size) *Arena {
	a := New(name, quantum)
	a.AddSpan(base, size)
	return a
}

// AddSpan inserts a new free span at the tail of the arena's address list.
// The caller is responsible for ensuring spans do not overlap.
func (a *Arena) AddSpan(base uintptr, size mem.Size) {
	t := &tag{base: base, len: size, free: true}

	if a.addrHead == nil {
		a.addrHead = t
		a.cursor = t
		return
	}

	last := a.addrHead
	for last.addrNext != nil {
		last = last.addrNext
	}
	last.addrNext = t
	t.addrPrev = last
}

// SetSource configures a source arena (or a bare import/release callback
// pair) that Alloc consults when the arena itself has no free tag large
// enough to satisfy a request.
func (a *Arena) SetSource(source *Arena, importFn ImportFn, releaseFn ReleaseFn) {
	a.source = source
	a.importFn = importFn
	a.releaseFn = releaseFn
}

// EnableQuantumCache adds a per-size quantum cache for allocations of
// exactly size bytes, bounded to depth cached blocks.
func (a *Arena) EnableQuantumCache(size mem.Size, depth int) {
	if depth <= 0 {
		depth = defaultQuantumCacheDepth
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if a.qCaches == nil {
		a.qCaches = make(map[mem.Size]*quantumCache)
	}
	a.qCaches[size] = &quantumCache{size: size, depth: depth}
}

func roundUp(size, quantum mem.Size) mem.Size {
	if quantum <= 1 {
		return size
	}
	if rem := size % quantum; rem != 0 {
		size += quantum - rem
	}
	return size
}

// Alloc reserves size bytes (rounded up to the arena's quantum) and returns
// the resulting Allocation. policy selects how the boundary-tag list is
// searched for this call; it is not tied to the arena itself, so a single
// arena can service InstantFit, BestFit and NextFit requests interchangeably.
func (a *Arena) Alloc(size mem.Size, policy AllocPolicy) (Allocation, *kernel.Error) {
	if size == 0 {
		return Allocation{}, errZeroLength
	}
	size = roundUp(size, a.quantum)

	if qc := a.quantumCacheFor(size); qc != nil {
		if base, ok := qc.pop(); ok {
			return Allocation{Base: base, Len: size}, nil
		}
	}

	a.lock.Acquire()
	defer a.lock.Release()

	t := a.findFree(size, policy)
	if t == nil {
		if a.importMore(size, policy) {
			t = a.findFree(size, policy)
		}
	}
	if t == nil {
		return Allocation{}, errRequestedLengthUnavailable
	}

	a.split(t, size)
	t.free = false
	a.allocated[t.base] = t
	a.cursor = t.addrNext

	return Allocation{Base: t.base, Len: size}, nil
}

// quantumCacheFor returns the cache registered for size, or nil.
func (a *Arena) quantumCacheFor(size mem.Size) *quantumCache {
	if a.qCaches == nil {
		return nil
	}
	return a.qCaches[size]
}

func (qc *quantumCache) pop() (uintptr, bool) {
	qc.lock.Acquire()
	defer qc.lock.Release()
	if len(qc.free) == 0 {
		return 0, false
	}
	base := qc.free[len(qc.free)-1]
	qc.free = qc.free[:len(qc.free)-1]
	return base, true
}

func (qc *quantumCache) push(base uintptr) bool {
	qc.lock.Acquire()
	defer qc.lock.Release()
	if len(qc.free) >= qc.depth {
		return false
	}
	qc.free = append(qc.free, base)
	return true
}

// findFree scans the address list for a free tag satisfying policy. Callers
// must hold a.lock.
func (a *Arena) findFree(size mem.Size, policy AllocPolicy) *tag {
	switch policy {
	case BestFit:
		var best *tag
		for t := a.addrHead; t != nil; t = t.addrNext {
			if t.free && t.len >= size && (best == nil || t.len < best.len) {
				best = t
			}
		}
		return best
	case NextFit:
		start := a.cursor
		if start == nil {
			start = a.addrHead
		}
		for t := start; t != nil; t = t.addrNext {
			if t.free && t.len >= size {
				return t
			}
		}
		for t := a.addrHead; t != nil && t != start; t = t.addrNext {
			if t.free && t.len >= size {
				return t
			}
		}
		return nil
	default: // InstantFit
		for t := a.addrHead; t != nil; t = t.addrNext {
			if t.free && t.len >= size {
				return t
			}
		}
		return nil
	}
}

// importMore asks the source arena (or raw ImportFn) for a new span sized to
// satisfy a pending request of at least size bytes, and appends it to the
// address list. Callers must hold a.lock.
func (a *Arena) importMore(size mem.Size, policy AllocPolicy) bool {
	if a.source == nil && a.importFn == nil {
		return false
	}

	imported := roundUp(size, a.quantum)

	var base uintptr
	var ok bool
	if a.source != nil {
		alloc, err := a.source.Alloc(imported, policy)
		if err != nil {
			return false
		}
		base, ok = alloc.Base, true
	} else {
		base, ok = a.importFn(imported)
	}
	if !ok {
		return false
	}

	if a.imports == nil {
		a.imports = make(map[uintptr]mem.Size)
	}
	a.imports[base] = imported

	t := &tag{base: base, len: imported, free: true}
	if a.addrHead == nil {
		a.addrHead = t
		a.cursor = t
		return true
	}

	last := a.addrHead
	for last.addrNext != nil {
		last = last.addrNext
	}
	last.addrNext = t
	t.addrPrev = last
	return true
}

// split carves size bytes off the front of t, leaving the remainder (if any)
// as a new free tag immediately after it. Callers must hold a.lock.
func (a *Arena) split(t *tag, size mem.Size) {
	if t.len == size {
		return
	}

	rest := &tag{
		base:     t.base + uintptr(size),
		len:      t.len - size,
		free:     true,
		addrPrev: t,
		addrNext: t.addrNext,
	}
	if t.addrNext != nil {
		t.addrNext.addrPrev = rest
	}
	t.addrNext = rest
	t.len = size
}

// Free returns alloc to the arena, coalescing it with any free neighbors and
// releasing fully-free imported spans back to the source.
func (a *Arena) Free(alloc Allocation) {
	if qc := a.quantumCacheFor(alloc.Len); qc != nil && qc.push(alloc.Base) {
		return
	}

	a.lock.Acquire()
	defer a.lock.Release()

	t, ok := a.allocated[alloc.Base]
	if !ok {
		kfmt.Printf("[arena:%s] %s: base=0x%x\n", a.name, errInvalidFree.Message, alloc.Base)
		return
	}
	delete(a.allocated, alloc.Base)

	t.free = true
	if a.cursor == nil {
		a.cursor = t
	}

	// Coalesce with the next neighbor first so the imported-span check
	// below sees the final merged extent.
	if next := t.addrNext; next != nil && next.free && t.base+uintptr(t.len) == next.base {
		t.len += next.len
		a.unlink(next)
	}
	if prev := t.addrPrev; prev != nil && prev.free && prev.base+uintptr(prev.len) == t.base {
		prev.len += t.len
		a.unlink(t)
		t = prev
	}

	a.maybeReleaseToSource(t)
}

// unlink removes t from the address list. Callers must hold a.lock.
func (a *Arena) unlink(t *tag) {
	if t.addrPrev != nil {
		t.addrPrev.addrNext = t.addrNext
	} else {
		a.addrHead = t.addrNext
	}
	if t.addrNext != nil {
		t.addrNext.addrPrev = t.addrPrev
	}
	if a.cursor == t {
		a.cursor = t.addrNext
	}
}

// maybeReleaseToSource hands t back to the source arena when it is free and
// its extent exactly matches what was imported, matching the import/release
// symmetry invariant. Callers must hold a.lock.
func (a *Arena) maybeReleaseToSource(t *tag) {
	importedLen, wasImported := a.imports[t.base]
	if !wasImported || importedLen != t.len {
		return
	}

	delete(a.imports, t.base)
	a.unlink(t)
	if a.source != nil {
		a.source.Free(Allocation{Base: t.base, Len: t.len})
	} else if a.releaseFn != nil {
		a.releaseFn(t.base, t.len)
	}
}
