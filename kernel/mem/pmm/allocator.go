// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"gopheros/kernel"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/mem"
	"sort"
	"sync/atomic"
)

var (
	// freeListHead is the page-array index at the top of the lock-free
	// LIFO free list, or noLink when the list is empty.
	freeListHead uint32 = noLink

	// freeBytes tracks the amount of free memory. It is updated after the
	// free-list CAS succeeds, so readers may observe it lag behind the
	// actual list contents.
	freeBytes int64

	// totalBytes, reservedBytes and reclaimableBytes are fixed once Init
	// has run.
	totalBytes, reservedBytes, reclaimableBytes mem.Size

	errFramesExhausted = &kernel.Error{Module: "pmm", Message: "no more physical frames available"}
	errAlreadyInit     = &kernel.Error{Module: "pmm", Message: "pmm already initialized"}

	initialized bool
)

// FrameList is an intrusive singly-linked list of pages built from their
// free-list link field. It is used to hand back batches of frames to
// Deallocate in a single atomic splice.
type FrameList struct {
	firstIdx, lastIdx uint32
	count             uint32
}

// AppendFrame adds frame to the list. frame must belong to a usable region.
func (l *FrameList) AppendFrame(frame Frame) bool {
	idx, ok := pageIndex(frame)
	if !ok {
		return false
	}

	pages[idx].next = noLink
	if l.count == 0 {
		l.firstIdx = idx
	} else {
		pages[l.lastIdx].next = idx
	}
	l.lastIdx = idx
	l.count++
	return true
}

// Len returns the number of frames currently tracked by the list.
func (l *FrameList) Len() uint32 {
	return l.count
}

// Allocate pops the head of the free-list using a lock-free CAS loop and
// returns the corresponding frame. It never blocks and is safe to call from
// interrupt context once Init has completed.
func Allocate() (Frame, *kernel.Error) {
	for {
		head := atomic.LoadUint32(&freeListHead)
		if head == noLink {
			return InvalidFrame, errFramesExhausted
		}

		next := atomic.LoadUint32(&pages[head].next)
		if atomic.CompareAndSwapUint32(&freeListHead, head, next) {
			atomic.AddInt64(&freeBytes, -int64(mem.PageSize))
			return pages[head].frame, nil
		}
	}
}

// Deallocate prepends list onto the free list using a single CAS splice. A
// nil or empty list is a no-op.
func Deallocate(list *FrameList) {
	if list == nil || list.count == 0 {
		return
	}

	for {
		head := atomic.LoadUint32(&freeListHead)
		atomic.StoreUint32(&pages[list.lastIdx].next, head)
		if atomic.CompareAndSwapUint32(&freeListHead, head, list.firstIdx) {
			atomic.AddInt64(&freeBytes, int64(list.count)*int64(mem.PageSize))
			return
		}
	}
}

// Stats reports a point-in-time, eventually-consistent snapshot of the
// allocator's memory accounting.
type Stats struct {
	Total, Free, Reserved, Reclaimable mem.Size
}

// GetStats returns the current Stats snapshot.
func GetStats() Stats {
	return Stats{
		Total:       totalBytes,
		Free:        mem.Size(atomic.LoadInt64(&freeBytes)),
		Reserved:    reservedBytes,
		Reclaimable: reclaimableBytes,
	}
}

// ConsumedFn reports whether a frame has already been handed out by an
// upstream allocator (e.g. the bootstrap allocator) and must therefore be
// excluded from the initial free list.
type ConsumedFn func(Frame) bool

// Init materializes the page descriptor array and region index (component B)
// from the boot memory map and seeds the free-list (component A) with every
// usable frame that consumed reports as not yet taken. It must be called
// exactly once, after the Go allocator is available (the pages/pageRegions
// slices are heap-allocated) and before any call to Allocate.
func Init(consumed ConsumedFn) *kernel.Error {
	if initialized {
		return errAlreadyInit
	}

	type rawRegion struct {
		start Frame
		count uint32
	}
	var raw []rawRegion

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		size := mem.Size(entry.Length)
		switch entry.Type {
		case multiboot.MemAvailable:
			totalBytes += size
		case multiboot.MemAcpiReclaimable:
			reclaimableBytes += size
		default:
			reservedBytes += size
		}

		if entry.Type != multiboot.MemAvailable || entry.Length < uint64(mem.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mem.PageSize - 1)
		startFrame := Frame(((entry.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mem.PageShift)
		endFrame := Frame(((entry.PhysAddress+entry.Length) & ^pageSizeMinus1)>>mem.PageShift) - 1
		if endFrame < startFrame {
			return true
		}

		raw = append(raw, rawRegion{start: startFrame, count: uint32(endFrame-startFrame) + 1})
		return true
	})

	sort.Slice(raw, func(i, j int) bool { return raw[i].start < raw[j].start })

	var totalPages uint32
	for _, r := range raw {
		totalPages += r.count
	}

	pages = make([]Page, totalPages)
	pageRegions = make([]PageRegion, len(raw))

	var freeList FrameList
	var nextIndex uint32
	for i, r := range raw {
		pageRegions[i] = PageRegion{startFrame: r.start, frameCount: r.count, startIndex: nextIndex}

		for off := uint32(0); off < r.count; off++ {
			frame := r.start + Frame(off)
			idx := nextIndex + off
			pages[idx] = Page{frame: frame, next: noLink}

			// Appended directly by index rather than through
			// AppendFrame/pageIndex: pageRegions is only partially
			// built at this point, so a binary-search lookup would
			// not yet see a consistently sorted table.
			if consumed == nil || !consumed(frame) {
				if freeList.count == 0 {
					freeList.firstIdx = idx
				} else {
					pages[freeList.lastIdx].next = idx
				}
				freeList.lastIdx = idx
				freeList.count++
			}
		}

		nextIndex += r.count
	}

	Deallocate(&freeList)
	initialized = true
	return nil
}
