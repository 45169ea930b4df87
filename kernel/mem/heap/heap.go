// Package heap provides the kernel's general-purpose dynamic memory
// allocator. Allocations flow through a three-layer stack of arenas: an
// address-space arena that reserves virtual ranges from the kernel heap
// region, a page arena that backs those ranges with physical frames and
// page-table mappings, and an object arena that subdivides mapped pages into
// caller-sized blocks.
//
// A second, parallel heap (the special heap) maps caller-supplied physical
// ranges (e.g. MMIO regions) into the kernel's special-heap address range
// without ever importing frames from the physical allocator.
package heap

import (
	"gopheros/kernel"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/arena"
	"gopheros/kernel/mem/layout"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/slab"
	"gopheros/kernel/mem/vmm"
	"unsafe"
)

var (
	addrArena   *arena.Arena
	pageArena   *arena.Arena
	objectArena *arena.Arena

	// caches holds one slab cache per entry in sizeClasses, in the same
	// order, for allocations small enough to qualify for one.
	caches []*slab.Cache

	specialAddrArena *arena.Arena

	// the following functions are overridden by tests.
	findFreeRangeFn = layout.FindFreeRange
	regionByTypeFn  = layout.RegionByType
	allocFrameFn    = pmm.Allocate
	mapFn           = vmm.Map
	unmapFn         = vmm.Unmap

	errAlreadyInit  = &kernel.Error{Module: "heap", Message: "heap already initialized"}
	errNotInit      = &kernel.Error{Module: "heap", Message: "heap not initialized"}
	errAllocTooSmall = &kernel.Error{Module: "heap", Message: "allocation size must be greater than zero"}
	errNoSpecialHeapRegion = &kernel.Error{Module: "heap", Message: "no special heap region registered in the kernel memory layout"}

	initialized bool
)

// header is placed immediately before every block returned by Alloc so that
// Free can recover the original allocation without the caller needing to
// remember its size. class is the index into sizeClasses/caches the block
// was served from, or -1 if it came straight from objectArena.
type header struct {
	base  uintptr
	len   uint64
	class int64
}

// Init constructs the heap's arena stack. It must be called once, after
// kernel/mem/layout.Init has partitioned the kernel's virtual address space.
func Init() *kernel.Error {
	if initialized {
		return errAlreadyInit
	}

	addrArena = arena.New("heap-addrspace", mem.PageSize)
	addrArena.SetSource(nil, importAddrSpace, releaseAddrSpace)

	pageArena = arena.New("heap-pages", mem.PageSize)
	pageArena.SetSource(nil, importPages, releasePages)

	objectArena = arena.New("heap-objects", objectQuantum)
	objectArena.SetSource(pageArena, nil, nil)

	caches = make([]*slab.Cache, len(sizeClasses))
	for i, size := range sizeClasses {
		caches[i] = slab.New("heap-class", size, nil, nil, pageArena, true)
	}

	specialRegion, ok := regionByTypeFn(layout.SpecialHeap)
	if !ok {
		return errNoSpecialHeapRegion
	}
	specialAddrArena = arena.NewWithSpan("heap-special", mem.PageSize, specialRegion.Start, specialRegion.Len())

	initialized = true
	return nil
}

// importAddrSpace reserves a fresh virtual range inside the kernel heap
// region for the page arena to subdivide.
func importAddrSpace(size mem.Size) (uintptr, bool) {
	if size < addressSpaceImportSize {
		size = addressSpaceImportSize
	}
	base, err := findFreeRangeFn(size)
	if err != nil {
		return 0, false
	}
	return base, true
}

// releaseAddrSpace does nothing: layout has no call for returning a range
// handed out by FindFreeRange. By the time it runs, addrArena has already
// removed the span from its own tag list, so addrArena does not hand the
// released range out again.
func releaseAddrSpace(base uintptr, size mem.Size) {}

// importPages reserves a virtual range from addrArena and backs every page
// in it with a freshly allocated, mapped physical frame.
func importPages(size mem.Size) (uintptr, bool) {
	if size < pageImportSize {
		size = pageImportSize
	}
	size = mem.Size((uintptr(size) + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1))

	alloc, err := addrArena.Alloc(size, arena.InstantFit)
	if err != nil {
		return 0, false
	}

	pageCount := uintptr(size) >> mem.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		frame, ferr := allocFrameFn()
		if ferr != nil {
			unwindImportedPages(alloc.Base, i)
			addrArena.Free(alloc)
			return 0, false
		}
		page := vmm.PageFromAddress(alloc.Base + i*uintptr(mem.PageSize))
		if merr := mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); merr != nil {
			var fl pmm.FrameList
			fl.AppendFrame(frame)
			pmm.Deallocate(&fl)
			unwindImportedPages(alloc.Base, i)
			addrArena.Free(alloc)
			return 0, false
		}
	}

	return alloc.Base, true
}

// unwindImportedPages tears down the first n pages of a partially-completed
// importPages call.
func unwindImportedPages(base uintptr, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		page := vmm.PageFromAddress(base + i*uintptr(mem.PageSize))
		frame, err := vmm.Translate(page.Address())
		if err == nil {
			var fl pmm.FrameList
			fl.AppendFrame(pmm.FrameFromAddress(frame))
			pmm.Deallocate(&fl)
		}
		unmapFn(page)
	}
}

// unwindMappedPages unmaps the first n pages of a partially-completed
// MapSpecial call. Unlike unwindImportedPages, it never returns frames to
// the physical allocator since MapSpecial's frames are not pmm-owned.
func unwindMappedPages(base uintptr, n uintptr) {
	for i := uintptr(0); i < n; i++ {
		unmapFn(vmm.PageFromAddress(base + i*uintptr(mem.PageSize)))
	}
}

// releasePages unmaps and frees every page in a span previously produced by
// importPages, then returns the underlying virtual range to addrArena.
func releasePages(base uintptr, size mem.Size) {
	pageCount := uintptr(size) >> mem.PageShift
	var fl pmm.FrameList
	for i := uintptr(0); i < pageCount; i++ {
		page := vmm.PageFromAddress(base + i*uintptr(mem.PageSize))
		if physAddr, err := vmm.Translate(page.Address()); err == nil {
			fl.AppendFrame(pmm.FrameFromAddress(physAddr))
		}
		if err := unmapFn(page); err != nil {
			kfmt.Printf("[heap] unmap failed for page 0x%x: %s\n", page.Address(), err.Message)
		}
	}
	pmm.Deallocate(&fl)
	addrArena.Free(arena.Allocation{Base: base, Len: size})
}

// MapSpecial reserves a range inside the kernel's special-heap region and
// maps it to the physical address range [physAddr, physAddr+size) using the
// supplied page table flags. It is used for device/MMIO mappings that must
// not be backed by the physical frame allocator. The returned virtual
// address must be presented unchanged to UnmapSpecial.
func MapSpecial(physAddr uintptr, size mem.Size, flags vmm.PageTableEntryFlag) (uintptr, *kernel.Error) {
	if !initialized {
		return 0, errNotInit
	}

	pageOffset := physAddr & uintptr(mem.PageSize-1)
	alignedPhys := physAddr &^ uintptr(mem.PageSize-1)
	alignedSize := mem.Size((uintptr(size)+pageOffset+uintptr(mem.PageSize)-1) &^ uintptr(mem.PageSize-1))

	alloc, err := specialAddrArena.Alloc(alignedSize, arena.InstantFit)
	if err != nil {
		return 0, err
	}

	pageCount := uintptr(alignedSize) >> mem.PageShift
	frame := pmm.FrameFromAddress(alignedPhys)
	for i := uintptr(0); i < pageCount; i++ {
		page := vmm.PageFromAddress(alloc.Base + i*uintptr(mem.PageSize))
		if merr := mapFn(page, frame+pmm.Frame(i), flags); merr != nil {
			unwindMappedPages(alloc.Base, i)
			specialAddrArena.Free(alloc)
			return 0, merr
		}
	}

	return alloc.Base + pageOffset, nil
}

// UnmapSpecial tears down a mapping previously established by MapSpecial.
// virtAddr and size must match the values originally used to create it.
func UnmapSpecial(virtAddr uintptr, size mem.Size) {
	pageOffset := virtAddr & uintptr(mem.PageSize-1)
	alignedVirt := virtAddr &^ uintptr(mem.PageSize-1)
	alignedSize := mem.Size((uintptr(size)+pageOffset+uintptr(mem.PageSize)-1) &^ uintptr(mem.PageSize-1))

	pageCount := uintptr(alignedSize) >> mem.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		page := vmm.PageFromAddress(alignedVirt + i*uintptr(mem.PageSize))
		if err := unmapFn(page); err != nil {
			kfmt.Printf("[heap] special unmap failed for page 0x%x: %s\n", page.Address(), err.Message)
		}
	}
	specialAddrArena.Free(arena.Allocation{Base: alignedVirt, Len: alignedSize})
}

// Alloc reserves at least size bytes and returns a pointer to the start of
// the usable block. When size plus the header fits one of sizeClasses, the
// block comes from that class's slab cache; otherwise it comes from the
// object arena. The returned pointer is only
// valid until a matching call to Free.
func Alloc(size mem.Size) (unsafe.Pointer, *kernel.Error) {
	if !initialized {
		return nil, errNotInit
	}
	if size == 0 {
		return nil, errAllocTooSmall
	}

	total := size + mem.Size(headerSize)

	if classIdx, ok := classFor(total); ok {
		base, err := caches[classIdx].Alloc()
		if err != nil {
			return nil, err
		}
		hdr := (*header)(base)
		hdr.base = uintptr(base)
		hdr.len = uint64(sizeClasses[classIdx])
		hdr.class = int64(classIdx)
		return unsafe.Pointer(uintptr(base) + uintptr(headerSize)), nil
	}

	alloc, err := objectArena.Alloc(total, arena.BestFit)
	if err != nil {
		return nil, err
	}

	hdr := (*header)(unsafe.Pointer(alloc.Base))
	hdr.base = alloc.Base
	hdr.len = uint64(alloc.Len)
	hdr.class = -1

	return unsafe.Pointer(alloc.Base + uintptr(headerSize)), nil
}

// classFor returns the index of the smallest size class that fits total
// bytes, or false if total exceeds every configured class.
func classFor(total mem.Size) (int, bool) {
	for i, size := range sizeClasses {
		if size >= total {
			return i, true
		}
	}
	return 0, false
}

// Free releases a block previously returned by Alloc.
func Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	hdrAddr := uintptr(ptr) - uintptr(headerSize)
	hdr := (*header)(unsafe.Pointer(hdrAddr))

	if hdr.class >= 0 {
		caches[hdr.class].Free(unsafe.Pointer(hdr.base))
		return
	}
	objectArena.Free(arena.Allocation{Base: hdr.base, Len: mem.Size(hdr.len)})
}
