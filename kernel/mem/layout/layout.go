// Package layout partitions the kernel's higher-half virtual address space
// into named regions and answers containment/free-range queries about them.
// The KernelAddressSpace region spans the whole higher half and therefore
// overlaps every other region; the remaining regions do not overlap.
package layout

import (
	"gopheros/kernel"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"sort"
)

// RegionType identifies the purpose of a KernelMemoryRegion.
type RegionType uint8

// nolint
const (
	WriteableSection RegionType = iota
	ReadonlySection
	ExecutableSection
	DebugSection
	DirectMap
	NonCachedDirectMap
	SpecialHeap
	KernelHeap
	KernelStacks
	PagesArray
	KernelAddressSpace
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case WriteableSection:
		return "writeable_section"
	case ReadonlySection:
		return "readonly_section"
	case ExecutableSection:
		return "executable_section"
	case DebugSection:
		return "debug_section"
	case DirectMap:
		return "direct_map"
	case NonCachedDirectMap:
		return "non_cached_direct_map"
	case SpecialHeap:
		return "special_heap"
	case KernelHeap:
		return "kernel_heap"
	case KernelStacks:
		return "kernel_stacks"
	case PagesArray:
		return "pages_array"
	case KernelAddressSpace:
		return "kernel_address_space"
	default:
		return "unknown"
	}
}

// KernelMemoryRegion describes a named, contiguous virtual address range.
type KernelMemoryRegion struct {
	Start uintptr
	End   uintptr
	Type  RegionType
}

// Len returns the size in bytes of the region.
func (r *KernelMemoryRegion) Len() mem.Size {
	return mem.Size(r.End - r.Start)
}

// Contains returns true if addr lies within [Start, End).
func (r *KernelMemoryRegion) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

var (
	// regions is kept sorted by Start once Init returns.
	regions []KernelMemoryRegion

	// visitElfSectionsFn is mocked by tests.
	visitElfSectionsFn = multiboot.VisitElfSections

	errAlreadyInit = &kernel.Error{Module: "layout", Message: "layout already initialized"}
	errNoFreeRange = &kernel.Error{Module: "layout", Message: "no free virtual address range of the requested size"}

	initialized bool
)

// Init walks the kernel's ELF sections and the fixed region bases for this
// architecture and builds the sorted region list. It must be called once,
// after kernel/mem/vmm.Init has established the kernel's own page tables.
func Init() *kernel.Error {
	if initialized {
		return errAlreadyInit
	}

	regions = regions[:0]

	visitElfSectionsFn(func(_ string, flags multiboot.ElfSectionFlag, address uintptr, size uint64) {
		if size == 0 {
			return
		}

		var t RegionType
		switch {
		case flags&multiboot.ElfSectionExecutable != 0:
			t = ExecutableSection
		case flags&multiboot.ElfSectionWritable != 0:
			t = WriteableSection
		default:
			t = ReadonlySection
		}

		regions = append(regions, KernelMemoryRegion{Start: address, End: address + uintptr(size), Type: t})
	})

	// The direct map is sized to the total amount of available memory
	// reported by the frame allocator (1Gb when that total is zero). It is
	// not sized from the highest physical address, so frames at or above
	// that total (e.g. above a hole in the memory map) are not covered.
	directMapLen := uintptr(pmm.GetStats().Total)
	if directMapLen == 0 {
		directMapLen = uintptr(mem.Gb)
	}

	regions = append(regions,
		KernelMemoryRegion{Start: directMapBase, End: directMapBase + directMapLen, Type: DirectMap},
		KernelMemoryRegion{Start: specialHeapBase, End: specialHeapBase + uintptr(specialHeapLen), Type: SpecialHeap},
		KernelMemoryRegion{Start: kernelHeapBase, End: kernelHeapBase + uintptr(kernelHeapLen), Type: KernelHeap},
		KernelMemoryRegion{Start: kernelStacksBase, End: kernelStacksBase + uintptr(kernelStacksLen), Type: KernelStacks},
		KernelMemoryRegion{Start: pagesArrayBase, End: pagesArrayBase + uintptr(pagesArrayLen), Type: PagesArray},
		KernelMemoryRegion{Start: kernelAddressSpaceBase, End: kernelAddressSpaceBase + uintptr(kernelAddressSpaceLen), Type: KernelAddressSpace},
	)

	sort.Slice(regions, func(i, j int) bool { return regions[i].Start < regions[j].Start })

	initialized = true
	return nil
}

// RegionByType returns the region with the given type, if one was
// registered by Init.
func RegionByType(t RegionType) (KernelMemoryRegion, bool) {
	for i := range regions {
		if regions[i].Type == t {
			return regions[i], true
		}
	}
	return KernelMemoryRegion{}, false
}

// ContainingAddress returns the region that contains addr, if any.
func ContainingAddress(addr uintptr) (*KernelMemoryRegion, bool) {
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End > addr })
	if i == len(regions) || addr < regions[i].Start {
		return nil, false
	}
	return &regions[i], true
}

// FindFreeRange scans the gaps between registered regions inside
// kernelAddressSpace for a free span of at least size bytes and returns its
// start address.
func FindFreeRange(size mem.Size) (uintptr, *kernel.Error) {
	needed := uintptr(size)
	cursor := kernelAddressSpaceBase
	limit := kernelAddressSpaceBase + uintptr(kernelAddressSpaceLen)

	for i := range regions {
		r := &regions[i]
		if r.Type == KernelAddressSpace || r.End <= cursor {
			continue
		}

		if r.Start > cursor && r.Start-cursor >= needed {
			return cursor, nil
		}

		if r.End > cursor {
			cursor = r.End
		}
	}

	if limit > cursor && limit-cursor >= needed {
		return cursor, nil
	}

	return 0, errNoFreeRange
}
