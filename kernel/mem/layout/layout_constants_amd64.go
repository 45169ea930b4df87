// +build amd64

package layout

import "gopheros/kernel/mem"

// The higher half of the amd64 virtual address space is statically carved up
// into fixed-base regions. Each base leaves enough room for the region above
// it to grow without risking an overlap; actual region lengths are either
// fixed (see below) or computed at Init time from the boot memory map.
const (
	directMapBase uintptr = 0xffff800000000000

	specialHeapBase uintptr = 0xffffa00000000000
	specialHeapLen  mem.Size = 1 << 34 // 16Gb of MMIO-mappable address space

	kernelHeapBase uintptr = 0xffffb00000000000
	kernelHeapLen  mem.Size = 1 << 34 // 16Gb of kernel heap address space

	kernelStacksBase uintptr = 0xffffc00000000000
	kernelStacksLen  mem.Size = 1 << 32 // 4Gb of kernel stack address space

	pagesArrayBase uintptr = 0xffffd00000000000
	pagesArrayLen  mem.Size = 1 << 33 // 8Gb; enough for a Page per frame of a multi-Tb system

	kernelAddressSpaceBase uintptr = 0xffff800000000000

	// kernelAddressSpaceLen spans from kernelAddressSpaceBase up to the
	// last page below the top of the 64-bit address space. The final
	// page is left out of the span so that Start+Len never overflows a
	// uintptr.
	kernelAddressSpaceLen mem.Size = 0x800000000000 - mem.Size(mem.PageSize)
)
