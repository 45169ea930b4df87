// +build amd64

package heap

import "gopheros/kernel/mem"

const (
	// addressSpaceImportSize is the granularity at which the page arena
	// reserves fresh virtual address ranges from the kernel heap's
	// address-space region.
	addressSpaceImportSize mem.Size = 1 << 21 // 2Mb

	// pageImportSize is the granularity at which the object arena imports
	// backed, mapped pages from the page arena.
	pageImportSize mem.Size = 16 * mem.PageSize

	// objectQuantum is the allocation granularity of the object arena.
	objectQuantum mem.Size = 16

	// headerSize is the size in bytes of the allocation header placed
	// immediately before every pointer returned by Alloc.
	headerSize = 24
)

// sizeClasses lists the small block sizes (header included) that get their
// own slab cache, avoiding a boundary-tag scan on the object arena for the
// allocation sizes callers request most often. Must stay sorted ascending.
var sizeClasses = []mem.Size{16, 32, 64, 128, 256, 512, 1024, 2048}
