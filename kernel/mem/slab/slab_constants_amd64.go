// +build amd64

package slab

import "gopheros/kernel/mem"

const (
	// smallItemThreshold is the largest item size that still qualifies for
	// an on-slab item count computed by packing as many items as possible
	// into a single page. Items larger than this get a small, fixed item
	// count per slab instead so that a single slow-growing cache doesn't
	// tie down an outsized multiple of its backing arena's pages.
	smallItemThreshold = mem.PageSize / 8

	// largeItemCountPerSlab is the number of items packed into a slab for
	// caches whose item size exceeds smallItemThreshold.
	largeItemCountPerSlab = 8
)
