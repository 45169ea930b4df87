package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// MapRange establishes a mapping for each of frames starting at base,
// one page per frame. If an error occurs partway through, already-installed
// mappings are left in place for the caller to unwind via UnmapRange.
func MapRange(base uintptr, frames []pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	for i, frame := range frames {
		page := PageFromAddress(base + uintptr(i)*uintptr(mem.PageSize))
		if err := Map(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRange removes the mappings for pageCount consecutive pages starting
// at base.
func UnmapRange(base uintptr, pageCount uintptr) *kernel.Error {
	for i := uintptr(0); i < pageCount; i++ {
		if err := Unmap(PageFromAddress(base + i*uintptr(mem.PageSize))); err != nil {
			return err
		}
	}
	return nil
}

// Protect updates the page table entry flags for pageCount consecutive pages
// starting at base, preserving their existing frame mappings, and issues a
// single batched TLB shootdown for the whole range once every entry has been
// updated.
func Protect(base uintptr, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	for i := uintptr(0); i < pageCount; i++ {
		addr := base + i*uintptr(mem.PageSize)
		pte, err := pteForAddress(addr)
		if err != nil {
			return err
		}

		frame := pte.Frame()
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(flags)
	}

	FlushRange(base, pageCount)
	return nil
}
