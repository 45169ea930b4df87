// Package kmain contains the kernel's Go entry point.
package kmain

import (
	"gopheros/kernel"
	"gopheros/kernel/goruntime"
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/heap"
	"gopheros/kernel/mem/layout"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is invoked by the rt0 assembly stub after the GDT
// has been installed and a minimal g0 has been set up so Go code can run on
// the small stack allocated by the assembly code.
//
// The rt0 code passes the physical address of the multiboot info payload
// supplied by the bootloader along with the physical start/end addresses of
// the loaded kernel image.
//
// Kmain is not expected to return; if it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	vmm.SetFrameAllocator(allocator.AllocFrame)
	if err = vmm.Init(mem.KernelVMA); err != nil {
		kfmt.Panic(err)
	}

	if err = vmm.InitFlushEngine(); err != nil {
		kfmt.Panic(err)
	}

	// The Go allocator is not usable until goruntime.Init returns; nothing
	// between here and there may allocate (directly or via the Go
	// runtime).
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	// Now that make()/new() work, hand the frames the bootstrap allocator
	// never used over to the long-term lock-free allocator.
	if err = allocator.FinalizeFrameAllocator(); err != nil {
		kfmt.Panic(err)
	}

	if err = layout.Init(); err != nil {
		kfmt.Panic(err)
	}

	if err = heap.Init(); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Printf("[kmain] boot complete\n")

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}
