package layout

import (
	"gopheros/kernel/hal/multiboot"
	"gopheros/kernel/mem"
	"testing"
)

func resetLayoutState() {
	regions = nil
	initialized = false
}

func TestInitBuildsSortedRegionsAndRejectsDoubleInit(t *testing.T) {
	defer resetLayoutState()
	resetLayoutState()

	savedVisitor := visitElfSectionsFn
	visitElfSectionsFn = func(visitor multiboot.ElfSectionVisitor) {
		visitor(".text", multiboot.ElfSectionExecutable, 0xffffffff80100000, 0x1000)
		visitor(".data", multiboot.ElfSectionWritable, 0xffffffff80200000, 0x1000)
		visitor(".rodata", 0, 0xffffffff80300000, 0x1000)
	}
	defer func() { visitElfSectionsFn = savedVisitor }()

	if err := Init(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := Init(); err == nil {
		t.Fatal("expected a second call to Init to fail")
	}

	for i := 1; i < len(regions); i++ {
		if regions[i-1].Start > regions[i].Start {
			t.Fatalf("regions not sorted by Start: %v", regions)
		}
	}

	if _, ok := RegionByType(KernelHeap); !ok {
		t.Fatal("expected a KernelHeap region to be present")
	}
	if _, ok := RegionByType(DirectMap); !ok {
		t.Fatal("expected a DirectMap region to be present")
	}
}

func TestContainingAddress(t *testing.T) {
	defer resetLayoutState()
	resetLayoutState()

	regions = []KernelMemoryRegion{
		{Start: 0x1000, End: 0x2000, Type: ExecutableSection},
		{Start: 0x5000, End: 0x6000, Type: WriteableSection},
	}

	if r, ok := ContainingAddress(0x1500); !ok || r.Type != ExecutableSection {
		t.Fatalf("expected 0x1500 to fall within the executable section; got (%v, %v)", r, ok)
	}
	if _, ok := ContainingAddress(0x3000); ok {
		t.Fatal("expected 0x3000 (gap) to not belong to any region")
	}
	if _, ok := ContainingAddress(0x7000); ok {
		t.Fatal("expected 0x7000 (past last region) to not belong to any region")
	}
}

func TestFindFreeRange(t *testing.T) {
	defer resetLayoutState()
	resetLayoutState()

	regions = []KernelMemoryRegion{
		{Start: kernelAddressSpaceBase, End: kernelAddressSpaceBase + 0x1000, Type: DirectMap},
		{Start: kernelAddressSpaceBase + 0x3000, End: kernelAddressSpaceBase + 0x4000, Type: KernelHeap},
	}

	addr, err := FindFreeRange(mem.Size(0x1000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != kernelAddressSpaceBase+0x1000 {
		t.Fatalf("expected free range to start at the gap; got 0x%x", addr)
	}

	if _, err := FindFreeRange(mem.Size(1) << 48); err == nil {
		t.Fatal("expected an oversized request to fail")
	}
}
