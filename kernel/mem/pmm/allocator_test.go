package pmm

import (
	"gopheros/kernel/hal/multiboot"
	"testing"
	"unsafe"
)

// resetAllocatorState clears the package-level allocator/page-table state so
// tests can run against a fresh instance.
func resetAllocatorState() {
	pages = nil
	pageRegions = nil
	freeListHead = noLink
	freeBytes = 0
	totalBytes, reservedBytes, reclaimableBytes = 0, 0, 0
	initialized = false
}

func TestFreeListLIFOReuse(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	pageRegions = []PageRegion{{startFrame: 0, frameCount: 3, startIndex: 0}}
	pages = []Page{
		{frame: 0, next: noLink},
		{frame: 1, next: noLink},
		{frame: 2, next: noLink},
	}

	var fl FrameList
	for f := Frame(0); f < 3; f++ {
		if !fl.AppendFrame(f) {
			t.Fatalf("AppendFrame(%d) failed", f)
		}
	}
	Deallocate(&fl)

	var got []Frame
	for i := 0; i < 3; i++ {
		f, err := Allocate()
		if err != nil {
			t.Fatalf("unexpected error allocating frame %d: %v", i, err)
		}
		got = append(got, f)
	}

	// Deallocate splices the whole list onto the free-list head in one
	// step, so frames come back in the order they were appended.
	exp := []Frame{0, 1, 2}
	for i, f := range exp {
		if got[i] != f {
			t.Errorf("frame %d: expected %d; got %d", i, f, got[i])
		}
	}

	if _, err := Allocate(); err == nil {
		t.Fatal("expected FramesExhausted error on an empty free list")
	}

	// deallocate(F1) -> allocate() must return exactly F1 on an otherwise
	// quiescent allocator.
	var one FrameList
	one.AppendFrame(1)
	Deallocate(&one)

	if f, err := Allocate(); err != nil || f != 1 {
		t.Fatalf("expected reused frame 1; got (%d, %v)", f, err)
	}
}

func TestAllocateDisjointFromFreeList(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	pageRegions = []PageRegion{{startFrame: 10, frameCount: 2, startIndex: 0}}
	pages = []Page{
		{frame: 10, next: noLink},
		{frame: 11, next: noLink},
	}

	var fl FrameList
	fl.AppendFrame(10)
	fl.AppendFrame(11)
	Deallocate(&fl)

	first, err := Allocate()
	if err != nil {
		t.Fatal(err)
	}
	second, err := Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if first == second {
		t.Fatalf("expected disjoint frames; got %d twice", first)
	}

	if _, err := Allocate(); err == nil {
		t.Fatal("expected FramesExhausted once both frames are out")
	}
}

func TestPageForRegionLookup(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	pageRegions = []PageRegion{
		{startFrame: 0, frameCount: 4, startIndex: 0},
		{startFrame: 100, frameCount: 4, startIndex: 4},
	}
	pages = make([]Page, 8)
	for i := range pages {
		pages[i].next = noLink
	}
	pages[0].frame, pages[1].frame, pages[2].frame, pages[3].frame = 0, 1, 2, 3
	pages[4].frame, pages[5].frame, pages[6].frame, pages[7].frame = 100, 101, 102, 103

	if p, ok := PageFor(2); !ok || p.Frame() != 2 {
		t.Fatalf("expected to find frame 2 in first region; got (%v, %v)", p, ok)
	}
	if p, ok := PageFor(102); !ok || p.Frame() != 102 {
		t.Fatalf("expected to find frame 102 in second region; got (%v, %v)", p, ok)
	}
	if _, ok := PageFor(50); ok {
		t.Fatal("expected frame 50 (in the gap between regions) to be absent")
	}
	if _, ok := PageFor(200); ok {
		t.Fatal("expected frame 200 (past the last region) to be absent")
	}
}

func TestInitBuildsRegionsAndHonorsConsumed(t *testing.T) {
	defer resetAllocatorState()
	resetAllocatorState()

	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&initTestMemoryMap[0])))

	// Mark the first frame of the single available region (frame 1; the
	// region is [0x1000, 0x100000)) as already consumed by an upstream
	// bootstrap allocator.
	consumedFrames := map[Frame]bool{1: true}

	if err := Init(func(f Frame) bool { return consumedFrames[f] }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := Init(nil); err == nil {
		t.Fatal("expected a second call to Init to fail")
	}

	if GetStats().Total == 0 {
		t.Fatal("expected a non-zero total byte count")
	}

	if _, ok := PageFor(1); !ok {
		t.Fatal("expected frame 1 to belong to the usable region")
	}

	// Frame 1 was marked consumed so it must never come back out of the
	// fresh free list.
	for {
		f, err := Allocate()
		if err != nil {
			break
		}
		if f == 1 {
			t.Fatal("frame 1 was marked consumed and must not appear in the free list")
		}
	}
}

// initTestMemoryMap is a multiboot2 info payload containing a single memory
// map tag describing one available region [0x1000, 0x100000).
var initTestMemoryMap = []byte{
	56, 0, 0, 0, 0, 0, 0, 0,
	6, 0, 0, 0, 40, 0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0,
	0, 16, 0, 0, 0, 0, 0, 0, 0, 240, 15, 0, 0, 0, 0, 0,
	1, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0,
}
