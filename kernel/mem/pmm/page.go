package pmm

import "sort"

// noLink marks the end of the intrusive free-list chain or an otherwise
// absent page-array index.
const noLink = ^uint32(0)

// Page is the per-frame metadata record maintained for every usable physical
// frame. The next field doubles as the intrusive link used by the frame
// allocator's free list; it holds the page-array index of the next free
// page, or noLink if this page is the tail of the list (or not currently
// free).
type Page struct {
	frame Frame
	next  uint32
}

// Frame returns the physical frame this descriptor tracks.
func (p *Page) Frame() Frame {
	return p.frame
}

// PageRegion describes a contiguous run of usable frames and the slice of
// pages that back them. Regions are immutable once built and are kept
// sorted by startFrame so that a frame-to-page lookup can binary search them.
type PageRegion struct {
	startFrame Frame
	frameCount uint32
	startIndex uint32
}

var (
	// pages holds one descriptor per usable physical frame, indexed by
	// position, not by frame number (frame numbers are not contiguous
	// once reserved/unusable regions are excluded).
	pages []Page

	// pageRegions is sorted by startFrame and partitions exactly the set
	// of usable frames described by pages.
	pageRegions []PageRegion
)

// pageIndex returns the index into pages that holds the descriptor for
// frame, or (0, false) if frame does not belong to any usable region.
func pageIndex(frame Frame) (uint32, bool) {
	i := sort.Search(len(pageRegions), func(i int) bool {
		return pageRegions[i].startFrame+Frame(pageRegions[i].frameCount) > frame
	})

	if i == len(pageRegions) || frame < pageRegions[i].startFrame {
		return 0, false
	}

	return pageRegions[i].startIndex + uint32(frame-pageRegions[i].startFrame), true
}

// PageFor returns the page descriptor that tracks frame. The second return
// value is false if frame does not belong to a usable region (e.g. it is
// reserved or unavailable); callers must not index into the allocator with
// such frames.
func PageFor(frame Frame) (*Page, bool) {
	idx, ok := pageIndex(frame)
	if !ok {
		return nil, false
	}
	return &pages[idx], true
}
