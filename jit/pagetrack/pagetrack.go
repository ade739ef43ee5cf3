// Package pagetrack keeps per-physical-page write tracking for compiled code.
//
// Each 4 KiB page is split into 64 granules of 64 bytes. A page records which
// granules hold the source bytes of some block (code present) and which of
// those have been written since the blocks were last validated (dirty).
package pagetrack

import (
	"math/bits"

	"github.com/colorfulnotion/dynarec/log"
)

const (
	PageShift    = 12
	PageSize     = 1 << PageShift
	GranuleShift = 6
	GranuleSize  = 1 << GranuleShift
	Granules     = PageSize / GranuleSize
)

// Page is the tracking record of one physical page.
type Page struct {
	Dirty       uint64
	CodePresent uint64
}

type Stats struct {
	Writes         uint64 // MarkDirty calls
	DirtyingWrites uint64 // writes that hit a granule with code present
}

// Tracker owns the Page records of guest physical memory. Records are created
// the first time a page is fetched from or claimed by a block.
type Tracker struct {
	pages []*Page
	live  int

	Stats Stats
}

// NewTracker tracks numPages physical pages starting at address 0.
func NewTracker(numPages uint32) *Tracker {
	return &Tracker{pages: make([]*Page, numPages)}
}

// GranuleMask returns the granule bits of one page covered by [offset, offset+length).
// offset is relative to the page; the range is clipped at the page end.
func GranuleMask(offset uint32, length int) uint64 {
	if length <= 0 {
		return 0
	}
	offset &= PageSize - 1
	end := uint64(offset) + uint64(length) - 1
	if end >= PageSize {
		end = PageSize - 1
	}
	first := offset >> GranuleShift
	last := uint32(end) >> GranuleShift
	n := last - first + 1
	if n == 64 {
		return ^uint64(0)
	}
	return ((uint64(1) << n) - 1) << first
}

func (t *Tracker) page(page uint32) *Page {
	if page >= uint32(len(t.pages)) {
		return nil
	}
	return t.pages[page]
}

// Touch creates the record for page if it does not exist yet.
func (t *Tracker) Touch(page uint32) {
	if page >= uint32(len(t.pages)) || t.pages[page] != nil {
		return
	}
	t.pages[page] = &Page{}
	t.live++
}

// MarkDirty records a guest write of length bytes at phys. Pages without
// code present return immediately.
func (t *Tracker) MarkDirty(phys uint32, length int) {
	t.Stats.Writes++
	for length > 0 {
		off := phys & (PageSize - 1)
		n := PageSize - int(off)
		if n > length {
			n = length
		}
		if p := t.page(phys >> PageShift); p != nil && p.CodePresent != 0 {
			if m := GranuleMask(off, n) & p.CodePresent; m != 0 {
				p.Dirty |= m
				t.Stats.DirtyingWrites++
			}
		}
		length -= n
		phys += uint32(n)
	}
}

// DirtyMaskFor returns the dirty granules of page.
func (t *Tracker) DirtyMaskFor(page uint32) uint64 {
	if p := t.page(page); p != nil {
		return p.Dirty
	}
	return 0
}

// ClearDirty clears mask from the dirty granules of page.
func (t *Tracker) ClearDirty(page uint32, mask uint64) {
	if p := t.page(page); p != nil {
		p.Dirty &^= mask
	}
}

// SetCodePresent marks granules of page as holding compiled source bytes.
// Dirty bits are left alone: they still belong to older blocks on the page.
func (t *Tracker) SetCodePresent(page uint32, mask uint64) {
	t.Touch(page)
	if p := t.page(page); p != nil {
		p.CodePresent |= mask
	}
}

// CodePresent returns the code-present granules of page.
func (t *Tracker) CodePresent(page uint32) uint64 {
	if p := t.page(page); p != nil {
		return p.CodePresent
	}
	return 0
}

// ClearCodePresent drops the code-present and dirty bits of mask on page.
func (t *Tracker) ClearCodePresent(page uint32, mask uint64) {
	if p := t.page(page); p != nil {
		p.CodePresent &^= mask
		p.Dirty &^= mask
	}
}

// ClearAllCodePresent forgets every claim; used when the whole code cache is flushed.
func (t *Tracker) ClearAllCodePresent() {
	n := 0
	for _, p := range t.pages {
		if p != nil && p.CodePresent != 0 {
			p.CodePresent = 0
			p.Dirty = 0
			n++
		}
	}
	log.Debug(log.CacheMonitoring, "code present cleared", "pages", n)
}

// Pages calls fn for every page that currently has code present, in ascending order.
func (t *Tracker) Pages(fn func(page uint32, p Page)) {
	for i, p := range t.pages {
		if p != nil && p.CodePresent != 0 {
			fn(uint32(i), *p)
		}
	}
}

// Live returns how many page records exist.
func (t *Tracker) Live() int {
	return t.live
}

// Granules returns the number of code-present granules on page.
func (t *Tracker) Granules(page uint32) int {
	return bits.OnesCount64(t.CodePresent(page))
}
