package memory

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/log"
)

// Access describes the kind of guest access being translated.
type Access uint8

const (
	AccessRead  Access = 0
	AccessWrite Access = 1 << 0
	AccessExec  Access = 1 << 1
	AccessUser  Access = 1 << 2 // CPL 3
)

// Bits in page directory and page table entries.
const (
	ptePresent  = 0x001
	pteWritable = 0x002
	pteUser     = 0x004
	pteAccessed = 0x020
	pteDirty    = 0x040
	pdeSuper    = 0x080
)

// Control register bits the translator cares about.
const (
	CR0PE  = 1 << 0
	CR0WP  = 1 << 16
	CR0PG  = 1 << 31
	CR4PSE = 1 << 4
)

// Page fault error code bits.
const (
	PFProtection = 1 << 0
	PFWrite      = 1 << 1
	PFUser       = 1 << 2
)

// PageFault is raised when a linear address cannot be translated with the requested access.
type PageFault struct {
	Linear uint32
	Code   uint32
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#08x (code %#x)", f.Linear, f.Code)
}

// FetchObserver learns which physical page instructions are fetched from.
type FetchObserver interface {
	Touch(page uint32)
}

const tlbEntries = 4096

type tlbEntry struct {
	gen   uint32
	tag   uint32 // linear page number
	phys  uint32 // physical page base
	rw    bool
	dirty bool // PTE dirty bit already set, so writes need no walk
	user  bool
}

type TranslatorStats struct {
	Walks   uint64
	Hits    uint64
	Flushes uint64
	Faults  uint64
}

// Translator turns guest linear addresses into physical addresses, walking
// the two-level page tables when paging is on and memoising results in a TLB.
type Translator struct {
	mem      *PhysicalMemory
	observer FetchObserver

	paging bool
	wp     bool
	pse    bool
	cr3    uint32

	gen uint32
	tlb [tlbEntries]tlbEntry

	lastExecPage uint32
	lastExecPhys uint32
	lastExecGen  uint32

	Stats TranslatorStats
}

func NewTranslator(mem *PhysicalMemory) *Translator {
	return &Translator{mem: mem, gen: 1}
}

// SetFetchObserver installs the hook called on every instruction-fetch translation.
func (t *Translator) SetFetchObserver(o FetchObserver) {
	t.observer = o
}

func (t *Translator) Memory() *PhysicalMemory {
	return t.mem
}

// Paging reports whether CR0.PG is in effect.
func (t *Translator) Paging() bool {
	return t.paging
}

// SetControl loads CR0/CR3/CR4; the TLB is flushed if anything that affects translation changed.
func (t *Translator) SetControl(cr0, cr3, cr4 uint32) {
	paging := cr0&CR0PG != 0 && cr0&CR0PE != 0
	wp := cr0&CR0WP != 0
	pse := cr4&CR4PSE != 0
	cr3 &^= PageMask
	if paging == t.paging && wp == t.wp && pse == t.pse && cr3 == t.cr3 {
		return
	}
	t.paging, t.wp, t.pse, t.cr3 = paging, wp, pse, cr3
	t.Flush()
}

// Flush drops every cached translation.
func (t *Translator) Flush() {
	t.gen++
	if t.gen == 0 {
		t.tlb = [tlbEntries]tlbEntry{}
		t.gen = 1
	}
	t.Stats.Flushes++
	log.Trace(log.MmuMonitoring, "tlb flush", "cr3", fmt.Sprintf("%#x", t.cr3), "paging", t.paging)
}

// FlushPage drops the cached translation of one linear page (INVLPG).
func (t *Translator) FlushPage(linear uint32) {
	e := &t.tlb[(linear>>PageShift)%tlbEntries]
	if e.tag == linear>>PageShift {
		e.gen = 0
	}
	if t.lastExecPage == linear>>PageShift {
		t.lastExecGen = 0
	}
}

// IsPageLinear reports whether linear lies in the page memoised by the last instruction fetch.
func (t *Translator) IsPageLinear(linear uint32) bool {
	return t.lastExecGen == t.gen && linear>>PageShift == t.lastExecPage
}

// Translate returns the physical address for linear, or a *PageFault.
func (t *Translator) Translate(linear uint32, acc Access) (uint32, error) {
	if acc&AccessExec != 0 && t.IsPageLinear(linear) {
		return t.lastExecPhys | linear&PageMask, nil
	}
	phys, err := t.translate(linear, acc)
	if err != nil {
		t.Stats.Faults++
		return 0, err
	}
	if acc&AccessExec != 0 {
		t.lastExecPage = linear >> PageShift
		t.lastExecPhys = phys &^ PageMask
		t.lastExecGen = t.gen
		if t.observer != nil {
			t.observer.Touch(phys >> PageShift)
		}
	}
	return phys, nil
}

func (t *Translator) translate(linear uint32, acc Access) (uint32, error) {
	if !t.paging {
		return linear, nil
	}
	e := &t.tlb[(linear>>PageShift)%tlbEntries]
	if e.gen == t.gen && e.tag == linear>>PageShift {
		ok := true
		if acc&AccessUser != 0 && !e.user {
			ok = false
		}
		if acc&AccessWrite != 0 && (!e.dirty || !(e.rw || (!t.wp && acc&AccessUser == 0))) {
			ok = false
		}
		if ok {
			t.Stats.Hits++
			return e.phys | linear&PageMask, nil
		}
	}
	return t.walk(linear, acc)
}

func (t *Translator) pageFault(linear uint32, acc Access, protection bool) error {
	code := uint32(0)
	if protection {
		code |= PFProtection
	}
	if acc&AccessWrite != 0 {
		code |= PFWrite
	}
	if acc&AccessUser != 0 {
		code |= PFUser
	}
	log.Trace(log.MmuMonitoring, "page fault", "linear", fmt.Sprintf("%#08x", linear), "code", code)
	return &PageFault{Linear: linear, Code: code}
}

// walk performs the two-level page walk, updating accessed/dirty bits and the TLB.
func (t *Translator) walk(linear uint32, acc Access) (uint32, error) {
	t.Stats.Walks++
	user := acc&AccessUser != 0
	write := acc&AccessWrite != 0

	pdeAddr := t.cr3 + (linear>>22)*4
	pde := t.mem.Read32(pdeAddr)
	if pde&ptePresent == 0 {
		return 0, t.pageFault(linear, acc, false)
	}

	var pageBase, flags uint32
	var pteAddr uint32
	super := t.pse && pde&pdeSuper != 0
	if super {
		pageBase = pde&0xffc00000 | linear&0x003ff000
		flags = pde
	} else {
		pteAddr = pde&^PageMask + (linear>>PageShift&0x3ff)*4
		pte := t.mem.Read32(pteAddr)
		if pte&ptePresent == 0 {
			return 0, t.pageFault(linear, acc, false)
		}
		pageBase = pte &^ PageMask
		flags = pte & pde
	}

	if user && flags&pteUser == 0 {
		return 0, t.pageFault(linear, acc, true)
	}
	if write && flags&pteWritable == 0 && (user || t.wp) {
		return 0, t.pageFault(linear, acc, true)
	}

	if pde&pteAccessed == 0 || (super && write && pde&pteDirty == 0) {
		upd := pde | pteAccessed
		if super && write {
			upd |= pteDirty
		}
		t.mem.Write32(pdeAddr, upd)
	}
	if !super {
		pte := t.mem.Read32(pteAddr)
		upd := pte | pteAccessed
		if write {
			upd |= pteDirty
		}
		if upd != pte {
			t.mem.Write32(pteAddr, upd)
		}
	}

	e := &t.tlb[(linear>>PageShift)%tlbEntries]
	*e = tlbEntry{
		gen:   t.gen,
		tag:   linear >> PageShift,
		phys:  pageBase,
		rw:    flags&pteWritable != 0,
		user:  flags&pteUser != 0,
		dirty: write,
	}
	return pageBase | linear&PageMask, nil
}

// TranslateNoFault walks the tables without raising a fault and without touching
// accessed/dirty bits or the TLB. ok is false when the page is not present.
func (t *Translator) TranslateNoFault(linear uint32, acc Access) (phys uint32, ok bool) {
	if !t.paging {
		return linear, true
	}
	e := &t.tlb[(linear>>PageShift)%tlbEntries]
	if e.gen == t.gen && e.tag == linear>>PageShift {
		return e.phys | linear&PageMask, true
	}
	pde := t.mem.Read32(t.cr3 + (linear>>22)*4)
	if pde&ptePresent == 0 {
		return 0, false
	}
	if t.pse && pde&pdeSuper != 0 {
		return pde&0xffc00000 | linear&0x003fffff, true
	}
	pte := t.mem.Read32(pde&^PageMask + (linear>>PageShift&0x3ff)*4)
	if pte&ptePresent == 0 {
		return 0, false
	}
	flags := pte & pde
	if acc&AccessUser != 0 && flags&pteUser == 0 {
		return 0, false
	}
	return pte&^PageMask | linear&PageMask, true
}
