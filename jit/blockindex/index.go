// Package blockindex finds cached blocks by physical address.
//
// A direct-mapped hash answers the common case in one lookup. Every block is
// also kept in an ordered tree per physical page, keyed by its full identity,
// so blocks that share a hash slot or a start address stay reachable.
package blockindex

import (
	"maps"
	"slices"

	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/emirpasic/gods/trees/redblacktree"
)

type Stats struct {
	HashHits   uint64
	TreeHits   uint64
	Misses     uint64
	Collisions uint64 // inserts that overwrote an occupied hash slot
}

type Index struct {
	hash  []codecache.BlockID
	mask  uint32
	trees map[uint32]*redblacktree.Tree
	spans map[uint32]map[codecache.BlockID]struct{} // second page -> blocks reaching into it
	store *codecache.Store
	n     int

	Stats Stats
}

func identityComparator(a, b interface{}) int {
	return a.(codecache.Identity).Compare(b.(codecache.Identity))
}

// New creates an index with hashSize slots; hashSize must be a power of two.
func New(hashSize int, store *codecache.Store) *Index {
	ix := &Index{
		hash:  make([]codecache.BlockID, hashSize),
		mask:  uint32(hashSize - 1),
		trees: make(map[uint32]*redblacktree.Tree),
		spans: make(map[uint32]map[codecache.BlockID]struct{}),
		store: store,
	}
	ix.clearHash()
	return ix
}

func (ix *Index) clearHash() {
	for i := range ix.hash {
		ix.hash[i] = codecache.NoBlock
	}
}

// Slot returns the hash slot of phys.
func (ix *Index) Slot(phys uint32) uint32 {
	return phys & ix.mask
}

// LookupHash returns the block last inserted at phys's slot. The caller still
// has to compare identities.
func (ix *Index) LookupHash(phys uint32) (codecache.BlockID, bool) {
	id := ix.hash[phys&ix.mask]
	if id == codecache.NoBlock {
		return id, false
	}
	ix.Stats.HashHits++
	return id, true
}

// LookupTree finds the block with exactly this identity.
func (ix *Index) LookupTree(key codecache.Identity) (codecache.BlockID, bool) {
	tree, ok := ix.trees[key.Phys>>12]
	if !ok {
		ix.Stats.Misses++
		return codecache.NoBlock, false
	}
	v, found := tree.Get(key)
	if !found {
		ix.Stats.Misses++
		return codecache.NoBlock, false
	}
	ix.Stats.TreeHits++
	return v.(codecache.BlockID), true
}

// Promote points phys's hash slot at id, so the next lookup hits directly.
func (ix *Index) Promote(id codecache.BlockID) {
	if b := ix.store.Get(id); b != nil {
		ix.hash[b.Phys&ix.mask] = id
	}
}

// Insert adds block id under its identity. A block already registered with the
// same identity is displaced from the index and returned.
func (ix *Index) Insert(id codecache.BlockID) codecache.BlockID {
	b := ix.store.Get(id)
	page := b.Phys >> 12
	tree, ok := ix.trees[page]
	if !ok {
		tree = redblacktree.NewWith(identityComparator)
		ix.trees[page] = tree
	}
	prev := codecache.NoBlock
	if v, found := tree.Get(b.Identity); found {
		prev = v.(codecache.BlockID)
		ix.unspan(prev)
	} else {
		ix.n++
	}
	tree.Put(b.Identity, id)
	if page2, ok := b.Page2(); ok {
		set, ok := ix.spans[page2]
		if !ok {
			set = make(map[codecache.BlockID]struct{})
			ix.spans[page2] = set
		}
		set[id] = struct{}{}
	}

	slot := b.Phys & ix.mask
	if old := ix.hash[slot]; old != codecache.NoBlock && old != prev {
		ix.Stats.Collisions++
	}
	ix.hash[slot] = id
	return prev
}

// Remove takes block id out of its page tree and its hash slot.
func (ix *Index) Remove(id codecache.BlockID) {
	b := ix.store.Get(id)
	if b == nil {
		return
	}
	if tree, ok := ix.trees[b.Phys>>12]; ok {
		if v, found := tree.Get(b.Identity); found && v.(codecache.BlockID) == id {
			tree.Remove(b.Identity)
			ix.n--
		}
		if tree.Empty() {
			delete(ix.trees, b.Phys>>12)
		}
	}
	if slot := b.Phys & ix.mask; ix.hash[slot] == id {
		ix.hash[slot] = codecache.NoBlock
	}
	ix.unspan(id)
}

func (ix *Index) unspan(id codecache.BlockID) {
	b := ix.store.Get(id)
	if b == nil {
		return
	}
	page2, ok := b.Page2()
	if !ok {
		return
	}
	if set, ok := ix.spans[page2]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(ix.spans, page2)
		}
	}
}

// Spanning returns the blocks that start on another page and continue onto page.
func (ix *Index) Spanning(page uint32) []codecache.BlockID {
	set := ix.spans[page]
	if len(set) == 0 {
		return nil
	}
	ids := make([]codecache.BlockID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RemovePage drops every block that starts on page and returns them.
func (ix *Index) RemovePage(page uint32) []codecache.BlockID {
	tree, ok := ix.trees[page]
	if !ok {
		return nil
	}
	ids := make([]codecache.BlockID, 0, tree.Size())
	for _, v := range tree.Values() {
		id := v.(codecache.BlockID)
		ids = append(ids, id)
		if b := ix.store.Get(id); b != nil {
			if slot := b.Phys & ix.mask; ix.hash[slot] == id {
				ix.hash[slot] = codecache.NoBlock
			}
		}
		ix.unspan(id)
	}
	ix.n -= len(ids)
	delete(ix.trees, page)
	return ids
}

// Blocks returns the blocks starting on page in identity order.
func (ix *Index) Blocks(page uint32) []codecache.BlockID {
	tree, ok := ix.trees[page]
	if !ok {
		return nil
	}
	ids := make([]codecache.BlockID, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		ids = append(ids, it.Value().(codecache.BlockID))
	}
	return ids
}

// Clear drops every entry. The store calls it on flush.
func (ix *Index) Clear() {
	ix.clearHash()
	ix.trees = make(map[uint32]*redblacktree.Tree)
	ix.spans = make(map[uint32]map[codecache.BlockID]struct{})
	ix.n = 0
}

// Walk calls fn for each page holding blocks, in ascending page order.
func (ix *Index) Walk(fn func(page uint32, ids []codecache.BlockID)) {
	for _, page := range slices.Sorted(maps.Keys(ix.trees)) {
		fn(page, ix.Blocks(page))
	}
}

// Len returns the number of indexed blocks.
func (ix *Index) Len() int {
	return ix.n
}

// Pages returns the number of pages with at least one block.
func (ix *Index) Pages() int {
	return len(ix.trees)
}
