package machine

import (
	"github.com/colorfulnotion/dynarec/jit/blockindex"
	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/colorfulnotion/dynarec/jit/dispatcher"
	"github.com/colorfulnotion/dynarec/jit/pagetrack"
	"github.com/colorfulnotion/dynarec/jit/recompiler"
)

// Stats is a snapshot of every counter in the machine.
type Stats struct {
	Cycles        uint64           `json:"cycles"`
	Instructions  uint64           `json:"instructions"`
	LiveBlocks    int              `json:"live_blocks"`
	IndexedBlocks int              `json:"indexed_blocks"`
	CodePages     int              `json:"code_pages"`
	ArenaUsed     uint32           `json:"arena_used"`
	ArenaCapacity int              `json:"arena_capacity"`
	Dispatch      dispatcher.Stats `json:"dispatch"`
	Recompiler    recompiler.Stats `json:"recompiler"`
	Cache         codecache.Stats  `json:"cache"`
	Index         blockindex.Stats `json:"index"`
	Pages         pagetrack.Stats  `json:"pages"`
}

func (m *Machine) Stats() Stats {
	return Stats{
		Cycles:        m.CPU.Cycles,
		Instructions:  m.CPU.Instructions,
		LiveBlocks:    m.Store.Live(),
		IndexedBlocks: m.Index.Len(),
		CodePages:     m.Tracker.Live(),
		ArenaUsed:     m.Store.Used(),
		ArenaCapacity: m.Store.Capacity(),
		Dispatch:      m.Dispatcher.Stats,
		Recompiler:    m.Recompiler.Stats,
		Cache:         m.Store.Stats,
		Index:         m.Index.Stats,
		Pages:         m.Tracker.Stats,
	}
}
