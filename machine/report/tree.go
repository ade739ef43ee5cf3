// Package report renders machine state for people: block trees, state
// diffs, counters and charts.
package report

import (
	"fmt"

	"github.com/colorfulnotion/dynarec/jit/blockindex"
	"github.com/colorfulnotion/dynarec/jit/codecache"
	"github.com/colorfulnotion/dynarec/memory"
	"github.com/colorfulnotion/dynarec/x86"
	"github.com/xlab/treeprint"
)

// BlockTree lists the indexed blocks page by page. With mem set, each block
// also carries the disassembly of its source bytes.
func BlockTree(ix *blockindex.Index, st *codecache.Store, mem *memory.PhysicalMemory) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("code cache: %d blocks on %d pages, arena %d/%d ops, generation %d",
		ix.Len(), ix.Pages(), st.Used(), st.Capacity(), st.Generation()))
	ix.Walk(func(page uint32, ids []codecache.BlockID) {
		branch := tree.AddBranch(fmt.Sprintf("page %05x", page))
		for _, id := range ids {
			b := st.Get(id)
			if mem == nil {
				branch.AddNode(b.String())
				continue
			}
			node := branch.AddBranch(b.String())
			for _, line := range blockSource(mem, b) {
				node.AddNode(line.String())
			}
		}
		for _, id := range ix.Spanning(page) {
			branch.AddNode(fmt.Sprintf("(continues block %d from page %05x)", id, st.Get(id).Page()))
		}
	})
	return tree
}

// blockSource disassembles the bytes a block was built from, as they are in
// memory now.
func blockSource(mem *memory.PhysicalMemory, b *codecache.Block) []x86.DisasmLine {
	buf := make([]byte, b.Bytes)
	n1 := memory.PageSize - int(b.Phys&(memory.PageSize-1))
	if n1 > len(buf) {
		n1 = len(buf)
	}
	mem.ReadBlock(b.Phys, buf[:n1])
	if n1 < len(buf) {
		mem.ReadBlock(b.Phys2, buf[n1:])
	}
	return x86.Disassemble(buf, b.PC, b.Status&x86.StatusOp32 != 0)
}
