package report

import (
	"io"

	"github.com/colorfulnotion/dynarec/machine"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type counter struct {
	name  string
	value uint64
}

func counters(st machine.Stats) []counter {
	d := st.Dispatch
	return []counter{
		{"cycles", st.Cycles},
		{"instructions", st.Instructions},
		{"interpreted", d.Interpreted},
		{"executed from cache", d.Executed},
		{"blocks run", d.BlocksRun},
		{"early exits", d.EarlyExits},
		{"hash hits", d.HashHits},
		{"tree hits", d.TreeHits},
		{"misses", d.Misses},
		{"marks", d.Marks},
		{"compiles", d.Compiles},
		{"aborts", d.Aborts},
		{"invalidations", d.Invalidations},
		{"flushes", d.Flushes},
		{"flags eliminated", st.Recompiler.FlagsEliminated},
		{"page splits", st.Recompiler.PageSplits},
		{"recompiles", st.Recompiler.Recompiles},
		{"faults", d.Faults},
		{"double faults", d.DoubleFaults},
		{"triple faults", d.TripleFaults},
		{"interrupts", d.Interrupts},
		{"resets", d.Resets},
		{"guest writes", st.Pages.Writes},
		{"dirtying writes", st.Pages.DirtyingWrites},
		{"arena high water", uint64(st.Cache.HighWater)},
	}
}

// PrintStats writes the counters one per line with digits grouped for tag.
func PrintStats(w io.Writer, st machine.Stats, tag language.Tag) error {
	p := message.NewPrinter(tag)
	for _, c := range counters(st) {
		if _, err := p.Fprintf(w, "%-22s %15d\n", c.name, c.value); err != nil {
			return err
		}
	}
	_, err := p.Fprintf(w, "%-22s %15d\n", "live blocks", st.LiveBlocks)
	if err != nil {
		return err
	}
	_, err = p.Fprintf(w, "%-22s %15.1f%%\n", "cache hit rate", HitRate(st)*100)
	return err
}

// HitRate is the share of guest instructions that ran from compiled blocks.
func HitRate(st machine.Stats) float64 {
	if st.Instructions == 0 {
		return 0
	}
	return float64(st.Dispatch.Executed) / float64(st.Instructions)
}
