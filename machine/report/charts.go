package report

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/dynarec/machine"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Sample is one point of a run's history, taken every few million cycles.
type Sample struct {
	Cycles        uint64
	Executed      uint64
	Interpreted   uint64
	Compiles      uint64
	Invalidations uint64
	LiveBlocks    int
}

func SampleOf(st machine.Stats) Sample {
	return Sample{
		Cycles:        st.Cycles,
		Executed:      st.Dispatch.Executed,
		Interpreted:   st.Dispatch.Interpreted,
		Compiles:      st.Dispatch.Compiles,
		Invalidations: st.Dispatch.Invalidations,
		LiveBlocks:    st.LiveBlocks,
	}
}

func counterChart(st machine.Stats) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Dispatcher counters", Subtitle: fmt.Sprintf("%d cycles", st.Cycles)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	var names []string
	var data []opts.BarData
	for _, c := range counters(st) {
		if c.name == "cycles" || c.name == "instructions" {
			continue
		}
		names = append(names, c.name)
		data = append(data, opts.BarData{Value: c.value})
	}
	bar.SetXAxis(names).AddSeries("count", data)
	return bar
}

func historyChart(samples []Sample) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Cache behaviour over time"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	x := make([]string, len(samples))
	executed := make([]opts.LineData, len(samples))
	interpreted := make([]opts.LineData, len(samples))
	compiles := make([]opts.LineData, len(samples))
	invalidations := make([]opts.LineData, len(samples))
	live := make([]opts.LineData, len(samples))
	for i, s := range samples {
		x[i] = fmt.Sprintf("%d", s.Cycles)
		executed[i] = opts.LineData{Value: s.Executed}
		interpreted[i] = opts.LineData{Value: s.Interpreted}
		compiles[i] = opts.LineData{Value: s.Compiles}
		invalidations[i] = opts.LineData{Value: s.Invalidations}
		live[i] = opts.LineData{Value: s.LiveBlocks}
	}
	line.SetXAxis(x).
		AddSeries("executed", executed).
		AddSeries("interpreted", interpreted).
		AddSeries("compiles", compiles).
		AddSeries("invalidations", invalidations).
		AddSeries("live blocks", live)
	return line
}

// WriteCharts renders the final counters, and the history when there is one,
// as a standalone HTML page.
func WriteCharts(w io.Writer, st machine.Stats, samples []Sample) error {
	page := components.NewPage()
	page.AddCharts(counterChart(st))
	if len(samples) > 1 {
		page.AddCharts(historyChart(samples))
	}
	return page.Render(w)
}
