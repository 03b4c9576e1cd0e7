package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/flowsim/flowsim/sim"
)

// Summary holds the descriptive statistics of one measurement series.
// StdDev is the population standard deviation.
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes count, mean, population standard deviation, min and
// max. An empty input yields the zero Summary.
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Summary{
		Count:  len(values),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
}

func (s Summary) cells() []string {
	return []string{strconv.Itoa(s.Count), fmt3(s.Mean), fmt3(s.StdDev), fmt3(s.Min), fmt3(s.Max)}
}

func fmt3(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

// namedSeries is one column of a detailed-measurements table.
type namedSeries struct {
	name   string
	values []float64
}

// WriteStatistics writes the statistics report of a run: summaries per time
// probe, per operator route and per flow probe, then the detailed ragged
// measurement tables.
func WriteStatistics(w io.Writer, r *sim.RunResult) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	topo := r.Topology()

	var timeSeries []namedSeries
	records := [][]string{
		{"Time probe statistics"},
		{"probe", "node", "kind", "count", "mean", "std_dev", "min", "max"},
	}
	for _, tp := range r.Stores.TimeProbes() {
		values := tp.Measurements()
		name := ASCII(tp.Name)
		records = append(records, append([]string{name, ASCII(topo.NodeName(tp.Node)), tp.Kind}, Summarize(values).cells()...))
		timeSeries = append(timeSeries, namedSeries{name: name, values: values})
	}

	var routeSeries []namedSeries
	records = append(records, nil,
		[]string{"Operator route statistics"},
		[]string{"operator", "route", "count", "mean", "std_dev", "min", "max"})
	for _, op := range topo.Operators {
		routes, ok := r.Stores.Routes(op.ID)
		if !ok {
			continue
		}
		opName := ASCII(op.DisplayName())
		for _, route := range routes.Routes() {
			values := routes.Measurements(route)
			records = append(records, append([]string{opName, route}, Summarize(values).cells()...))
			routeSeries = append(routeSeries, namedSeries{name: opName + ":" + route, values: values})
		}
	}

	records = append(records, nil,
		[]string{"Flow probe statistics (buffer)"},
		[]string{"probe", "connection", "count", "mean", "std_dev", "min", "max"})
	for _, p := range r.Probes() {
		ints := p.BufferSeries().Values()
		values := make([]float64, len(ints))
		for i, v := range ints {
			values[i] = float64(v)
		}
		records = append(records, append([]string{ASCII(p.Name), p.Connection}, Summarize(values).cells()...))
	}

	records = append(records, nil, []string{"Detailed measurements"})
	records = append(records, raggedTable(timeSeries)...)
	records = append(records, nil, []string{"Detailed route measurements"})
	records = append(records, raggedTable(routeSeries)...)

	for _, rec := range records {
		if rec == nil {
			rec = []string{""}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// raggedTable lays series out side by side. Shorter series leave trailing
// cells empty.
func raggedTable(series []namedSeries) [][]string {
	header := []string{"measurement_#"}
	longest := 0
	for _, s := range series {
		header = append(header, s.name)
		longest = max(longest, len(s.values))
	}
	out := [][]string{header}
	for i := 0; i < longest; i++ {
		row := make([]string, 0, len(series)+1)
		row = append(row, strconv.Itoa(i+1))
		for _, s := range series {
			cell := ""
			if i < len(s.values) {
				cell = fmt3(s.values[i])
			}
			row = append(row, cell)
		}
		out = append(out, row)
	}
	return out
}
