package orchestrator

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/osmtools/osm2es/internal/pipeline"
)

// Report is the aggregate outcome of one ingestion run, one entry per layer
// in catalog order. It is assembled once and never mutated afterwards.
type Report struct {
	Task     string
	Prefix   string
	Started  time.Time
	Finished time.Time
	Results  []pipeline.Result
}

// Failed reports whether any layer reached the Failed state.
func (r *Report) Failed() bool {
	for _, res := range r.Results {
		if res.State == pipeline.StateFailed {
			return true
		}
	}
	return false
}

// String renders the per-layer summary table.
func (r *Report) String() string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tSTATE\tATTEMPTED\tINDEXED\tSKIPPED\tCOUNT\tDURATION")
	for _, res := range r.Results {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			res.Layer, res.State, res.Attempted, res.Indexed, res.Skipped,
			res.FinalCount, res.Duration.Round(time.Millisecond))
	}
	w.Flush()
	return buf.String()
}
