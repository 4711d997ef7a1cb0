package diagnostics

import (
	"strings"
	"testing"
)

func TestTrackerAccumulatesPerLensCounts(t *testing.T) {
	tr := NewTracker()
	tr.IncEnqueued("golang")
	tr.IncEnqueued("golang")
	tr.IncIndexed("golang")
	tr.IncFailed("rust")

	snap := tr.Snapshot()
	if snap["golang"].Enqueued != 2 || snap["golang"].Indexed != 1 {
		t.Errorf("unexpected golang counts: %+v", snap["golang"])
	}
	if snap["rust"].Failed != 1 {
		t.Errorf("unexpected rust counts: %+v", snap["rust"])
	}
}

func TestTrackerBucketsEmptyLensAsDefault(t *testing.T) {
	tr := NewTracker()
	tr.IncIndexed("")

	snap := tr.Snapshot()
	if snap[defaultLens].Indexed != 1 {
		t.Errorf("expected empty lens to bucket under %q, got %+v", defaultLens, snap)
	}
}

func TestExportCSVWritesHeaderAndSortedRows(t *testing.T) {
	tr := NewTracker()
	tr.IncEnqueued("zeta")
	tr.IncEnqueued("alpha")
	tr.IncIndexed("alpha")

	var buf strings.Builder
	if err := tr.ExportCSV(&buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header + 2 rows, got %d lines: %q", len(lines), buf.String())
	}
	if lines[0] != "lens,enqueued,indexed,failed" {
		t.Errorf("unexpected header: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "alpha,") {
		t.Errorf("expected alpha to sort first, got %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "zeta,") {
		t.Errorf("expected zeta second, got %q", lines[2])
	}
}

func TestExportCSVOnEmptyTrackerWritesOnlyHeader(t *testing.T) {
	tr := NewTracker()
	var buf strings.Builder
	if err := tr.ExportCSV(&buf); err != nil {
		t.Fatalf("ExportCSV: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "lens,enqueued,indexed,failed" {
		t.Errorf("expected only header row, got %q", buf.String())
	}
}
