package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asokraju/nanoGPT/moe/telemetry"
)

func TestWriteReport_HistoryAndSummary(t *testing.T) {
	// GIVEN a full window and a partial post-resume window
	records := []telemetry.LogRecord{
		{RunID: "a", WindowStartStep: 1, WindowEndStep: 10, Tokens: 40, Assignments: 80,
			Counts: []int64{40, 40, 0, 0}, Fractions: []float64{0.5, 0.5, 0, 0}},
		{RunID: "b", WindowStartStep: 28, WindowEndStep: 30, Tokens: 12, Assignments: 24,
			Counts: []int64{6, 6, 6, 6}, Fractions: []float64{0.25, 0.25, 0.25, 0.25}, PartialWindow: true},
	}
	var buf bytes.Buffer

	// WHEN the report is written
	writeReport(&buf, records)

	// THEN it lists both windows, flags and the uncovered steps
	out := buf.String()
	assert.Contains(t, out, "Expert Usage History")
	assert.Contains(t, out, "[0.5000 0.5000 0.0000 0.0000]")
	assert.Contains(t, out, "[partial]")
	assert.Contains(t, out, "full 1, partial 1, extended 0")
	assert.Contains(t, out, "Gap             : steps 11-27 not covered")
	assert.Contains(t, out, "Runs            : 2")
}

func TestReportCmd_ReadsLogFile(t *testing.T) {
	dir := t.TempDir()
	w := telemetry.NewWriter(dir, "rank0")
	require.NoError(t, w.Append(telemetry.LogRecord{RunID: "a", WindowStartStep: 1, WindowEndStep: 10,
		Counts: []int64{1, 1}, Fractions: []float64{0.5, 0.5}, Tokens: 1, Assignments: 2}))

	var buf bytes.Buffer
	reportCmd.SetOut(&buf)
	defer reportCmd.SetOut(nil)
	reportLogFile = filepath.Join(dir, "moe_usage_rank0.jsonl")
	defer func() { reportLogFile = "" }()

	reportCmd.Run(reportCmd, nil)

	assert.Contains(t, buf.String(), "[0.5000 0.5000]")
}
