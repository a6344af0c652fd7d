package telemetry

// StepRange is an inclusive range of training steps.
type StepRange struct {
	Start int64
	End   int64
}

// Summary aggregates a sequence of LogRecords for offline analysis.
type Summary struct {
	Windows         int
	FullWindows     int
	PartialWindows  int
	ExtendedWindows int
	StepsCovered    int64
	TotalTokens     int64
	RunIDs          []string    // in first-seen order
	MeanFractions   []float64   // assignment-weighted over all windows
	Gaps            []StepRange // steps between consecutive windows that no record covers
	Overlaps        []StepRange // steps covered by more than one record
}

// Summarize computes coverage and mean usage from records in file order.
// Safe for nil or empty input (returns zero-value fields).
func Summarize(records []LogRecord) *Summary {
	summary := &Summary{}
	if len(records) == 0 {
		return summary
	}

	numExperts := 0
	for _, r := range records {
		if r.NumExperts() > numExperts {
			numExperts = r.NumExperts()
		}
	}
	counts := make([]int64, numExperts)
	var assignments int64
	seenRuns := make(map[string]bool)

	for i, r := range records {
		summary.Windows++
		switch {
		case r.PartialWindow:
			summary.PartialWindows++
		case r.ExtendedWindow:
			summary.ExtendedWindows++
		default:
			summary.FullWindows++
		}
		summary.StepsCovered += r.Span()
		summary.TotalTokens += r.Tokens
		if !seenRuns[r.RunID] {
			seenRuns[r.RunID] = true
			summary.RunIDs = append(summary.RunIDs, r.RunID)
		}
		for e, c := range r.Counts {
			counts[e] += c
		}
		assignments += r.Assignments

		if i == 0 {
			continue
		}
		prev := records[i-1]
		switch {
		case r.WindowStartStep > prev.WindowEndStep+1:
			summary.Gaps = append(summary.Gaps, StepRange{Start: prev.WindowEndStep + 1, End: r.WindowStartStep - 1})
		case r.WindowStartStep <= prev.WindowEndStep:
			end := prev.WindowEndStep
			if r.WindowEndStep < end {
				end = r.WindowEndStep
			}
			summary.Overlaps = append(summary.Overlaps, StepRange{Start: r.WindowStartStep, End: end})
		}
	}

	summary.MeanFractions = make([]float64, numExperts)
	if assignments > 0 {
		for e, c := range counts {
			summary.MeanFractions[e] = float64(c) / float64(assignments)
		}
	}
	return summary
}
