package moe

import (
	"errors"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/asokraju/nanoGPT/moe/telemetry"
)

func logtestLogger() *logrus.Logger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

func nan() float64 { return math.NaN() }

// memWriter records appended LogRecords; failNext makes the next append fail.
type memWriter struct {
	records  []telemetry.LogRecord
	failNext int
}

func (w *memWriter) Append(r telemetry.LogRecord) error {
	if w.failNext > 0 {
		w.failNext--
		return errors.New("disk full")
	}
	w.records = append(w.records, r)
	return nil
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
}

// selectionsFor returns n tokens that each select the given experts.
func selectionsFor(n int, experts ...int) []Selection {
	out := make([]Selection, n)
	for i := range out {
		s := make(Selection, len(experts))
		copy(s, experts)
		out[i] = s
	}
	return out
}

// uniformDists returns n uniform distributions over numExperts experts.
func uniformDists(n, numExperts int) []ExpertDistribution {
	out := make([]ExpertDistribution, n)
	for i := range out {
		d := make(ExpertDistribution, numExperts)
		for e := range d {
			d[e] = 1 / float64(numExperts)
		}
		out[i] = d
	}
	return out
}
