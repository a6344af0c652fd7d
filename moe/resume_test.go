package moe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResumeMarker_PhaseIsStepModInterval(t *testing.T) {
	tests := []struct {
		step, interval, wantPhase int64
	}{
		{27, 10, 7},
		{30, 10, 0},
		{0, 10, 0},
		{5, 0, 0},
		{5, -1, 0},
	}
	for _, tt := range tests {
		m := NewResumeMarker(tt.step, tt.interval)
		assert.Equal(t, tt.wantPhase, m.WindowPhaseAtCheckpoint, "step=%d interval=%d", tt.step, tt.interval)
		assert.NoError(t, m.Validate())
	}
}

func TestResumeMarker_Validate_InconsistentPhase(t *testing.T) {
	m := ResumeMarker{LastCheckpointStep: 27, WindowPhaseAtCheckpoint: 3, LogInterval: 10}
	assert.Error(t, m.Validate())
}

func TestSaveResumeMarker_LoadReturnsSameMarker(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoint-27")
	want := NewResumeMarker(27, 10)

	require.NoError(t, SaveResumeMarker(dir, want))
	got, err := LoadResumeMarker(dir)

	require.NoError(t, err)
	assert.Equal(t, want, *got)
	_, err = os.Stat(filepath.Join(dir, ResumeMarkerFile+".tmp"))
	assert.True(t, os.IsNotExist(err), "temporary marker file must not remain")
}

func TestLoadResumeMarker_Missing(t *testing.T) {
	_, err := LoadResumeMarker(t.TempDir())
	assert.ErrorIs(t, err, ErrMarkerNotFound)
}

func TestLoadResumeMarker_Corrupt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ResumeMarkerFile), []byte("last_checkpoint_step: [oops"), 0o644))

	_, err := LoadResumeMarker(dir)

	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMarkerNotFound)
}

func TestResumeCoordinator_OnStartup(t *testing.T) {
	valid27 := NewResumeMarker(27, 10)
	valid30 := NewResumeMarker(30, 10)
	otherStep := NewResumeMarker(20, 10)
	badPhase := ResumeMarker{LastCheckpointStep: 27, WindowPhaseAtCheckpoint: 2, LogInterval: 10}
	oldInterval := NewResumeMarker(27, 4)

	tests := []struct {
		name        string
		step        int64
		marker      *ResumeMarker
		wantPhase   int64
		wantPartial bool
		wantWarn    bool
	}{
		{"mid-window", 27, &valid27, 7, true, false},
		{"on boundary", 30, &valid30, 0, false, false},
		{"missing marker", 27, nil, 0, false, true},
		{"marker for another step", 27, &otherStep, 0, false, true},
		{"inconsistent phase", 27, &badPhase, 0, false, true},
		{"interval changed", 27, &oldInterval, 7, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := logtest.NewNullLogger()
			coord := NewResumeCoordinator(4, 10, logger)

			state := coord.OnStartup(tt.step, tt.marker)

			assert.Equal(t, tt.wantPhase, state.WindowPhase)
			assert.Equal(t, tt.wantPartial, state.Partial)
			assert.Equal(t, tt.step+1, state.WindowStart)
			assert.True(t, state.Window.IsEmpty())
			assert.Len(t, state.Window.Counts, 4)

			warned := false
			for _, e := range hook.AllEntries() {
				if e.Level == logrus.WarnLevel {
					warned = true
				}
			}
			assert.Equal(t, tt.wantWarn, warned)
		})
	}
}

func TestResumeCoordinator_TelemetryDisabled(t *testing.T) {
	coord := NewResumeCoordinator(2, 0, logrus.New())

	state := coord.OnStartup(27, nil)

	assert.Equal(t, int64(0), state.WindowPhase)
	assert.False(t, state.Partial)
	assert.Equal(t, int64(28), state.WindowStart)
}

func TestResumeCoordinator_NegativeStep_TreatedAsZero(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	coord := NewResumeCoordinator(2, 10, logger)

	state := coord.OnStartup(-3, nil)

	assert.Equal(t, int64(1), state.WindowStart)
	assert.NotEmpty(t, hook.AllEntries())
}
