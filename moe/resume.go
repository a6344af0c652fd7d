package moe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ResumeMarkerFile is the marker's file name inside a checkpoint directory.
const ResumeMarkerFile = "moe_resume.yaml"

// ErrMarkerNotFound is returned by LoadResumeMarker when the checkpoint has no marker.
var ErrMarkerNotFound = errors.New("resume marker not found")

// ResumeMarker is persisted next to a model checkpoint so a restored run knows
// where inside a telemetry window it resumes.
// Invariant: WindowPhaseAtCheckpoint == LastCheckpointStep mod LogInterval.
type ResumeMarker struct {
	LastCheckpointStep      int64 `yaml:"last_checkpoint_step"`
	WindowPhaseAtCheckpoint int64 `yaml:"window_phase_at_checkpoint"`
	LogInterval             int64 `yaml:"log_interval"`
}

// NewResumeMarker builds the marker for a checkpoint saved at step.
// The phase is 0 when telemetry is disabled.
func NewResumeMarker(step, logInterval int64) ResumeMarker {
	m := ResumeMarker{LastCheckpointStep: step, LogInterval: logInterval}
	if logInterval > 0 {
		m.WindowPhaseAtCheckpoint = step % logInterval
	}
	return m
}

// Validate checks the marker's phase invariant.
func (m ResumeMarker) Validate() error {
	if m.LastCheckpointStep < 0 {
		return fmt.Errorf("negative last_checkpoint_step %d", m.LastCheckpointStep)
	}
	want := NewResumeMarker(m.LastCheckpointStep, m.LogInterval).WindowPhaseAtCheckpoint
	if m.WindowPhaseAtCheckpoint != want {
		return fmt.Errorf("window_phase_at_checkpoint %d, want %d for step %d and interval %d",
			m.WindowPhaseAtCheckpoint, want, m.LastCheckpointStep, m.LogInterval)
	}
	return nil
}

// SaveResumeMarker writes the marker into checkpointDir.
// The file is written to a temporary name and renamed so a crash never leaves
// a truncated marker behind.
func SaveResumeMarker(checkpointDir string, m ResumeMarker) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding resume marker: %w", err)
	}
	if err := os.MkdirAll(checkpointDir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	path := filepath.Join(checkpointDir, ResumeMarkerFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing resume marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("installing resume marker: %w", err)
	}
	return nil
}

// LoadResumeMarker reads the marker from checkpointDir.
// A missing file yields an error wrapping ErrMarkerNotFound.
func LoadResumeMarker(checkpointDir string) (*ResumeMarker, error) {
	data, err := os.ReadFile(filepath.Join(checkpointDir, ResumeMarkerFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w in %s", ErrMarkerNotFound, checkpointDir)
	}
	if err != nil {
		return nil, fmt.Errorf("reading resume marker: %w", err)
	}
	var m ResumeMarker
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing resume marker: %w", err)
	}
	return &m, nil
}

// ResumeState is the Aggregator/Reporter starting point after a restore.
type ResumeState struct {
	Window      WindowState // always empty; raw routing counts are not checkpointed
	WindowPhase int64       // steps of the interrupted window that happened before the checkpoint
	WindowStart int64       // first step the next window covers
	Partial     bool        // the first post-resume window is shorter than log_interval
}

// ResumeCoordinator maps a restored checkpoint step onto the telemetry window grid.
type ResumeCoordinator struct {
	numExperts  int
	logInterval int64
	logger      logrus.FieldLogger
}

// NewResumeCoordinator creates a coordinator for the configured window length.
func NewResumeCoordinator(numExperts int, logInterval int64, logger logrus.FieldLogger) *ResumeCoordinator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ResumeCoordinator{numExperts: numExperts, logInterval: logInterval, logger: logger}
}

// OnStartup returns the state a run restored at checkpointStep starts from.
//
// The window always starts empty. A missing, unreadable or inconsistent marker
// degrades to phase 0 with a warning and never fails the restore.
func (c *ResumeCoordinator) OnStartup(checkpointStep int64, marker *ResumeMarker) ResumeState {
	if checkpointStep < 0 {
		c.logger.Warnf("negative checkpoint step %d treated as 0", checkpointStep)
		checkpointStep = 0
	}
	state := ResumeState{
		Window:      NewWindowState(c.numExperts),
		WindowStart: checkpointStep + 1,
	}
	if c.logInterval <= 0 {
		return state
	}

	fields := logrus.Fields{"checkpoint_step": checkpointStep, "log_interval": c.logInterval}
	switch {
	case marker == nil:
		c.logger.WithFields(fields).Warn("moe resume marker missing; starting telemetry with window phase 0")
		return state
	case marker.LastCheckpointStep != checkpointStep:
		c.logger.WithFields(fields).Warnf("moe resume marker is for step %d; starting telemetry with window phase 0",
			marker.LastCheckpointStep)
		return state
	}
	if err := marker.Validate(); err != nil {
		c.logger.WithFields(fields).Warnf("moe resume marker inconsistent (%v); starting telemetry with window phase 0", err)
		return state
	}

	state.WindowPhase = marker.WindowPhaseAtCheckpoint
	if marker.LogInterval != c.logInterval {
		// Interval changed between runs: phase is measured on the new grid.
		c.logger.WithFields(fields).Infof("log_interval changed from %d; recomputing window phase", marker.LogInterval)
		state.WindowPhase = checkpointStep % c.logInterval
	}
	state.Partial = state.WindowPhase != 0
	if state.Partial {
		c.logger.WithFields(fields).Infof("resuming mid-window: first window spans %d of %d steps",
			c.logInterval-state.WindowPhase, c.logInterval)
	}
	return state
}
