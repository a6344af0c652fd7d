package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asokraju/nanoGPT/moe"
	"github.com/asokraju/nanoGPT/moe/telemetry"
)

// newRun builds diagnostics and a trainer sharing a seed, log dir and output dir.
func newRun(t *testing.T, logDir, outDir string, tc TrainerConfig) (*Trainer, *moe.Diagnostics) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()

	cfg := moe.DefaultConfig()
	cfg.ModelWidth = 8
	cfg.LogInterval = 10
	cfg.LogDir = logDir

	rng := moe.NewPartitionedRNG(cfg.Seed)
	gate, err := moe.NewGate(cfg, rng.ForSubsystem(moe.SubsystemGate))
	require.NoError(t, err)
	diag, err := moe.NewDiagnostics(cfg, gate, moe.Options{Logger: logger})
	require.NoError(t, err)

	tc.OutputDir = outDir
	data := NewSyntheticDataset(rng.ForSubsystem(moe.SubsystemDataset), cfg.ModelWidth, tc.BatchSize, tc.BlockSize)
	trainer, err := NewTrainer(tc, data, diag, logger)
	require.NoError(t, err)
	return trainer, diag
}

func TestTrainer_Run_WritesWindowsAndCheckpoints(t *testing.T) {
	// GIVEN 25 steps, checkpoints every 10, flushes every 10
	logDir, outDir := t.TempDir(), t.TempDir()
	trainer, diag := newRun(t, logDir, outDir, TrainerConfig{NumSteps: 25, BatchSize: 2, BlockSize: 4, SaveSteps: 10})

	// WHEN the run completes
	res, err := trainer.Run(context.Background())

	// THEN windows 1-10, 11-20 and the trailing 21-25 are in the log
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.FinalStep)
	assert.Equal(t, []string{CheckpointDir(outDir, 10), CheckpointDir(outDir, 20)}, res.Checkpoints)
	assert.GreaterOrEqual(t, res.MeanLoss, 0.0)

	records, err := telemetry.ReadLog(telemetry.LogPath(logDir, ""))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, int64(80), records[0].Tokens, "10 steps x 2 x 4 tokens")
	assert.True(t, records[2].PartialWindow)
	assert.Equal(t, int64(21), records[2].WindowStartStep)
	assert.Equal(t, int64(25), records[2].WindowEndStep)
	assert.Equal(t, 3, diag.Reporter().Flushes())

	marker, err := moe.LoadResumeMarker(CheckpointDir(outDir, 20))
	require.NoError(t, err)
	assert.Equal(t, moe.NewResumeMarker(20, 10), *marker)
}

func TestTrainer_ResumeFromCheckpoint_NoDoubleCounting(t *testing.T) {
	// GIVEN a run stopped at step 27 with a checkpoint there
	logDir, outDir := t.TempDir(), t.TempDir()
	first, _ := newRun(t, logDir, outDir, TrainerConfig{NumSteps: 27, BatchSize: 1, BlockSize: 4, SaveSteps: 27})
	_, err := first.Run(context.Background())
	require.NoError(t, err)

	// WHEN a second process resumes from checkpoint-27 and trains to step 40
	second, _ := newRun(t, logDir, outDir, TrainerConfig{
		NumSteps: 40, BatchSize: 1, BlockSize: 4, SaveSteps: 0,
		ResumeFromCheckpoint: CheckpointDir(outDir, 27),
	})
	res, err := second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(27), res.StartStep)

	// THEN the shared log covers steps 1-40 exactly once
	records, err := telemetry.ReadLog(telemetry.LogPath(logDir, ""))
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, [2]int64{28, 30}, [2]int64{records[3].WindowStartStep, records[3].WindowEndStep})
	assert.True(t, records[3].PartialWindow)
	assert.Equal(t, [2]int64{31, 40}, [2]int64{records[4].WindowStartStep, records[4].WindowEndStep})
	assert.False(t, records[4].PartialWindow)

	summary := telemetry.Summarize(records)
	assert.Equal(t, int64(40), summary.StepsCovered)
	assert.Empty(t, summary.Gaps)
	assert.Empty(t, summary.Overlaps)
	assert.Len(t, summary.RunIDs, 2)
}

func TestTrainer_ResumeWithoutMarker_StillRuns(t *testing.T) {
	logDir, outDir := t.TempDir(), t.TempDir()
	ckpt := CheckpointDir(outDir, 27)
	require.NoError(t, os.MkdirAll(ckpt, 0o755))

	trainer, _ := newRun(t, logDir, outDir, TrainerConfig{
		NumSteps: 30, BatchSize: 1, BlockSize: 2, ResumeFromCheckpoint: ckpt,
	})
	res, err := trainer.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(30), res.FinalStep)
	records, err := telemetry.ReadLog(telemetry.LogPath(logDir, ""))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].PartialWindow)
}

func TestTrainer_Run_CancelledContext_FlushesAndStops(t *testing.T) {
	logDir, outDir := t.TempDir(), t.TempDir()
	trainer, _ := newRun(t, logDir, outDir, TrainerConfig{NumSteps: 100, BatchSize: 1, BlockSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := trainer.Run(ctx)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), res.FinalStep)
	_, statErr := os.Stat(telemetry.LogPath(logDir, ""))
	assert.True(t, os.IsNotExist(statErr), "no steps ran, nothing to flush")
}

func TestParseCheckpointStep(t *testing.T) {
	tests := []struct {
		path    string
		want    int64
		wantErr bool
	}{
		{"results/checkpoint-500", 500, false},
		{`results\checkpoint-500`, 500, false},
		{"checkpoint-0/", 0, false},
		{filepath.Join("a", "b", "checkpoint-27"), 27, false},
		{"results/ckpt-5", 0, true},
		{"results/checkpoint-x", 0, true},
		{"results/checkpoint--3", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCheckpointStep(tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.path)
			continue
		}
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestTrainerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultTrainerConfig().Validate())

	bad := DefaultTrainerConfig()
	bad.BatchSize = 0
	assert.Error(t, bad.Validate())

	bad = DefaultTrainerConfig()
	bad.OutputDir = ""
	assert.Error(t, bad.Validate())
}

func TestSyntheticDataset_BatchDependsOnlyOnStep(t *testing.T) {
	a := NewSyntheticDataset(moe.NewPartitionedRNG(5).ForSubsystem(moe.SubsystemDataset), 3, 2, 4)
	b := NewSyntheticDataset(moe.NewPartitionedRNG(5).ForSubsystem(moe.SubsystemDataset), 3, 2, 4)

	_ = a.Batch(1)
	got := a.Batch(7)

	assert.Equal(t, b.Batch(7), got)
	assert.Len(t, got, 8)
	assert.Len(t, got[0], 3)
	assert.Equal(t, 8, a.TokensPerStep())
	assert.NotEqual(t, a.Batch(7), a.Batch(8))
}
