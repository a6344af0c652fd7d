package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/asokraju/nanoGPT/moe"
	"github.com/asokraju/nanoGPT/moe/host"
)

var (
	// CLI flags for the run
	configPath string // Run YAML (moe + training sections)
	logLevel   string // Log verbosity level
	seed       int64  // Seed for gate init and synthetic data

	// CLI flags overriding moe config
	numExperts       int     // Number of experts
	numExpertsPerTok int     // Experts selected per token
	moeLoss          bool    // Add the load-balance loss to the objective
	moeLossType      string  // variance_penalty | entropy_regularization | diversity_regularization
	moeLossCoef      float64 // Load-balance loss coefficient
	modelWidth       int     // Hidden state width seen by the gate
	logInterval      int64   // Steps between usage flushes (<= 0 disables)
	logDir           string  // Directory of the usage log
	replica          string  // Replica identity tag

	// CLI flags overriding training config
	numSteps   int64  // Total training steps
	batchSize  int    // Sequences per step
	blockSize  int    // Tokens per sequence
	saveSteps  int64  // Steps between checkpoints
	outputDir  string // Checkpoint root directory
	resumeFrom string // checkpoint-<step> directory to resume from
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "nanogpt-moe",
	Short: "Expert-routing diagnostics for Mixture-of-Experts training",
}

// trainCmd runs the synthetic training loop with routing diagnostics attached
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run a synthetic MoE training loop and record expert usage",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()

		cfg := resolveRunConfig(cmd)
		if err := cfg.MoE.Validate(); err != nil {
			logrus.Fatalf("Invalid moe config: %v", err)
		}
		if err := cfg.Training.Validate(); err != nil {
			logrus.Fatalf("Invalid training config: %v", err)
		}

		logrus.Infof("Starting training: %d experts (top-%d), loss=%v type=%s coef=%g, log_interval=%d, log_dir=%s",
			cfg.MoE.NumExperts, cfg.MoE.NumExpertsPerTok, cfg.MoE.MoELoss, cfg.MoE.MoELossType,
			cfg.MoE.MoELossCoef, cfg.MoE.LogInterval, cfg.MoE.LogDir)

		rng := moe.NewPartitionedRNG(cfg.MoE.Seed)
		gate, err := moe.NewGate(cfg.MoE, rng.ForSubsystem(moe.SubsystemGate))
		if err != nil {
			logrus.Fatalf("Failed to build gate: %v", err)
		}
		diag, err := moe.NewDiagnostics(cfg.MoE, gate, moe.Options{Logger: logrus.StandardLogger()})
		if err != nil {
			logrus.Fatalf("Failed to build diagnostics: %v", err)
		}
		data := host.NewSyntheticDataset(rng.ForSubsystem(moe.SubsystemDataset),
			cfg.MoE.ModelWidth, cfg.Training.BatchSize, cfg.Training.BlockSize)
		trainer, err := host.NewTrainer(cfg.Training, data, diag, logrus.StandardLogger())
		if err != nil {
			logrus.Fatalf("Failed to build trainer: %v", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := trainer.Run(ctx)
		if err != nil {
			logrus.Errorf("Training stopped: %v", err)
		}
		if res != nil {
			logrus.Infof("Training finished at step %d (started at %d), mean load-balance loss %.6f, %d usage records written (%d failed)",
				res.FinalStep, res.StartStep, res.MeanLoss, diag.Reporter().Flushes(), diag.Reporter().Failures())
		}
		if err != nil {
			os.Exit(1)
		}
	},
}

// validateCmd checks a run config without training
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the MoE and training configuration",
	Run: func(cmd *cobra.Command, args []string) {
		setupLogging()
		cfg := resolveRunConfig(cmd)
		if err := cfg.MoE.Validate(); err != nil {
			logrus.Fatalf("Invalid moe config: %v", err)
		}
		if err := cfg.Training.Validate(); err != nil {
			logrus.Fatalf("Invalid training config: %v", err)
		}
		logrus.Info("Configuration is valid.")
	},
}

func setupLogging() {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %s", logLevel)
	}
	logrus.SetLevel(level)
}

// resolveRunConfig loads --config and applies explicitly set flags on top.
func resolveRunConfig(cmd *cobra.Command) RunConfig {
	cfg, err := loadRunConfig(configPath)
	if err != nil {
		logrus.Fatalf("%v", err)
	}
	applyFlagOverrides(cmd, &cfg)
	return cfg
}

func applyFlagOverrides(cmd *cobra.Command, cfg *RunConfig) {
	flags := cmd.Flags()
	if flags.Changed("seed") {
		cfg.MoE.Seed = seed
	}
	if flags.Changed("num-experts") {
		cfg.MoE.NumExperts = numExperts
	}
	if flags.Changed("num-experts-per-tok") {
		cfg.MoE.NumExpertsPerTok = numExpertsPerTok
	}
	if flags.Changed("moe-loss") {
		cfg.MoE.MoELoss = moeLoss
	}
	if flags.Changed("moe-loss-type") {
		cfg.MoE.MoELossType = moe.LossType(moeLossType)
	}
	if flags.Changed("moe-loss-coef") {
		cfg.MoE.MoELossCoef = moeLossCoef
	}
	if flags.Changed("model-width") {
		cfg.MoE.ModelWidth = modelWidth
	}
	if flags.Changed("log-interval") {
		cfg.MoE.LogInterval = logInterval
	}
	if flags.Changed("log-dir") {
		cfg.MoE.LogDir = logDir
	}
	if flags.Changed("replica") {
		cfg.MoE.Replica = replica
	}
	if flags.Changed("num-steps") {
		cfg.Training.NumSteps = numSteps
	}
	if flags.Changed("batch-size") {
		cfg.Training.BatchSize = batchSize
	}
	if flags.Changed("block-size") {
		cfg.Training.BlockSize = blockSize
	}
	if flags.Changed("save-steps") {
		cfg.Training.SaveSteps = saveSteps
	}
	if flags.Changed("output-dir") {
		cfg.Training.OutputDir = outputDir
	}
	if flags.Changed("resume-from") {
		cfg.Training.ResumeFromCheckpoint = resumeFrom
	}
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// registerConfigFlags adds the config flags shared by train and validate.
func registerConfigFlags(cmd *cobra.Command) {
	defaults := DefaultRunConfig()

	cmd.Flags().StringVar(&configPath, "config", "", "Run config YAML with moe and training sections")
	cmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	cmd.Flags().Int64Var(&seed, "seed", defaults.MoE.Seed, "Seed for gate initialization and synthetic data")

	// MoE configs
	cmd.Flags().IntVar(&numExperts, "num-experts", defaults.MoE.NumExperts, "Number of experts")
	cmd.Flags().IntVar(&numExpertsPerTok, "num-experts-per-tok", defaults.MoE.NumExpertsPerTok, "Experts selected per token")
	cmd.Flags().BoolVar(&moeLoss, "moe-loss", defaults.MoE.MoELoss, "Add the load-balance loss to the training objective")
	cmd.Flags().StringVar(&moeLossType, "moe-loss-type", string(defaults.MoE.MoELossType), "Load-balance loss (variance_penalty, entropy_regularization, diversity_regularization)")
	cmd.Flags().Float64Var(&moeLossCoef, "moe-loss-coef", defaults.MoE.MoELossCoef, "Load-balance loss coefficient")
	cmd.Flags().IntVar(&modelWidth, "model-width", defaults.MoE.ModelWidth, "Hidden state width seen by the gate")
	cmd.Flags().Int64Var(&logInterval, "log-interval", defaults.MoE.LogInterval, "Steps between expert usage flushes (<= 0 disables)")
	cmd.Flags().StringVar(&logDir, "log-dir", defaults.MoE.LogDir, "Directory of the expert usage log")
	cmd.Flags().StringVar(&replica, "replica", "", "Replica identity tag for the usage log")

	// Training configs
	cmd.Flags().Int64Var(&numSteps, "num-steps", defaults.Training.NumSteps, "Total training steps")
	cmd.Flags().IntVar(&batchSize, "batch-size", defaults.Training.BatchSize, "Sequences per step")
	cmd.Flags().IntVar(&blockSize, "block-size", defaults.Training.BlockSize, "Tokens per sequence")
	cmd.Flags().Int64Var(&saveSteps, "save-steps", defaults.Training.SaveSteps, "Steps between checkpoints (<= 0 disables)")
	cmd.Flags().StringVar(&outputDir, "output-dir", defaults.Training.OutputDir, "Checkpoint root directory")
	cmd.Flags().StringVar(&resumeFrom, "resume-from", "", "checkpoint-<step> directory to resume from")
}

// init sets up CLI flags and subcommands
func init() {
	registerConfigFlags(trainCmd)
	registerConfigFlags(validateCmd)

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reportCmd)
}
