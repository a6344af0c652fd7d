// Package moe provides the expert-routing diagnostics for Mixture-of-Experts training.
//
// # Reading Guide
//
// Start with these files:
//   - gate.go: softmax gating and deterministic top-k expert selection
//   - loss.go: the three load-balance penalties behind one LoadBalanceLoss interface
//   - diagnostics.go: the StepHooks a host training loop drives once per step
//
// # Data flow
//
// Gate → (ExpertDistribution, Selection) → LoadBalanceLoss (training objective)
// and → UsageAggregator (WindowState) → Reporter (periodic LogRecord flush).
// ResumeCoordinator realigns the Reporter's window grid after a checkpoint restore.
//
// Sub-packages:
//   - moe/telemetry/: LogRecord, the append-only JSON Lines log and offline summaries
//   - moe/host/: a synthetic host training loop that exercises the hooks
//
// Everything here runs on the host loop's goroutine; no type is safe for
// concurrent use. Data-parallel replicas each own a Diagnostics and write to
// their own log file (Config.Replica).
package moe
