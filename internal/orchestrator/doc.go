// Package orchestrator drives the ordered diagnostic phases over a
// unified document.
//
// # Overview
//
// The orchestrator is a state machine over a configurable, ordered
// phase list. Each phase dispatches every applicable analyzer from the
// registry concurrently, joins, and classifies the outcome before the
// next phase may start.
//
// # Architecture
//
// The default phase sequence is:
//
//	structural → semantic → security → style
//
// Per-phase states:
//
//	Pending → Running → Completed
//	                  → Degraded   (analyzers failed, phase finished)
//	                  → Aborted    (required analyzer failed; run halts)
//
// Phase N+1 starts only after phase N reaches Completed or Degraded.
// An aborted phase halts the sequence; everything produced so far
// (issues, analyzer outcomes, timings) is retained and surfaced, never
// discarded.
//
// # Failure policy
//
// A failing or timed-out analyzer does not fail its phase: it degrades
// it and leaves an analyzer-unavailable issue recording the reduced
// coverage. Only analyzers configured as required escalate failure to
// an abort. Every analyzer call carries its own timeout; an analyzer
// that ignores its context is abandoned at the deadline.
//
// # Determinism
//
// Analyzers execute concurrently, but issue output is normalized by
// (phase, analyzer priority, emission order), so downstream fix
// ranking is reproducible across runs regardless of scheduling.
//
// # Usage Example
//
//	registry := analysis.NewRegistry()
//	registry.Register(myAnalyzer)
//
//	exec := orchestrator.NewExecutor(registry, orchestrator.Options{}, logger)
//	exec.OnProgress(func(p orchestrator.PhaseProgress) {
//	    fmt.Printf("%s: %s (%d%%)\n", p.Phase, p.State, p.Percentage)
//	})
//
//	result, err := exec.Run(ctx, analysis.Input{
//	    RunID:   run.ID,
//	    Kind:    merged.Kind,
//	    Content: merged.UnifiedContent,
//	})
package orchestrator
