// Package triage drives the fraud-alert triage pipeline: a fixed plan of
// analytic steps executed under per-step deadlines, degrading to
// fallback values on failure, recording an immutable audit trail, and
// publishing a replayable event stream per run.
package triage
