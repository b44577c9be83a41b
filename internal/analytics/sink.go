// Package analytics ships closed periods and decisions to an append-only store
// for cross-experiment reporting.
package analytics

import (
	"context"

	"pennyperfect/internal/decision"
	"pennyperfect/internal/model"
)

// Sink receives facts emitted by the switchback engine. Failures are logged by
// the caller and never block a sweep.
type Sink interface {
	RecordPeriod(ctx context.Context, exp model.Experiment, p model.ExperimentPeriod) error
	RecordDecision(ctx context.Context, exp model.Experiment, res *decision.Result) error
	Close() error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) RecordPeriod(context.Context, model.Experiment, model.ExperimentPeriod) error {
	return nil
}

func (NopSink) RecordDecision(context.Context, model.Experiment, *decision.Result) error {
	return nil
}

func (NopSink) Close() error { return nil }
