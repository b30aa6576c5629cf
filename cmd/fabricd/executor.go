package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/signalfabric/internal/queue"
)

// referenceExecute is the default execute phase wired into the worker
// pool. The execute phase itself is explicitly out of this core's scope:
// a real deployment replaces this with whatever runs a pipeline's actual
// strategy logic. This reference implementation logs the trigger and
// decides one-shot vs. monitor based on trigger_metadata["phase"], so the
// Run Registry lease machinery has something real to drive end to end.
func referenceExecute(monitorInterval time.Duration, log zerolog.Logger) queue.ExecuteFunc {
	return func(ctx context.Context, intent queue.EnqueueIntent) (queue.ExecuteResult, error) {
		phase, _ := intent.TriggerMetadata["phase"].(string)
		trigger, _ := intent.TriggerMetadata["trigger"].(string)

		log.Info().
			Str("pipeline_id", intent.PipelineID).
			Str("trigger", trigger).
			Str("phase", phase).
			Msg("executing pipeline")

		if phase == "monitoring" {
			// Already in a monitor cycle: re-arm for the next tick.
			return queue.ExecuteResult{
				Monitor:         true,
				NextCheckAt:     time.Now().UTC().Add(monitorInterval),
				MonitorInterval: monitorInterval,
			}, nil
		}

		// First run after a signal match or schedule tick: a webhook-style,
		// one-shot pipeline finishes immediately. Pipelines that need
		// ongoing monitoring are expected to signal that through their own
		// execute-phase result once wired to a real strategy runner.
		return queue.ExecuteResult{Monitor: false}, nil
	}
}
