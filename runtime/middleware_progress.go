package runtime

import (
	"fmt"
	"time"

	"github.com/trducng/theflow/runtime/tracker"
)

// TrackProgress records the input, output and status of every node in the
// run's progress record. At the root it creates the record and, when the
// root config sets StoreResult, persists it after the run.
func TrackProgress() Middleware {
	return func(next Handler) Handler {
		return func(exec *Execution, in Input) (any, error) {
			logger := exec.Logger()
			if exec.IsRoot() {
				snapshot, err := structToMap(exec.RunConfig())
				if err != nil {
					return nil, err
				}
				snapshot["type"] = exec.TypeName()
				settings := exec.Settings()
				t, err := tracker.New(exec.Store(), exec.FlowName(), exec.RunID(), snapshot,
					tracker.WithNotifier(settings.Notifier),
					tracker.WithLogger(settings.Logger),
				)
				if err != nil {
					return nil, err
				}
				exec.run.setTracker(t)
			}

			t := exec.Tracker()
			if t == nil {
				return next(exec, in)
			}

			start := time.Now()
			out, err := next(exec, in)

			record := map[string]any{
				"input":       in.ToMap(),
				"type":        exec.TypeName(),
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				record["error"] = err.Error()
			} else {
				record["output"] = out
			}
			if current, ok, _ := t.Logs(exec.Path()); !ok || current["status"] == nil {
				record["status"] = tracker.StatusRun
			}
			if logErr := t.Log(exec.Path(), record); logErr != nil {
				logger.Warn("Failed to record progress", "error", logErr)
			}

			if exec.IsRoot() && exec.RunConfig().StoreResult != "" {
				if _, persistErr := t.Persist(exec, exec.RunConfig().StoreResult); persistErr != nil {
					if err == nil {
						err = fmt.Errorf("failed to persist run: %w", persistErr)
					} else {
						logger.Error("Failed to persist run", "error", persistErr)
					}
				}
			}
			return out, err
		}
	}
}
