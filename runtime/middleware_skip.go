package runtime

import (
	"github.com/trducng/theflow/runtime/tracker"
)

// Reserved kwargs consumed by SkipComponent at the root.
const (
	KwargFrom    = "_ff_from"
	KwargTo      = "_ff_to"
	KwargFromRun = "_ff_from_run"
)

const goodToRun = "good_to_run"

// SkipComponent resumes a run from a node of an earlier one. Given a
// persisted run location in _ff_from_run and a node pattern in _ff_from, the
// siblings before the matching node take their outputs from the earlier run
// and the matching node runs again. Siblings after a node matching _ff_to
// are skipped the same way.
func SkipComponent() Middleware {
	return func(next Handler) Handler {
		return func(exec *Execution, in Input) (any, error) {
			ctx := exec.Store()
			flowPartition := exec.FlowPartition()
			logger := exec.Logger()

			if exec.IsRoot() {
				var err error
				if in, err = consumeSkipKwargs(exec, in); err != nil {
					return nil, err
				}
			}

			from, _ := ctx.Get("from", nil, flowPartition)
			fromPattern, _ := from.(string)
			if fromPattern != "" && IsParentOf(exec.Path(), fromPattern) {
				if err := ctx.Set(goodToRun, false, exec.Partition()); err != nil {
					return nil, err
				}
			}

			good := true
			if parent := exec.ParentPartition(); parent != "" {
				if ok, _ := ctx.Has(parent); ok {
					if v, _ := ctx.Get(goodToRun, true, parent); v == false {
						good = false
					}
				}
			}

			if !good {
				if MatchName(exec.Path(), fromPattern) {
					if err := ctx.Set(goodToRun, true, exec.ParentPartition()); err != nil {
						return nil, err
					}
					logger.Info("Running from this node on")
					logStatus(exec, tracker.StatusRerun)
					return next(exec, in)
				}

				record, _ := ctx.Get(exec.Path(), nil, exec.fromRunPartition())
				if m, ok := record.(map[string]any); ok {
					if out, found := m["output"]; found {
						logger.Info("Reusing output of earlier run")
						logStatus(exec, tracker.StatusCached)
						return out, nil
					}
				}
				logger.Warn("No output for this node in the earlier run, running it")
				logStatus(exec, tracker.StatusRun)
				return next(exec, in)
			}

			out, err := next(exec, in)

			to, _ := ctx.Get("to", nil, flowPartition)
			if toPattern, _ := to.(string); toPattern != "" && MatchName(exec.Path(), toPattern) {
				if parent := exec.ParentPartition(); parent != "" {
					if setErr := ctx.Set(goodToRun, false, parent); setErr != nil {
						logger.Warn("Failed to stop the run after this node", "error", setErr)
					}
				}
			}
			return out, err
		}
	}
}

// consumeSkipKwargs moves the reserved kwargs out of the root input and into
// the run context.
func consumeSkipKwargs(exec *Execution, in Input) (Input, error) {
	if len(in.Kwargs) == 0 {
		return in, nil
	}
	kwargs := make(map[string]any, len(in.Kwargs))
	for k, v := range in.Kwargs {
		kwargs[k] = v
	}
	in.Kwargs = kwargs

	ctx := exec.Store()
	for kwarg, key := range map[string]string{KwargFrom: "from", KwargTo: "to"} {
		if v, ok := kwargs[kwarg]; ok {
			delete(kwargs, kwarg)
			if err := ctx.Set(key, v, exec.FlowPartition()); err != nil {
				return in, err
			}
		}
	}
	if v, ok := kwargs[KwargFromRun]; ok {
		delete(kwargs, KwargFromRun)
		if location, _ := v.(string); location != "" {
			if err := exec.run.create(exec.fromRunPartition()); err != nil {
				return in, err
			}
			if err := tracker.LoadInto(location, exec.Store(), exec.fromRunPartition()); err != nil {
				return in, err
			}
		}
	}
	return in, nil
}

func logStatus(exec *Execution, status string) {
	if t := exec.Tracker(); t != nil {
		if err := t.Log(exec.Path(), map[string]any{"status": status}); err != nil {
			exec.Logger().Warn("Failed to record status", "error", err)
		}
	}
}
