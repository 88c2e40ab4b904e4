package runtime

import (
	"github.com/trducng/theflow/runtime/store"
	"github.com/trducng/theflow/runtime/tracker"
)

// Caching reuses the output of an earlier call when the input, the dumped
// definition and the type name are all the same. Outputs live in
// Settings.Cache. Failures to build the key or reach the cache fall back to
// running the node.
func Caching() Middleware {
	return func(next Handler) Handler {
		return func(exec *Execution, in Input) (any, error) {
			cache := exec.Settings().Cache
			if cache == nil {
				return next(exec, in)
			}
			logger := exec.Logger()

			key, err := cacheKey(exec, in)
			if err != nil {
				logger.Warn("Cannot build cache key, running without cache", "error", err)
				return next(exec, in)
			}

			if out, ok, err := cache.Get(key); err != nil {
				logger.Warn("Cache lookup failed", "error", err)
			} else if ok {
				logger.Debug("Cache hit", "key", key)
				logStatus(exec, tracker.StatusCached)
				return out, nil
			}

			out, err := next(exec, in)
			if err != nil {
				return nil, err
			}
			if err := cache.Set(key, out); err != nil {
				logger.Warn("Failed to cache output", "error", err)
			}
			return out, nil
		}
	}
}

func cacheKey(exec *Execution, in Input) (string, error) {
	definition, err := Dump(exec.Component())
	if err != nil {
		return "", err
	}
	return store.Fingerprint(map[string]any{
		"input":      in.ToMap(),
		"definition": definition,
		"name":       exec.TypeName(),
	})
}
