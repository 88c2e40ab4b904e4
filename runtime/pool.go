package runtime

import (
	"golang.org/x/sync/errgroup"
)

// RunInPool calls the node in slot once per task with at most workers calls
// in flight. Child names are reserved in task order before anything runs, so
// task i always gets the i-th unused name of slot. Results are returned in
// task order; the first error cancels the context seen by tasks that have
// not finished.
func RunInPool(exec *Execution, slot string, tasks []Input, workers int) ([]any, error) {
	node, err := exec.component.base().Node(slot)
	if err != nil {
		return nil, err
	}
	names := exec.children.reserve(slot, len(tasks))

	g, ctx := errgroup.WithContext(exec)
	if workers > 0 {
		g.SetLimit(workers)
	}
	parent := exec.WithContext(ctx)
	results := make([]any, len(tasks))
	for i, in := range tasks {
		g.Go(func() error {
			out, err := invoke(parent.child(node, names[i]), in, nil)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
