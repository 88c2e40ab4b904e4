package runtime

import (
	"fmt"
)

type connection struct {
	parent string
	slot   string
	child  string
}

// DetectLikelyCycle walks up to limit node connections breadth-first from c.
// A node graph that loops back on itself keeps producing the same
// (parent type, slot, child type) connection, so one repeating more than
// max(3, limit/4) times is reported as ErrLikelyCyclic. Wide but acyclic
// graphs can trip it; raise the limit for those.
func DetectLikelyCycle(c Component, limit int) error {
	threshold := max(3, limit/4)
	seen := map[connection]int{}
	queue := []Component{c}
	walked := 0

	for len(queue) > 0 && walked < limit {
		current := queue[0]
		queue = queue[1:]
		b := current.base()
		if ensureInit(current) != nil {
			continue
		}
		for _, slot := range b.Table().Nodes() {
			if walked >= limit {
				break
			}
			node, err := b.Node(slot)
			if err != nil {
				continue
			}
			walked++
			conn := connection{parent: b.TypeName(), slot: slot, child: node.base().TypeName()}
			seen[conn]++
			if seen[conn] > threshold {
				return fmt.Errorf("%w: %s.%s -> %s repeats %d times", ErrLikelyCyclic, conn.parent, conn.slot, conn.child, seen[conn])
			}
			queue = append(queue, node)
		}
	}
	return nil
}
