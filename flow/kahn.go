package flow

import "sort"

// TopologicalOrder returns the cached topological order, computing it via
// Kahn's algorithm on first read or after the last mutation invalidated the
// cache. Ties within a level are broken by step ordinal.
func (f *ExecutionFlow) TopologicalOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderDirty {
		f.order = f.computeOrderLocked()
		f.orderDirty = false
	}
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// computeOrderLocked must be called with f.mu held.
func (f *ExecutionFlow) computeOrderLocked() []string {
	inDegree := make(map[string]int, len(f.steps))
	children := make(map[string][]string, len(f.steps))
	for id, s := range f.steps {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for dep := range s.DependsOn {
			inDegree[id]++
			children[dep] = append(children[dep], id)
		}
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	f.sortByOrdinalLocked(frontier)

	var order []string
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			order = append(order, id)
			for _, child := range children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		f.sortByOrdinalLocked(next)
		frontier = next
	}
	return order
}

// Levels returns the step ids grouped by topological level: level 0 holds
// every step with no dependencies, level 1 every step whose dependencies are
// all in level 0, and so on. Used by scheduler.ModeFixedLevels to compute
// wave membership once up front, before any dynamic mutation can occur.
func (f *ExecutionFlow) Levels() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	inDegree := make(map[string]int, len(f.steps))
	children := make(map[string][]string, len(f.steps))
	for id, s := range f.steps {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for dep := range s.DependsOn {
			inDegree[id]++
			children[dep] = append(children[dep], id)
		}
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	f.sortByOrdinalLocked(frontier)

	var levels [][]string
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, child := range children[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		f.sortByOrdinalLocked(next)
		frontier = next
	}
	return levels
}

// wouldCycle reports whether the current step set, as declared, contains a
// cycle: a correct Kahn's-algorithm run must visit every step exactly once.
// Must be called with f.mu held.
func (f *ExecutionFlow) wouldCycle() bool {
	return len(f.computeOrderLocked()) != len(f.steps)
}

func (f *ExecutionFlow) sortByOrdinal(ids []string) {
	f.sortByOrdinalLocked(ids)
}

func (f *ExecutionFlow) sortByOrdinalLocked(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return f.steps[ids[i]].Ordinal < f.steps[ids[j]].Ordinal
	})
}
