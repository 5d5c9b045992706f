package kobold

// AnalyzeDependencies partitions a plan's steps into ordered waves. Steps in
// the same wave touch disjoint file sets and may run concurrently; waves run
// in order. Two steps depend on each other when any of their create/modify
// sets intersect — creates against creates and modifies against modifies
// conflict too, since both write the file.
//
// The grouping is a greedy level-set sweep: each pass admits every remaining
// step whose files are disjoint from the files already claimed by the
// current wave. A pass that admits nothing while steps remain force-promotes
// the first remaining step into its own wave, so malformed plans with
// self-referential file sets still terminate.
func AnalyzeDependencies(plan *Plan) [][]*Step {
	remaining := make([]*Step, len(plan.Steps))
	copy(remaining, plan.Steps)

	var waves [][]*Step
	for len(remaining) > 0 {
		claimed := make(map[string]bool)
		var wave []*Step
		var next []*Step
		for _, s := range remaining {
			if touchesAny(s, claimed) {
				next = append(next, s)
				continue
			}
			wave = append(wave, s)
			for _, f := range s.Files() {
				claimed[f] = true
			}
		}
		if len(wave) == 0 {
			// Cycle fallback: promote the first remaining step alone.
			wave = []*Step{remaining[0]}
			next = remaining[1:]
		}
		waves = append(waves, wave)
		remaining = next
	}
	return waves
}

// touchesAny reports whether any of the step's files is already claimed.
func touchesAny(s *Step, claimed map[string]bool) bool {
	for _, f := range s.Files() {
		if claimed[f] {
			return true
		}
	}
	return false
}

// SuggestOptimalOrder topologically sorts the plan's steps under the strict
// producer relation: a step that creates a file precedes every step that
// modifies it. Steps caught in a cycle are appended in input order rather
// than dropped.
func SuggestOptimalOrder(plan *Plan) []*Step {
	n := len(plan.Steps)
	creators := make(map[string]int) // file → step position
	for i, s := range plan.Steps {
		for _, f := range s.FilesToCreate {
			if _, ok := creators[f]; !ok {
				creators[f] = i
			}
		}
	}

	// indegree counts unmet creator dependencies per step.
	indegree := make([]int, n)
	dependents := make([][]int, n)
	for i, s := range plan.Steps {
		for _, f := range s.FilesToModify {
			if c, ok := creators[f]; ok && c != i {
				indegree[i]++
				dependents[c] = append(dependents[c], i)
			}
		}
	}

	var order []*Step
	placed := make([]bool, n)
	queue := make([]int, 0, n)
	for i := range plan.Steps {
		if indegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if placed[i] {
			continue
		}
		placed[i] = true
		order = append(order, plan.Steps[i])
		for _, d := range dependents[i] {
			indegree[d]--
			if indegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}
	// Cycles are skipped by the sort; keep their steps in input order.
	for i, s := range plan.Steps {
		if !placed[i] {
			order = append(order, s)
		}
	}
	return order
}
