package remotesync

import "sort"

const (
	visitPending = iota
	visitActive
	visitDone
)

// orderProjects sorts payload projects so that every parent precedes its children.
// Parents outside the payload count as roots. Projects on a parent cycle are reported.
func orderProjects(entries map[string]ProjectData, problems *problemSet) []string {
	depths := make(map[string]int, len(entries))
	state := make(map[string]int, len(entries))
	cyclic := make(map[string]struct{})

	var visit func(projectUUID string) (int, bool)
	visit = func(projectUUID string) (int, bool) {
		switch state[projectUUID] {
		case visitActive:
			return 0, false
		case visitDone:
			if _, ok := cyclic[projectUUID]; ok {
				return 0, false
			}
			return depths[projectUUID], true
		}

		state[projectUUID] = visitActive
		depth := 0
		ok := true
		parentUUID := entries[projectUUID].parent()
		if _, inPayload := entries[parentUUID]; parentUUID != "" && inPayload {
			var parentDepth int
			parentDepth, ok = visit(parentUUID)
			depth = parentDepth + 1
		}
		state[projectUUID] = visitDone
		if !ok {
			cyclic[projectUUID] = struct{}{}
			return 0, false
		}
		depths[projectUUID] = depth
		return depth, true
	}

	ordered := make([]string, 0, len(entries))
	for _, projectUUID := range sortedKeys(entries) {
		if _, ok := visit(projectUUID); ok {
			ordered = append(ordered, projectUUID)
		}
	}
	for _, projectUUID := range sortedKeys(cyclic) {
		problems.add(ProblemProject, projectUUID, "parent hierarchy contains a cycle")
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return depths[ordered[i]] < depths[ordered[j]]
	})
	return ordered
}
