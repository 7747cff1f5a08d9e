package scheduler

// Item is one schedulable unit: a requirement plus the requirement ids that
// must complete before it may start.
type Item struct {
	RequirementID string
	DependsOn     []string
}

// readyItems returns pending items whose dependencies are all in the
// completed set, preserving submission order.
func readyItems(order []string, pending map[string]Item, completed map[string]bool) []Item {
	var ready []Item
	for _, id := range order {
		item, ok := pending[id]
		if !ok {
			continue
		}
		blocked := false
		for _, dep := range item.DependsOn {
			if !completed[dep] {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, item)
		}
	}
	return ready
}

// failedDependency returns the first dependency of item found in the failed
// set. Such items are cascade-skipped without ever starting.
func failedDependency(item Item, failed map[string]bool) (string, bool) {
	for _, dep := range item.DependsOn {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

// normalizeItems drops dependencies that reference ids outside the submitted
// batch; they cannot be waited on and are treated as satisfied.
func normalizeItems(items []Item) []Item {
	members := make(map[string]bool, len(items))
	for _, it := range items {
		members[it.RequirementID] = true
	}
	out := make([]Item, 0, len(items))
	for _, it := range items {
		kept := make([]string, 0, len(it.DependsOn))
		for _, dep := range it.DependsOn {
			if members[dep] {
				kept = append(kept, dep)
			}
		}
		out = append(out, Item{RequirementID: it.RequirementID, DependsOn: kept})
	}
	return out
}
