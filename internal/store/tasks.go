package store

import "github.com/jonathan/contrib-evaluator/internal/types"

// LinkTaskParents resolves ParentIndex for tasks whose ParentID refers to
// another task of the same slice. Unknown or self parents become roots, as do
// tasks whose parent chain would form a cycle.
func LinkTaskParents(tasks []types.OpenTask) {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		index[t.ID] = i
	}
	for i := range tasks {
		tasks[i].ParentIndex = -1
		if p, ok := index[tasks[i].ParentID]; ok && p != i {
			tasks[i].ParentIndex = p
		}
	}
	for i := range tasks {
		seen := map[int]bool{i: true}
		for p := tasks[i].ParentIndex; p >= 0; p = tasks[p].ParentIndex {
			if seen[p] {
				tasks[i].ParentIndex = -1
				break
			}
			seen[p] = true
		}
	}
}
