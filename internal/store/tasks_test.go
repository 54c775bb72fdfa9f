package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/contrib-evaluator/internal/types"
)

func TestLinkTaskParents(t *testing.T) {
	tasks := []types.OpenTask{
		{ID: "root", Title: "Root"},
		{ID: "child", Title: "Child", ParentID: "root"},
		{ID: "orphan", Title: "Orphan", ParentID: "missing"},
		{ID: "self", Title: "Self", ParentID: "self"},
	}

	LinkTaskParents(tasks)

	assert.Equal(t, -1, tasks[0].ParentIndex)
	assert.Equal(t, 0, tasks[1].ParentIndex)
	assert.Equal(t, -1, tasks[2].ParentIndex)
	assert.Equal(t, -1, tasks[3].ParentIndex)
}

func TestLinkTaskParents_BreaksCycles(t *testing.T) {
	tasks := []types.OpenTask{
		{ID: "a", ParentID: "b"},
		{ID: "b", ParentID: "a"},
	}

	LinkTaskParents(tasks)

	// Walking up from any task must terminate
	for i := range tasks {
		steps := 0
		for p := tasks[i].ParentIndex; p >= 0; p = tasks[p].ParentIndex {
			steps++
			if !assert.Less(t, steps, len(tasks)+1) {
				break
			}
		}
	}
}
