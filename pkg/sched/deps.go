package sched

import (
	"fmt"

	"specfleet/pkg/proto"
)

// DependencyTable holds prerequisite edges between work types, keyed by the
// dense index derived from declaration order. The table tolerates cycles at
// declaration time; the wave planner breaks them deterministically.
type DependencyTable struct {
	types []proto.WorkType
	index map[proto.WorkType]int
	deps  [][]int
}

// NewDependencyTable creates an empty table covering every known work type.
func NewDependencyTable() *DependencyTable {
	types := proto.AllWorkTypes()
	t := &DependencyTable{
		types: types,
		index: make(map[proto.WorkType]int, len(types)),
		deps:  make([][]int, len(types)),
	}
	for i, wt := range types {
		t.index[wt] = i
	}
	return t
}

// DefaultDependencyTable returns the standard pipeline:
// generate needs gather, validate needs generate, export needs validate,
// and analysis needs a generated artifact to analyze.
func DefaultDependencyTable() *DependencyTable {
	t := NewDependencyTable()
	t.mustAdd(proto.WorkTypeGenerate, proto.WorkTypeGather)
	t.mustAdd(proto.WorkTypeValidate, proto.WorkTypeGenerate)
	t.mustAdd(proto.WorkTypeExport, proto.WorkTypeValidate)
	t.mustAdd(proto.WorkTypeAnalyze, proto.WorkTypeGenerate)
	return t
}

func (t *DependencyTable) mustAdd(workType, prerequisite proto.WorkType) {
	if err := t.Add(workType, prerequisite); err != nil {
		panic(err)
	}
}

// Add declares that workType requires prerequisite. Duplicate edges are
// ignored.
func (t *DependencyTable) Add(workType, prerequisite proto.WorkType) error {
	from, ok := t.index[workType]
	if !ok {
		return fmt.Errorf("unknown work type: %s", workType)
	}
	to, ok := t.index[prerequisite]
	if !ok {
		return fmt.Errorf("unknown prerequisite type: %s", prerequisite)
	}
	for _, existing := range t.deps[from] {
		if existing == to {
			return nil
		}
	}
	t.deps[from] = append(t.deps[from], to)
	return nil
}

// Replace swaps workType's prerequisite list wholesale. Used for
// per-run dependency overrides from configuration.
func (t *DependencyTable) Replace(workType proto.WorkType, prerequisites []proto.WorkType) error {
	from, ok := t.index[workType]
	if !ok {
		return fmt.Errorf("unknown work type: %s", workType)
	}
	t.deps[from] = nil
	for _, p := range prerequisites {
		if err := t.Add(workType, p); err != nil {
			return err
		}
	}
	return nil
}

// DependenciesOf returns workType's declared prerequisites in declaration
// order. Unknown types have none.
func (t *DependencyTable) DependenciesOf(workType proto.WorkType) []proto.WorkType {
	from, ok := t.index[workType]
	if !ok {
		return nil
	}
	out := make([]proto.WorkType, 0, len(t.deps[from]))
	for _, to := range t.deps[from] {
		out = append(out, t.types[to])
	}
	return out
}
