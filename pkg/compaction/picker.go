package compaction

import (
	"lsmkv/pkg/persistence"
)

// Task is one unit of compaction work.
type Task struct {
	// Level is the level whose size triggered the task.
	Level       int
	OutputLevel int
	// Inputs are ordered newest source first.
	Inputs []*persistence.Table
	// DropTombstones is set when no level below OutputLevel holds data, so a
	// tombstone cannot be shadowing anything.
	DropTombstones bool
}

func (t *Task) generations() []uint64 {
	gens := make([]uint64, len(t.Inputs))
	for i, in := range t.Inputs {
		gens[i] = in.Gen
	}
	return gens
}

func (t *Task) inputBytes() int64 {
	var n int64
	for _, in := range t.Inputs {
		n += in.Size()
	}
	return n
}

// levelLimit is the byte budget of level l >= 1: base * fanOut^(l-1).
func levelLimit(opts Options, l int) int64 {
	limit := opts.LevelBaseBytes
	for i := 1; i < l; i++ {
		limit *= int64(opts.FanOut)
	}
	return limit
}

// NeedsCompaction reports whether any level is over its threshold.
func NeedsCompaction(v *persistence.Version, opts Options) bool {
	return overLimit(v, opts) >= 0
}

// overLimit returns the shallowest level over its threshold, or -1. Level 0
// counts files; deeper levels count bytes. The last level has no limit.
func overLimit(v *persistence.Version, opts Options) int {
	if v.LevelCount(0) > opts.FanOut {
		return 0
	}
	for l := 1; l < v.NumLevels()-1; l++ {
		if v.LevelBytes(l) > levelLimit(opts, l) {
			return l
		}
	}
	return -1
}

// Pick chooses the next task, skipping one whose inputs are busy.
func Pick(v *persistence.Version, opts Options, busy func(gen uint64) bool) *Task {
	l := overLimit(v, opts)
	if l < 0 {
		return nil
	}
	task := newTask(v, l, l+1)
	for _, in := range task.Inputs {
		if busy(in.Gen) {
			return nil
		}
	}
	return task
}

// PickAll builds a task merging every table into one run at the deepest
// populated level (at least 1). It returns nil when the data already is a
// single run below level 0.
func PickAll(v *persistence.Version) *Task {
	deepest := v.DeepestNonEmpty()
	if deepest < 0 {
		return nil
	}
	if deepest > 0 && v.TotalTables() == v.LevelCount(deepest) {
		return nil
	}
	output := max(deepest, 1)

	task := &Task{Level: 0, OutputLevel: output, DropTombstones: true}
	for l := 0; l <= output; l++ {
		task.Inputs = append(task.Inputs, v.Tables(l)...)
	}
	return task
}

func newTask(v *persistence.Version, level, output int) *Task {
	task := &Task{Level: level, OutputLevel: output}
	task.Inputs = append(task.Inputs, v.Tables(level)...)
	task.Inputs = append(task.Inputs, v.Tables(output)...)

	task.DropTombstones = true
	for l := output + 1; l < v.NumLevels(); l++ {
		if v.LevelCount(l) > 0 {
			task.DropTombstones = false
			break
		}
	}
	return task
}
