package persistence

import (
	"fmt"
	"log/slog"
	"sync"
)

// LevelManager owns the current Version and installs new ones as flushes
// and compactions commit.
type LevelManager struct {
	mu        sync.Mutex
	current   *Version
	maxLevels int
	logger    *slog.Logger
}

// NewLevelManager builds the initial version from opened tables. The tables'
// opener references are handed over to the manager.
func NewLevelManager(maxLevels int, tables []*Table, logger *slog.Logger) (*LevelManager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, t := range tables {
		if t.Level < 0 || t.Level >= maxLevels {
			return nil, fmt.Errorf("table %d at level %d beyond max levels %d", t.Gen, t.Level, maxLevels)
		}
	}

	v := newVersion(maxLevels)
	for _, t := range tables {
		v.levels[t.Level].ReplaceOrInsert(t)
	}
	v.refs.Store(1)

	return &LevelManager{current: v, maxLevels: maxLevels, logger: logger}, nil
}

func (lm *LevelManager) MaxLevels() int { return lm.maxLevels }

// Current returns the live version with a reference the caller must drop.
func (lm *LevelManager) Current() *Version {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.current.Ref()
	return lm.current
}

// Apply installs a version with added tables and without removed
// generations. Added tables' opener references pass to the manager.
func (lm *LevelManager) Apply(added []*Table, removed []uint64) {
	drop := make(map[uint64]struct{}, len(removed))
	for _, gen := range removed {
		drop[gen] = struct{}{}
	}

	lm.mu.Lock()
	old := lm.current
	lm.current = old.derive(added, drop)
	lm.mu.Unlock()

	// derive took its own reference on every table
	for _, t := range added {
		if err := t.Unref(); err != nil {
			lm.logger.Warn("failed to release table", "generation", t.Gen, "error", err)
		}
	}
	if err := old.Unref(); err != nil {
		lm.logger.Warn("failed to release version", "error", err)
	}
}

// Close releases the current version. Tables still referenced by open
// iterators stay open until those are closed.
func (lm *LevelManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.current == nil {
		return nil
	}
	err := lm.current.Unref()
	lm.current = nil
	return err
}
