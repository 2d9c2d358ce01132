package unique

import (
	"time"
)

// WalkFunc is called for every distinct key in ascending order with the
// number of times it was added. Outside counting mode count is always 1.
// key is only valid during the call. Returning false stops the walk.
type WalkFunc func(key []byte, count uint64) bool

// Walk visits every distinct key exactly once in ascending order. When
// nothing was spilled it traverses the tree; otherwise it flushes the tree
// and merges the runs on the fly, compacting them first if there are more
// than the merge buffer can serve at once.
//
// Keys seen fewer than MinDupCount times are skipped and counted in
// FilteredOut. Walk consumes the engine.
func (u *Unique) Walk(fn WalkFunc) error {
	if err := u.checkBuilding(); err != nil {
		return err
	}
	start := time.Now()
	u.filteredOut = 0
	var visited uint64
	visit := func(key []byte, count uint64) bool {
		if u.minDupCount > 1 && count < u.minDupCount {
			u.filteredOut++
			return true
		}
		visited++
		return fn(key, count)
	}

	err := u.walk(visit)
	u.metrics.RecordWalk(visited, time.Since(start), err)
	if err != nil {
		return u.fail(err)
	}
	u.state = stateConsumed
	u.log.Debug().
		Uint64("rows", visited).
		Uint64("filtered", u.filteredOut).
		Dur("took", time.Since(start)).
		Msg("walk")
	return nil
}

func (u *Unique) walk(visit WalkFunc) error {
	if u.elements == 0 {
		u.tree.ascend(func(e *element) bool {
			count := uint64(1)
			if u.withCounters {
				count = e.count
			}
			return visit(e.key, count)
		})
		return nil
	}

	if err := u.flush(); err != nil {
		return err
	}
	buf, err := u.mergeBuffer()
	if err != nil {
		return err
	}
	if len(buf)/u.fullSize < len(u.runs)+1 {
		if err := u.compact(buf); err != nil {
			return err
		}
	}
	return u.mergeRuns(u.file, u.runs, buf, func(rec []byte) (bool, error) {
		count := uint64(1)
		if u.withCounters {
			count = getCount(rec, u.keySize)
		}
		return visit(rec[:u.keySize], count), nil
	})
}
