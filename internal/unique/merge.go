package unique

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/freeeve/keyuniq/internal/cost"
	"github.com/freeeve/keyuniq/internal/spill"
)

// emitFunc receives merged elements in key order. The element is only
// valid during the call. Returning false stops the merge.
type emitFunc func(rec []byte) (bool, error)

// mergeRuns merges runs of src into emit, coalescing equal keys. In
// counting mode the counts of equal keys are summed. buf is split into one
// window per run plus a spare element at the end.
func (u *Unique) mergeRuns(src *spill.File, runs []run, buf []byte, emit emitFunc) (err error) {
	fs := u.fullSize
	if len(runs) == 0 {
		return nil
	}
	piece := (len(buf)/fs - 1) / len(runs) * fs
	if piece < fs {
		return fmt.Errorf("%w: merge buffer of %d bytes cannot serve %d runs", ErrOutOfMemory, len(buf), len(runs))
	}
	save := buf[len(buf)-fs:]

	h := &cursorHeap{items: make([]*runCursor, 0, len(runs)), cmp: u.cmp, keySize: u.keySize}
	cursors := make([]*runCursor, 0, len(runs))
	defer func() {
		for _, c := range cursors {
			if cerr := c.close(); cerr != nil && err == nil {
				err = fmt.Errorf("%w: %w", ErrIO, cerr)
			}
		}
	}()

	for i, r := range runs {
		rd, err := src.Open(r.seg)
		if err != nil {
			return fmt.Errorf("%w: open run %d: %w", ErrIO, i, err)
		}
		c := newRunCursor(rd, r.rows, fs, buf, i*piece, (i+1)*piece)
		cursors = append(cursors, c)
		ok, err := c.fill()
		if err != nil {
			return fmt.Errorf("%w: run %d: %w", ErrIO, i, err)
		}
		if ok {
			h.items = append(h.items, c)
		}
	}
	heap.Init(h)

	for h.Len() > 1 {
		rec, err := h.next(save)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		head := h.top().current()
		if u.cmp(rec[:u.keySize], head[:u.keySize]) == 0 {
			if u.withCounters {
				putCount(head, u.keySize, getCount(head, u.keySize)+getCount(rec, u.keySize))
			}
			continue
		}
		if ok, err := emit(rec); err != nil || !ok {
			return err
		}
	}

	if h.Len() == 0 {
		return nil
	}
	// Runs are duplicate-free, so the last one is copied through.
	c := h.top()
	for {
		if ok, err := emit(c.current()); err != nil || !ok {
			return err
		}
		if c.advance() {
			continue
		}
		ok, err := c.fill()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		if !ok {
			return nil
		}
	}
}

// mergePass merges the current runs group by group into the merge file,
// which then becomes the runs file. Counts are summed but nothing is
// filtered.
func (u *Unique) mergePass(buf []byte) error {
	start := time.Now()
	runsIn := len(u.runs)
	groups := cost.PassGroups(runsIn)

	err := u.writePass(buf, groups)
	u.metrics.RecordMergePass(runsIn, len(groups), false, time.Since(start), err)
	if err != nil {
		return err
	}
	u.mergePasses++
	u.log.Debug().
		Uint64("pass", u.mergePasses).
		Int("runs_in", runsIn).
		Int("runs_out", len(u.runs)).
		Dur("took", time.Since(start)).
		Msg("merge pass")
	return nil
}

func (u *Unique) writePass(buf []byte, groups []cost.Group) error {
	if u.temp == nil {
		f, err := spill.Create(u.tempDir, "unique-merge", u.codec)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		u.temp = f
	}
	dst := u.temp

	merged := make([]run, 0, len(groups))
	var total uint64
	for _, g := range groups {
		w, err := dst.NewSegment()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		var rows uint64
		err = u.mergeRuns(u.file, u.runs[g.First:g.Last+1], buf, func(rec []byte) (bool, error) {
			if _, err := w.Write(rec); err != nil {
				return false, fmt.Errorf("%w: write merged run: %w", ErrIO, err)
			}
			rows++
			return true, nil
		})
		seg, cerr := w.Close()
		if err != nil {
			return err
		}
		if cerr != nil {
			return fmt.Errorf("%w: %w", ErrIO, cerr)
		}
		merged = append(merged, run{rows: rows, seg: seg})
		total += rows
	}

	if err := u.file.Truncate(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	u.file, u.temp = dst, u.file
	u.runs = append(u.runs[:0], merged...)
	// Keys repeated across runs of a group were coalesced.
	u.elements = total
	return nil
}

// compact runs merge passes until a final merge can take every run.
func (u *Unique) compact(buf []byte) error {
	for cost.NeedsPass(len(u.runs)) {
		if err := u.mergePass(buf); err != nil {
			return err
		}
	}
	return nil
}

// finalMerge merges every run into a single key-only run of the result
// file, dropping keys seen fewer than MinDupCount times.
func (u *Unique) finalMerge(buf []byte) (*Result, error) {
	if err := u.compact(buf); err != nil {
		return nil, err
	}
	start := time.Now()
	runsIn := len(u.runs)
	res, err := u.writeResult(buf)
	runsOut := 0
	if res != nil && res.rows > 0 {
		runsOut = 1
	}
	u.metrics.RecordMergePass(runsIn, runsOut, true, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	u.log.Debug().
		Int("runs_in", runsIn).
		Uint64("rows", res.rows).
		Uint64("filtered", u.filteredOut).
		Dur("took", time.Since(start)).
		Msg("final merge")
	return res, nil
}

func (u *Unique) writeResult(buf []byte) (*Result, error) {
	if u.out == nil {
		f, err := spill.Create(u.tempDir, "unique-result", u.codec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		u.out = f
	}
	w, err := u.out.NewSegment()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	var rows uint64
	err = u.mergeRuns(u.file, u.runs, buf, func(rec []byte) (bool, error) {
		if u.filtered(rec) {
			u.filteredOut++
			return true, nil
		}
		if _, err := w.Write(rec[:u.keySize]); err != nil {
			return false, fmt.Errorf("%w: write result: %w", ErrIO, err)
		}
		rows++
		return true, nil
	})
	seg, cerr := w.Close()
	if err != nil {
		return nil, err
	}
	if cerr != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, cerr)
	}
	return &Result{keySize: u.keySize, rows: rows, file: u.out, seg: seg}, nil
}

// filtered reports whether a merged element falls below MinDupCount.
func (u *Unique) filtered(rec []byte) bool {
	return u.minDupCount > 1 && getCount(rec, u.keySize) < u.minDupCount
}

// Merge flushes the tree and compacts the runs. With withoutLastMerge it
// only lowers the run count, always by at least one pass when there is
// more than one run, and the engine keeps accepting keys. Otherwise every
// run is merged into one duplicate-free result, available from Get, and
// the engine is consumed.
func (u *Unique) Merge(withoutLastMerge bool) error {
	if err := u.checkBuilding(); err != nil {
		return err
	}
	if err := u.flush(); err != nil {
		return u.fail(err)
	}
	buf, err := u.mergeBuffer()
	if err != nil {
		return err
	}
	if withoutLastMerge {
		if len(u.runs) <= 1 {
			return nil
		}
		if !cost.NeedsPass(len(u.runs)) {
			if err := u.mergePass(buf); err != nil {
				return u.fail(err)
			}
			return nil
		}
		if err := u.compact(buf); err != nil {
			return u.fail(err)
		}
		return nil
	}

	u.filteredOut = 0
	res, err := u.finalMerge(buf)
	if err != nil {
		return u.fail(err)
	}
	u.result = res
	u.returnRows = res.rows
	u.state = stateConsumed
	return nil
}
