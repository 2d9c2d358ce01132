package unique

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/freeeve/keyuniq/internal/spill"
)

// Result is the ordered set of distinct keys produced by Get. It is backed
// either by memory or by the merged run on the engine's result file, in
// which case it stays readable until the engine is Reset or Closed.
type Result struct {
	keySize int
	rows    uint64

	mem []byte // packed keys, when in memory

	file *spill.File
	seg  spill.Segment
}

// Len returns the number of keys.
func (r *Result) Len() uint64 { return r.rows }

// InMemory reports whether the keys are held in memory.
func (r *Result) InMemory() bool { return r.file == nil }

// Key returns the i-th key of an in-memory result, or nil when the result
// is on disk or i is out of range.
func (r *Result) Key(i uint64) []byte {
	if r.file != nil || i >= r.rows {
		return nil
	}
	off := int(i) * r.keySize
	return r.mem[off : off+r.keySize : off+r.keySize]
}

// Scan calls fn for every key in ascending order until fn returns false.
// key is only valid during the call.
func (r *Result) Scan(fn func(key []byte) bool) error {
	if r.file == nil {
		for off := 0; off < len(r.mem); off += r.keySize {
			if !fn(r.mem[off : off+r.keySize]) {
				return nil
			}
		}
		return nil
	}

	rd, err := r.file.Open(r.seg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer rd.Close()
	br := bufio.NewReader(rd)
	key := make([]byte, r.keySize)
	for i := uint64(0); i < r.rows; i++ {
		if _, err := io.ReadFull(br, key); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return fmt.Errorf("%w: read result key %d: %w", ErrIO, i, err)
		}
		if !fn(key) {
			return nil
		}
	}
	return nil
}

// Get returns the distinct keys in ascending order, dropping keys seen
// fewer than MinDupCount times. When nothing was spilled the keys are
// copied out of the tree; otherwise the runs are merged into one result
// run on disk. Get consumes the engine.
func (u *Unique) Get() (*Result, error) {
	if err := u.checkBuilding(); err != nil {
		return nil, err
	}
	u.filteredOut = 0
	if u.elements == 0 {
		res, err := u.getInMemory()
		if err != nil {
			return nil, err
		}
		u.result = res
		u.returnRows = res.rows
		u.state = stateConsumed
		return res, nil
	}

	if err := u.Merge(false); err != nil {
		return nil, err
	}
	return u.result, nil
}

func (u *Unique) getInMemory() (*Result, error) {
	n := uint64(u.tree.Len())
	if n > math.MaxInt/uint64(u.keySize) {
		return nil, fmt.Errorf("%w: result of %d keys", ErrOutOfMemory, n)
	}
	mem := make([]byte, 0, int(n)*u.keySize)
	u.tree.ascend(func(e *element) bool {
		if u.minDupCount > 1 && e.count < u.minDupCount {
			u.filteredOut++
			return true
		}
		mem = append(mem, e.key...)
		return true
	})
	return &Result{
		keySize: u.keySize,
		rows:    uint64(len(mem) / u.keySize),
		mem:     mem,
	}, nil
}

// Result returns the result of the last Get or final Merge, or nil.
func (u *Unique) Result() *Result { return u.result }
