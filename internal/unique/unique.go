package unique

import (
	"fmt"
	"math"
	"time"

	"github.com/freeeve/keyuniq/internal/cost"
	"github.com/freeeve/keyuniq/internal/spill"
	"github.com/rs/zerolog"
)

// Compare defines a strict total order over keys. The engine only ever
// passes keys of the configured size. Any context the comparison needs is
// captured by the closure.
type Compare func(a, b []byte) int

// Config configures a Unique.
type Config struct {
	KeySize      int   // bytes per key, required
	MemoryBudget int64 // bytes of tree memory before spilling, default 16MB

	// MinDupCount enables counting mode when > 0. When > 1, keys seen
	// fewer than MinDupCount times are dropped from results.
	MinDupCount uint64

	TempDir     string      // directory for scratch files, default os.TempDir()
	Compression spill.Codec // codec for scratch files, default none

	Logger  zerolog.Logger   // zero value discards
	Metrics MetricsCollector // default NoopMetricsCollector
}

// DefaultMemoryBudget is used when Config.MemoryBudget is zero.
const DefaultMemoryBudget = 16 * 1024 * 1024

type state uint8

const (
	stateBuilding state = iota
	stateConsumed
	stateBroken
	stateClosed
)

// run is one sorted, duplicate-free sequence of elements on disk.
type run struct {
	rows uint64
	seg  spill.Segment
}

// Stats is a snapshot of an engine's counters.
type Stats struct {
	Elements       uint64 // rows in flushed runs
	ElementsInTree int
	Runs           int
	FilteredOut    uint64
	Flushes        uint64
	MergePasses    uint64
	SpilledBytes   int64 // encoded bytes written to scratch files
	SpilledRaw     int64 // bytes before encoding
}

// Unique collects distinct keys under a memory budget.
type Unique struct {
	cmp          Compare
	keySize      int
	fullSize     int
	budget       int64
	minDupCount  uint64
	withCounters bool
	maxElements  uint64

	tempDir string
	codec   spill.Codec

	tree *tree
	runs []run
	file *spill.File // current runs
	temp *spill.File // other side of a compaction pass
	out  *spill.File // final merged result

	elements    uint64
	filteredOut uint64
	returnRows  uint64
	result      *Result

	flushes     uint64
	mergePasses uint64

	state state
	rec   []byte

	log     zerolog.Logger
	metrics MetricsCollector
}

// New creates an engine ordering keys with cmp.
func New(cmp Compare, cfg Config) (*Unique, error) {
	if cmp == nil {
		return nil, fmt.Errorf("unique: nil comparator")
	}
	if cfg.KeySize <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrKeySize, cfg.KeySize)
	}
	// Apply defaults
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = DefaultMemoryBudget
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetricsCollector{}
	}

	fullSize := cfg.KeySize
	if cfg.MinDupCount > 0 {
		fullSize += CounterWidth
	}
	maxElements := MaxElements(cfg.KeySize, cfg.MemoryBudget)

	u := &Unique{
		cmp:          cmp,
		keySize:      cfg.KeySize,
		fullSize:     fullSize,
		budget:       cfg.MemoryBudget,
		minDupCount:  cfg.MinDupCount,
		withCounters: cfg.MinDupCount > 0,
		maxElements:  maxElements,

		tempDir: cfg.TempDir,
		codec:   cfg.Compression,

		tree: newTree(cmp, cfg.KeySize, maxElements),
		rec:  make([]byte, fullSize),

		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
	return u, nil
}

// MaxElements returns how many distinct keys of keySize bytes the tree
// holds under memoryBudget before it is flushed. The cost model uses the
// same figure.
func MaxElements(keySize int, memoryBudget int64) uint64 {
	return cost.MaxElementsInTree(keySize, memoryBudget)
}

// Add inserts key. A key already in the tree has its count incremented.
// When the tree is full the tree is flushed to disk first.
func (u *Unique) Add(key []byte) error {
	if err := u.checkBuilding(); err != nil {
		return err
	}
	if len(key) != u.keySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrKeySize, len(key), u.keySize)
	}
	if u.tree.increment(key) {
		return nil
	}
	if u.tree.full() {
		if err := u.flush(); err != nil {
			return u.fail(err)
		}
	}
	u.tree.insert(key)
	return nil
}

// Flush writes the tree to disk as a new run and clears it.
func (u *Unique) Flush() error {
	if err := u.checkBuilding(); err != nil {
		return err
	}
	if err := u.flush(); err != nil {
		return u.fail(err)
	}
	return nil
}

func (u *Unique) flush() error {
	n := u.tree.Len()
	if n == 0 {
		return nil
	}
	start := time.Now()
	seg, err := u.writeTree()
	u.metrics.RecordFlush(n, seg.Length, time.Since(start), err)
	if err != nil {
		return err
	}

	u.runs = append(u.runs, run{rows: uint64(n), seg: seg})
	u.elements += uint64(n)
	u.flushes++
	u.tree.clear()

	u.log.Debug().
		Int("run", len(u.runs)-1).
		Int("rows", n).
		Int64("offset", seg.Offset).
		Int64("bytes", seg.Length).
		Msg("flushed tree")
	return nil
}

// writeTree writes the tree in key order as one segment of the runs file.
func (u *Unique) writeTree() (spill.Segment, error) {
	if u.file == nil {
		f, err := spill.Create(u.tempDir, "unique-runs", u.codec)
		if err != nil {
			return spill.Segment{}, fmt.Errorf("%w: %w", ErrIO, err)
		}
		u.file = f
	}
	w, err := u.file.NewSegment()
	if err != nil {
		return spill.Segment{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	var writeErr error
	u.tree.ascend(func(e *element) bool {
		encodeElement(u.rec, e, u.keySize, u.withCounters)
		if _, err := w.Write(u.rec); err != nil {
			writeErr = err
			return false
		}
		return true
	})
	seg, err := w.Close()
	if writeErr != nil {
		return spill.Segment{}, fmt.Errorf("%w: write run %d: %w", ErrIO, len(u.runs), writeErr)
	}
	if err != nil {
		return spill.Segment{}, fmt.Errorf("%w: close run %d: %w", ErrIO, len(u.runs), err)
	}
	return seg, nil
}

// Reset discards all keys, runs and results so the engine can be reused.
// It also recovers an engine from a failed flush or merge.
func (u *Unique) Reset() error {
	if u.state == stateClosed {
		return fmt.Errorf("%w: closed", ErrInvalidState)
	}
	u.tree.clear()
	u.runs = u.runs[:0]
	u.elements = 0
	u.filteredOut = 0
	u.returnRows = 0
	u.result = nil
	for _, f := range []*spill.File{u.file, u.temp, u.out} {
		if f == nil {
			continue
		}
		if err := f.Truncate(); err != nil {
			u.state = stateBroken
			return fmt.Errorf("%w: reset: %w", ErrIO, err)
		}
	}
	u.state = stateBuilding
	return nil
}

// Close releases the tree and removes the scratch files.
func (u *Unique) Close() error {
	if u.state == stateClosed {
		return nil
	}
	u.state = stateClosed
	u.tree.clear()
	u.runs = nil
	u.result = nil
	var firstErr error
	for _, f := range []*spill.File{u.file, u.temp, u.out} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: %w", ErrIO, err)
		}
	}
	return firstErr
}

func (u *Unique) checkBuilding() error {
	switch u.state {
	case stateBuilding:
		return nil
	case stateConsumed:
		return fmt.Errorf("%w: results already consumed, Reset first", ErrInvalidState)
	case stateBroken:
		return fmt.Errorf("%w: a previous flush or merge failed, Reset first", ErrInvalidState)
	default:
		return fmt.Errorf("%w: closed", ErrInvalidState)
	}
}

// fail marks the engine unusable until Reset and returns err.
func (u *Unique) fail(err error) error {
	u.state = stateBroken
	u.log.Error().Err(err).Msg("unique engine failed")
	return err
}

// mergeBuffer allocates the shared merge buffer: room for the larger of
// MergeBuff2+1 elements and the memory budget, plus one element.
func (u *Unique) mergeBuffer() ([]byte, error) {
	elems := u.budget/int64(u.fullSize) + 1
	if elems < cost.MergeBuff2+1 {
		elems = cost.MergeBuff2 + 1
	}
	if elems > math.MaxInt/int64(u.fullSize) {
		return nil, fmt.Errorf("%w: merge buffer of %d elements of %d bytes", ErrOutOfMemory, elems, u.fullSize)
	}
	return make([]byte, int(elems)*u.fullSize), nil
}

// KeySize returns the key width.
func (u *Unique) KeySize() int { return u.keySize }

// FullSize returns the width of a spilled element, key plus counter in
// counting mode.
func (u *Unique) FullSize() int { return u.fullSize }

// MaxElements returns the tree capacity.
func (u *Unique) MaxElements() uint64 { return u.maxElements }

// Elements returns the number of rows in flushed runs; keys still in the
// tree are not included.
func (u *Unique) Elements() uint64 { return u.elements }

// ElementsInTree returns the number of distinct keys in the tree.
func (u *Unique) ElementsInTree() int { return u.tree.Len() }

// Runs returns the number of runs on disk.
func (u *Unique) Runs() int { return len(u.runs) }

// FilteredOut returns the number of keys dropped by MinDupCount during the
// last Walk, Get or final Merge.
func (u *Unique) FilteredOut() uint64 { return u.filteredOut }

// ReturnRows returns the number of keys the last Get produced.
func (u *Unique) ReturnRows() uint64 { return u.returnRows }

// InMemory reports whether nothing has been spilled to disk.
func (u *Unique) InMemory() bool { return u.elements == 0 }

// Stats returns a snapshot of the engine's counters.
func (u *Unique) Stats() Stats {
	s := Stats{
		Elements:       u.elements,
		ElementsInTree: u.tree.Len(),
		Runs:           len(u.runs),
		FilteredOut:    u.filteredOut,
		Flushes:        u.flushes,
		MergePasses:    u.mergePasses,
	}
	for _, f := range []*spill.File{u.file, u.temp, u.out} {
		if f == nil {
			continue
		}
		enc, raw := f.BytesWritten()
		s.SpilledBytes += enc
		s.SpilledRaw += raw
	}
	return s
}
