package unique

import (
	"github.com/google/btree"
)

const (
	btreeDegree = 32
	maxSlabSize = 1024
)

// element is one distinct key held in memory with its occurrence count.
type element struct {
	key   []byte
	count uint64
}

// slab backs a batch of elements and their key bytes.
type slab struct {
	elems []element
	keys  []byte
}

// arena hands out elements from slabs that survive clear, so refilling
// the tree after a flush does not allocate.
type arena struct {
	keySize  int
	slabSize int
	slabs    []*slab
	cur      int // slab being filled
	used     int // elements taken from slabs[cur]
}

func (a *arena) newSlab() *slab {
	return &slab{
		elems: make([]element, a.slabSize),
		keys:  make([]byte, a.slabSize*a.keySize),
	}
}

func (a *arena) alloc(key []byte) *element {
	if len(a.slabs) == 0 {
		a.slabs = append(a.slabs, a.newSlab())
	}
	if a.used == a.slabSize {
		a.cur++
		a.used = 0
		if a.cur == len(a.slabs) {
			a.slabs = append(a.slabs, a.newSlab())
		}
	}
	s := a.slabs[a.cur]
	e := &s.elems[a.used]
	off := a.used * a.keySize
	e.key = s.keys[off : off+a.keySize : off+a.keySize]
	copy(e.key, key)
	e.count = 1
	a.used++
	return e
}

func (a *arena) reset() {
	a.cur, a.used = 0, 0
}

// tree is the in-memory ordered set of distinct keys seen since the last
// flush.
type tree struct {
	bt    *btree.BTreeG[*element]
	arena arena
	probe element
	max   int
}

func newTree(cmp Compare, keySize int, maxElements uint64) *tree {
	slabSize := maxSlabSize
	if maxElements < uint64(slabSize) {
		slabSize = int(maxElements)
	}
	return &tree{
		bt: btree.NewG[*element](btreeDegree, func(a, b *element) bool {
			return cmp(a.key, b.key) < 0
		}),
		arena: arena{keySize: keySize, slabSize: slabSize},
		max:   int(maxElements),
	}
}

// increment bumps the count of key if it is present.
func (t *tree) increment(key []byte) bool {
	t.probe.key = key
	e, ok := t.bt.Get(&t.probe)
	t.probe.key = nil
	if !ok {
		return false
	}
	e.count++
	return true
}

// insert adds a key known to be absent.
func (t *tree) insert(key []byte) {
	t.bt.ReplaceOrInsert(t.arena.alloc(key))
}

// full reports whether one more distinct key would exceed the budget.
func (t *tree) full() bool {
	return t.bt.Len() >= t.max
}

// Len returns the number of distinct keys.
func (t *tree) Len() int {
	return t.bt.Len()
}

// ascend visits elements in key order until fn returns false.
func (t *tree) ascend(fn func(e *element) bool) {
	t.bt.Ascend(func(e *element) bool {
		return fn(e)
	})
}

// clear empties the tree, keeping its memory for reuse.
func (t *tree) clear() {
	t.bt.Clear(true)
	t.arena.reset()
}
