package unique

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	fuzz "github.com/google/gofuzz"

	"github.com/freeeve/keyuniq/internal/cost"
	"github.com/freeeve/keyuniq/internal/keys"
	"github.com/freeeve/keyuniq/internal/spill"
)

// budgetFor returns a memory budget that holds exactly n keys of keySize.
func budgetFor(n, keySize int) int64 {
	return int64(n) * ((cost.ElementOverhead + int64(keySize) + 7) &^ 7)
}

func newInt32(t *testing.T, treeSize int, minDup uint64, codec spill.Codec) *Unique {
	t.Helper()
	u, err := New(keys.Int32, Config{
		KeySize:      keys.Int32Size,
		MemoryBudget: budgetFor(treeSize, keys.Int32Size),
		MinDupCount:  minDup,
		TempDir:      t.TempDir(),
		Compression:  codec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { u.Close() })
	return u
}

func addInt32(t *testing.T, u *Unique, vals ...int32) {
	t.Helper()
	key := make([]byte, keys.Int32Size)
	for _, v := range vals {
		keys.PutInt32(key, v)
		if err := u.Add(key); err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
	}
}

type pair struct {
	key   int32
	count uint64
}

func walkInt32(t *testing.T, u *Unique) []pair {
	t.Helper()
	var got []pair
	err := u.Walk(func(key []byte, count uint64) bool {
		got = append(got, pair{keys.GetInt32(key), count})
		return true
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	return got
}

func checkPairs(t *testing.T, got, want []pair) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d keys %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWalkCountsAcrossRuns(t *testing.T) {
	u := newInt32(t, 2, 1, spill.CodecNone)
	addInt32(t, u, 5, 3, 5, 1, 3, 3)

	if u.Runs() != 1 {
		t.Errorf("Runs = %d, want 1", u.Runs())
	}
	if u.Elements() != 2 {
		t.Errorf("Elements = %d, want 2", u.Elements())
	}
	if u.ElementsInTree() != 2 {
		t.Errorf("ElementsInTree = %d, want 2", u.ElementsInTree())
	}

	checkPairs(t, walkInt32(t, u), []pair{{1, 1}, {3, 3}, {5, 2}})
	if u.FilteredOut() != 0 {
		t.Errorf("FilteredOut = %d, want 0", u.FilteredOut())
	}
}

func TestWalkIntersect(t *testing.T) {
	for _, treeSize := range []int{1, 2, 100} {
		u := newInt32(t, treeSize, 2, spill.CodecNone)
		addInt32(t, u, 5, 3, 5, 1, 3, 3)

		checkPairs(t, walkInt32(t, u), []pair{{3, 3}, {5, 2}})
		if u.FilteredOut() != 1 {
			t.Errorf("tree %d: FilteredOut = %d, want 1", treeSize, u.FilteredOut())
		}
	}
}

func TestWalkForcedFlushes(t *testing.T) {
	u := newInt32(t, 100, 1, spill.CodecNone)
	for _, v := range []int32{5, 3, 5, 1, 3, 3} {
		addInt32(t, u, v)
		if err := u.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	if u.Runs() != 6 {
		t.Errorf("Runs = %d, want 6", u.Runs())
	}
	checkPairs(t, walkInt32(t, u), []pair{{1, 1}, {3, 3}, {5, 2}})
}

func TestWalkInMemory(t *testing.T) {
	u := newInt32(t, 100, 1, spill.CodecNone)
	addInt32(t, u, -7, 42, 0, 42, -7, 42)
	if !u.InMemory() {
		t.Fatal("InMemory = false, want true")
	}
	checkPairs(t, walkInt32(t, u), []pair{{-7, 2}, {0, 1}, {42, 3}})
	if u.Runs() != 0 {
		t.Errorf("Runs = %d, want 0", u.Runs())
	}
}

func TestWalkWithoutCounters(t *testing.T) {
	u := newInt32(t, 3, 0, spill.CodecNone)
	addInt32(t, u, 9, 8, 7, 6, 9, 8, 7, 6, 5)
	if u.FullSize() != keys.Int32Size {
		t.Errorf("FullSize = %d, want %d", u.FullSize(), keys.Int32Size)
	}
	checkPairs(t, walkInt32(t, u), []pair{{5, 1}, {6, 1}, {7, 1}, {8, 1}, {9, 1}})
}

func TestWalkMatchesOracle(t *testing.T) {
	fz := fuzz.NewWithSeed(42).NilChance(0).NumElements(3000, 6000)
	var input []uint32
	fz.Fuzz(&input)
	for i := range input {
		input[i] %= 700
	}

	want := roaring.New()
	counts := make(map[uint32]uint64)
	for _, v := range input {
		want.Add(v)
		counts[v]++
	}

	for _, codec := range []spill.Codec{spill.CodecNone, spill.CodecZstd, spill.CodecLZ4} {
		for _, minDup := range []uint64{0, 1} {
			u, err := New(keys.Uint32, Config{
				KeySize:      keys.Uint32Size,
				MemoryBudget: budgetFor(16, keys.Uint32Size),
				MinDupCount:  minDup,
				TempDir:      t.TempDir(),
				Compression:  codec,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			key := make([]byte, keys.Uint32Size)
			for _, v := range input {
				keys.PutUint32(key, v)
				if err := u.Add(key); err != nil {
					t.Fatalf("Add: %v", err)
				}
			}

			got := roaring.New()
			prev := int64(-1)
			err = u.Walk(func(key []byte, count uint64) bool {
				v := keys.GetUint32(key)
				if int64(v) <= prev {
					t.Errorf("%v/%d: key %d after %d", codec, minDup, v, prev)
				}
				prev = int64(v)
				got.Add(v)
				wantCount := uint64(1)
				if minDup > 0 {
					wantCount = counts[v]
				}
				if count != wantCount {
					t.Errorf("%v/%d: count(%d) = %d, want %d", codec, minDup, v, count, wantCount)
				}
				return true
			})
			if err != nil {
				t.Fatalf("%v/%d: Walk: %v", codec, minDup, err)
			}
			if !got.Equals(want) {
				t.Errorf("%v/%d: walked %d distinct keys, want %d", codec, minDup, got.GetCardinality(), want.GetCardinality())
			}
			u.Close()
		}
	}
}

func TestWalkCompactsManyRuns(t *testing.T) {
	// 16 elements of merge buffer cannot serve 40 runs at once.
	u := newInt32(t, 2, 1, spill.CodecNone)
	var want []pair
	for i := int32(0); i < 40; i++ {
		addInt32(t, u, i, i+1)
		if err := u.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
	}
	want = append(want, pair{0, 1})
	for i := int32(1); i < 40; i++ {
		want = append(want, pair{i, 2})
	}
	want = append(want, pair{40, 1})

	checkPairs(t, walkInt32(t, u), want)
	if s := u.Stats(); s.MergePasses == 0 {
		t.Errorf("MergePasses = 0, want compaction before the walk")
	}
	if u.Runs() > cost.MergeBuff2 {
		t.Errorf("Runs = %d after walk, want <= %d", u.Runs(), cost.MergeBuff2)
	}
}

func TestMergePartialReducesRuns(t *testing.T) {
	for _, runs := range []int{2, 5, 11, 15, 16, 40} {
		u := newInt32(t, 4, 1, spill.CodecZstd)
		var want []pair
		for i := 0; i < runs; i++ {
			v := int32(i * 3)
			addInt32(t, u, v, v+1, v+1)
			if err := u.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			want = append(want, pair{v, 1}, pair{v + 1, 2})
		}

		if err := u.Merge(true); err != nil {
			t.Fatalf("runs %d: Merge(true): %v", runs, err)
		}
		if u.Runs() >= runs || u.Runs() < 1 {
			t.Errorf("runs %d: Runs after partial merge = %d", runs, u.Runs())
		}
		if u.Elements() != uint64(2*runs) {
			t.Errorf("runs %d: Elements = %d, want %d", runs, u.Elements(), 2*runs)
		}

		// Still building: more keys may be added.
		addInt32(t, u, -1)
		want = append([]pair{{-1, 1}}, want...)
		checkPairs(t, walkInt32(t, u), want)
	}
}

func TestMergePartialSingleRun(t *testing.T) {
	u := newInt32(t, 4, 0, spill.CodecNone)
	addInt32(t, u, 1, 2)
	if err := u.Merge(true); err != nil {
		t.Fatalf("Merge(true): %v", err)
	}
	if u.Runs() != 1 {
		t.Errorf("Runs = %d, want 1", u.Runs())
	}
}

func scanInt32(t *testing.T, r *Result) []int32 {
	t.Helper()
	var got []int32
	if err := r.Scan(func(key []byte) bool {
		got = append(got, keys.GetInt32(key))
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return got
}

func checkInts(t *testing.T, got, want []int32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("key %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestGetInMemory(t *testing.T) {
	u := newInt32(t, 100, 2, spill.CodecNone)
	addInt32(t, u, 5, 3, 5, 1, 3, 3)

	r, err := u.Get()
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !r.InMemory() {
		t.Error("InMemory = false, want true")
	}
	if r.Len() != 2 || u.ReturnRows() != 2 {
		t.Errorf("Len = %d, ReturnRows = %d, want 2", r.Len(), u.ReturnRows())
	}
	if u.FilteredOut() != 1 {
		t.Errorf("FilteredOut = %d, want 1", u.FilteredOut())
	}
	if got := keys.GetInt32(r.Key(0)); got != 3 {
		t.Errorf("Key(0) = %d, want 3", got)
	}
	if r.Key(2) != nil {
		t.Error("Key(2) != nil")
	}
	checkInts(t, scanInt32(t, r), []int32{3, 5})
}

func TestGetSpilled(t *testing.T) {
	for _, codec := range []spill.Codec{spill.CodecNone, spill.CodecZstd, spill.CodecLZ4} {
		u := newInt32(t, 3, 2, codec)
		var want []int32
		for i := int32(0); i < 60; i++ {
			addInt32(t, u, i)
			if i%3 != 0 {
				addInt32(t, u, i)
				want = append(want, i)
			}
		}
		r, err := u.Get()
		if err != nil {
			t.Fatalf("%v: Get: %v", codec, err)
		}
		if r.InMemory() {
			t.Errorf("%v: InMemory = true, want false", codec)
		}
		if r.Key(0) != nil {
			t.Errorf("%v: Key on disk result != nil", codec)
		}
		if r.Len() != uint64(len(want)) || u.ReturnRows() != uint64(len(want)) {
			t.Errorf("%v: Len = %d, ReturnRows = %d, want %d", codec, r.Len(), u.ReturnRows(), len(want))
		}
		if u.FilteredOut() != 20 {
			t.Errorf("%v: FilteredOut = %d, want 20", codec, u.FilteredOut())
		}
		checkInts(t, scanInt32(t, r), want)
		if u.Result() != r {
			t.Errorf("%v: Result() does not return the Get result", codec)
		}
	}
}

func TestMergeFinal(t *testing.T) {
	u := newInt32(t, 2, 0, spill.CodecNone)
	addInt32(t, u, 4, 2, 4, 9, 2, 7)
	if err := u.Merge(false); err != nil {
		t.Fatalf("Merge(false): %v", err)
	}
	checkInts(t, scanInt32(t, u.Result()), []int32{2, 4, 7, 9})
	if err := u.Add(make([]byte, 4)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Add after final merge = %v, want ErrInvalidState", err)
	}
}

func TestResetIdempotent(t *testing.T) {
	seq := []int32{11, -3, 11, 8, 0, -3, 11, 5, 8, 2, 2, 2, 99, -40}

	fresh := newInt32(t, 3, 1, spill.CodecLZ4)
	addInt32(t, fresh, seq...)
	want := walkInt32(t, fresh)

	u := newInt32(t, 3, 1, spill.CodecLZ4)
	for round := 0; round < 3; round++ {
		addInt32(t, u, seq...)
		checkPairs(t, walkInt32(t, u), want)
		if err := u.Reset(); err != nil {
			t.Fatalf("Reset: %v", err)
		}
		if u.Elements() != 0 || u.Runs() != 0 || u.ElementsInTree() != 0 {
			t.Errorf("after Reset: Elements = %d, Runs = %d, tree = %d", u.Elements(), u.Runs(), u.ElementsInTree())
		}
	}
}

func TestWalkAbort(t *testing.T) {
	u := newInt32(t, 2, 0, spill.CodecNone)
	addInt32(t, u, 1, 2, 3, 4, 5, 6)
	var n int
	err := u.Walk(func([]byte, uint64) bool {
		n++
		return n < 3
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	if n != 3 {
		t.Errorf("visited %d keys, want 3", n)
	}
	if err := u.Walk(func([]byte, uint64) bool { return true }); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Walk = %v, want ErrInvalidState", err)
	}
}

func TestInvalidState(t *testing.T) {
	u := newInt32(t, 4, 0, spill.CodecNone)
	addInt32(t, u, 1)
	if _, err := u.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := u.Get(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("second Get = %v, want ErrInvalidState", err)
	}
	if err := u.Flush(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Flush after Get = %v, want ErrInvalidState", err)
	}
	if err := u.Merge(true); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Merge after Get = %v, want ErrInvalidState", err)
	}

	if err := u.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := u.Reset(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Reset after Close = %v, want ErrInvalidState", err)
	}
}

func TestKeySize(t *testing.T) {
	u := newInt32(t, 4, 0, spill.CodecNone)
	if err := u.Add([]byte{1, 2, 3}); !errors.Is(err, ErrKeySize) {
		t.Errorf("Add(3 bytes) = %v, want ErrKeySize", err)
	}
	if _, err := New(keys.Bytes, Config{}); !errors.Is(err, ErrKeySize) {
		t.Errorf("New(KeySize 0) = %v, want ErrKeySize", err)
	}
	if _, err := New(nil, Config{KeySize: 4}); err == nil {
		t.Error("New(nil comparator) succeeded")
	}
}

func TestFlushFailureBreaksEngine(t *testing.T) {
	u, err := New(keys.Int32, Config{
		KeySize:      keys.Int32Size,
		MemoryBudget: budgetFor(2, keys.Int32Size),
		TempDir:      filepath.Join(t.TempDir(), "missing"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer u.Close()

	key := make([]byte, 4)
	keys.PutInt32(key, 1)
	if err := u.Add(key); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := u.Flush(); !errors.Is(err, ErrIO) {
		t.Fatalf("Flush = %v, want ErrIO", err)
	}
	if err := u.Add(key); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Add after failed flush = %v, want ErrInvalidState", err)
	}
	if err := u.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if err := u.Add(key); err != nil {
		t.Errorf("Add after Reset: %v", err)
	}
}

func TestCloseRemovesScratchFiles(t *testing.T) {
	dir := t.TempDir()
	u, err := New(keys.Int32, Config{
		KeySize:      keys.Int32Size,
		MemoryBudget: budgetFor(2, keys.Int32Size),
		MinDupCount:  1,
		TempDir:      dir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addInt32(t, u, 1, 2, 3, 4, 5)
	if _, err := u.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) == 0 {
		t.Fatal("no scratch files after spilling")
	}
	if s := u.Stats(); s.SpilledBytes == 0 || s.Flushes == 0 {
		t.Errorf("Stats = %+v, want spilled bytes and flushes", s)
	}

	if err := u.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	entries, _ = os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("%d files left after Close", len(entries))
	}
}

func TestDescendingOrder(t *testing.T) {
	u, err := New(keys.Descending(keys.Int32), Config{
		KeySize:      keys.Int32Size,
		MemoryBudget: budgetFor(2, keys.Int32Size),
		TempDir:      t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer u.Close()

	rng := rand.New(rand.NewSource(1))
	vals := rng.Perm(50)
	for _, v := range vals {
		addInt32(t, u, int32(v), int32(v))
	}
	got := walkInt32(t, u)
	if len(got) != 50 {
		t.Fatalf("walked %d keys, want 50", len(got))
	}
	for i, p := range got {
		if p.key != int32(49-i) {
			t.Fatalf("key %d = %d, want %d", i, p.key, 49-i)
		}
	}
}

func TestMetricsCollector(t *testing.T) {
	m := &BasicMetricsCollector{}
	u, err := New(keys.Int32, Config{
		KeySize:      keys.Int32Size,
		MemoryBudget: budgetFor(2, keys.Int32Size),
		MinDupCount:  1,
		TempDir:      t.TempDir(),
		Metrics:      m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer u.Close()

	for i := int32(0); i < 40; i++ {
		addInt32(t, u, i)
	}
	if _, err := u.Get(); err != nil {
		t.Fatalf("Get: %v", err)
	}

	s := m.Snapshot()
	if s.Flushes != 20 {
		t.Errorf("Flushes = %d, want 20", s.Flushes)
	}
	if s.FlushedRows != 40 {
		t.Errorf("FlushedRows = %d, want 40", s.FlushedRows)
	}
	if s.MergePasses == 0 {
		t.Error("MergePasses = 0, want compaction of 20 runs")
	}
	if s.FinalMerges != 1 {
		t.Errorf("FinalMerges = %d, want 1", s.FinalMerges)
	}
	if s.FlushErrors != 0 || s.MergeErrors != 0 {
		t.Errorf("errors recorded: %+v", s)
	}
}
