// Package cost estimates what the unique engine will spend on a key
// population without doing any I/O.
//
// Costs are expressed in disk-seek equivalents. CPU work (key comparisons)
// is converted into the same unit by dividing by a caller supplied compare
// factor, the number of comparisons that cost as much as one disk seek.
//
// The package also owns the grouping plan of a compaction pass, so the
// simulated merge here and the real one in the engine cannot drift apart.
package cost

import (
	"math"
)

const (
	// IOSize is the unit of sequential disk transfer.
	IOSize = 4096

	// DiskSeekBaseCost is the cost of one sequential IOSize write.
	DiskSeekBaseCost = 0.9

	// MergeBuff is the fan-in of a compaction pass group.
	MergeBuff = 7

	// MergeBuff2 is the highest run index a final merge takes directly.
	// With more runs than that, compaction passes run first.
	MergeBuff2 = 15

	// ElementOverhead is the in-memory cost of one tree element besides the
	// key bytes: item pointer, key slice header and counter.
	ElementOverhead = 48

	// CounterWidth is the on-disk width of an occurrence counter.
	CounterWidth = 8
)

func align8(n int64) int64 {
	return (n + 7) &^ 7
}

// MaxElementsInTree returns how many distinct keys of keySize bytes fit in
// memoryBudget bytes. It is never less than one.
func MaxElementsInTree(keySize int, memoryBudget int64) uint64 {
	if memoryBudget <= 0 {
		return 1
	}
	n := memoryBudget / align8(ElementOverhead+int64(keySize))
	if n < 1 {
		return 1
	}
	return uint64(n)
}

// Log2Fact approximates log2(x!) using Stirling's formula:
//
//	log2(x!) = (ln(2*pi*x)/2 + x*ln(x/e)) / ln(2)
func Log2Fact(x float64) float64 {
	return (math.Log(2*math.Pi*x)/2 + x*math.Log(x/math.E)) / math.Ln2
}

// Group is an inclusive range of run indexes merged into one run.
type Group struct {
	First, Last int
}

// Len returns the number of runs in the group.
func (g Group) Len() int { return g.Last - g.First + 1 }

// NeedsPass reports whether runs runs must be compacted before a final merge.
func NeedsPass(runs int) bool {
	return runs-1 >= MergeBuff2
}

// PassGroups splits runs runs into the groups of one compaction pass:
// groups of MergeBuff runs while at least MergeBuff*3/2 remain after them,
// then one tail group with the rest. Group k of a pass becomes run k of
// the next pass.
func PassGroups(runs int) []Group {
	if runs <= 0 {
		return nil
	}
	maxBuffer := runs - 1
	groups := make([]Group, 0, runs/MergeBuff+1)
	i := 0
	for ; i <= maxBuffer-MergeBuff*3/2; i += MergeBuff {
		groups = append(groups, Group{First: i, Last: i + MergeBuff - 1})
	}
	return append(groups, Group{First: i, Last: maxBuffer})
}

// MergeBuffersCost returns the cost of merging the runs elems[first..last]
// into one and stores the merged element count in elems[last] so that
// passes can be chained. Every byte is read and written once, and each
// element goes through a heap of (last-first+1) runs. No elements are
// assumed to be eliminated.
func MergeBuffersCost(elems []uint64, elemSize int, first, last int, compareFactor float64) float64 {
	var total uint64
	for _, n := range elems[first : last+1] {
		total += n
	}
	elems[last] = total
	nBuffers := float64(last - first + 1)
	t := float64(total)
	return 2*t*float64(elemSize)/IOSize + t*math.Log(nBuffers)/(compareFactor*math.Ln2)
}

// MergeManyBuffsCost simulates compacting maxBuffer runs of maxElems
// elements plus one run of lastElems elements down to a single run:
// every compaction pass the engine would run followed by the final merge.
// elems must have room for maxBuffer+1 counts; see CalcBuffSize.
func MergeManyBuffsCost(elems []uint64, maxBuffer int, maxElems, lastElems uint64, elemSize int, compareFactor float64) float64 {
	for i := 0; i < maxBuffer; i++ {
		elems[i] = maxElems
	}
	elems[maxBuffer] = lastElems

	var total float64
	for NeedsPass(maxBuffer + 1) {
		groups := PassGroups(maxBuffer + 1)
		for k, g := range groups {
			total += MergeBuffersCost(elems, elemSize, g.First, g.Last, compareFactor)
			elems[k] = elems[g.Last]
		}
		maxBuffer = len(groups) - 1
	}
	return total + MergeBuffersCost(elems, elemSize, 0, maxBuffer, compareFactor)
}

// CalcBuffSize returns the number of counters MergeManyBuffsCost needs when
// estimating nKeys keys.
func CalcBuffSize(nKeys uint64, keySize int, memoryBudget int64) int {
	full, _ := trees(nKeys, MaxElementsInTree(keySize, memoryBudget))
	return int(full) + 1
}

// trees splits nKeys into full trees and the tree still in memory when
// the keys have all been added. A tree is only spilled when a key arrives
// that no longer fits, so the last tree holds between 1 and maxElems keys.
func trees(nKeys, maxElems uint64) (full, last uint64) {
	if nKeys == 0 {
		return 0, 0
	}
	full = (nKeys - 1) / maxElems
	return full, nKeys - full*maxElems
}

// Breakdown is the result of Estimate.
type Breakdown struct {
	Cost     float64
	InMemory bool

	MaxElementsInTree uint64
	FullTrees         uint64
	LastTreeElements  uint64

	BuildCost float64
	WriteCost float64
	MergeCost float64
	ReadCost  float64
}

// Estimate returns the cost of pushing nKeys distinct keys of keySize bytes
// through the engine with memoryBudget bytes of tree memory. intersect adds
// an occurrence counter to every spilled element. A compareFactor <= 0 is
// treated as 1.
func Estimate(nKeys uint64, keySize int, memoryBudget int64, compareFactor float64, intersect bool) Breakdown {
	return estimate(nil, nKeys, keySize, memoryBudget, compareFactor, intersect)
}

// UseCost is Estimate reduced to the cost and whether the keys stay in
// memory. scratch is reused when it has at least CalcBuffSize entries.
func UseCost(scratch []uint64, nKeys uint64, keySize int, memoryBudget int64, compareFactor float64, intersect bool) (float64, bool) {
	b := estimate(scratch, nKeys, keySize, memoryBudget, compareFactor, intersect)
	return b.Cost, b.InMemory
}

func estimate(scratch []uint64, nKeys uint64, keySize int, memoryBudget int64, compareFactor float64, intersect bool) Breakdown {
	if compareFactor <= 0 {
		compareFactor = 1
	}
	maxElems := MaxElementsInTree(keySize, memoryBudget)
	full, last := trees(nKeys, maxElems)

	b := Breakdown{
		MaxElementsInTree: maxElems,
		FullTrees:         full,
		LastTreeElements:  last,
		InMemory:          full == 0,
	}

	// Inserting N distinct keys into a balanced tree takes about
	// 2*log2((N+1)!) comparisons.
	b.BuildCost = 2 * Log2Fact(float64(last)+1)
	if full > 0 {
		b.BuildCost += float64(full) * 2 * Log2Fact(float64(maxElems)+1)
	}
	b.BuildCost /= compareFactor
	if b.InMemory {
		b.Cost = b.BuildCost
		return b
	}

	ks := float64(keySize)
	b.WriteCost = DiskSeekBaseCost * float64(full) * math.Ceil(ks*float64(maxElems)/IOSize)
	b.WriteCost += DiskSeekBaseCost * math.Ceil(ks*float64(last)/IOSize)

	elemSize := keySize
	if intersect {
		elemSize += CounterWidth
	}
	need := int(full) + 1
	if len(scratch) < need {
		scratch = make([]uint64, need)
	}
	b.MergeCost = MergeManyBuffsCost(scratch, int(full), maxElems, last, elemSize, compareFactor)

	// Reading the result back, assuming nothing was eliminated.
	b.ReadCost = math.Ceil(float64(elemSize) * float64(nKeys) / IOSize)

	b.Cost = b.BuildCost + b.WriteCost + b.MergeCost + b.ReadCost
	return b
}
