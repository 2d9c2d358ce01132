package unique

import (
	"encoding/binary"

	"github.com/freeeve/keyuniq/internal/cost"
)

// Spilled element encoding: KeySize + 8 bytes in counting mode
// - Key: KeySize bytes, as given to Add
// - Count (uint64, big-endian): 8 bytes, counting mode only
//
// The final merged output of Get stores keys only.

// CounterWidth is the width of the occurrence counter appended to spilled
// keys in counting mode.
const CounterWidth = cost.CounterWidth

func putCount(rec []byte, keySize int, count uint64) {
	binary.BigEndian.PutUint64(rec[keySize:keySize+CounterWidth], count)
}

func getCount(rec []byte, keySize int) uint64 {
	return binary.BigEndian.Uint64(rec[keySize : keySize+CounterWidth])
}

// encodeElement writes e into rec, which must be fullSize bytes long.
func encodeElement(rec []byte, e *element, keySize int, withCounters bool) {
	copy(rec[:keySize], e.key)
	if withCounters {
		putCount(rec, keySize, e.count)
	}
}
