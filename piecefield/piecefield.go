// Package piecefield tracks which pieces of a bigfile are present, and converts between the
// resident form and the packed run-length form used on the wire and for persistence.
package piecefield

import (
	"strings"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/sync"
)

// One bit per piece of a content hash. Safe for concurrent use; setting a bit is idempotent so
// callers sharing a Piecefield need no extra locking.
type Piecefield struct {
	mu   sync.RWMutex
	bits roaring.Bitmap
	// Bits below length that aren't in the bitmap are absent.
	length int
}

// A Piecefield of n bits, all with the given value.
func New(n int, present bool) *Piecefield {
	ret := &Piecefield{}
	ret.Fill(n, present)
	return ret
}

func FromBools(bits []bool) *Piecefield {
	ret := &Piecefield{length: len(bits)}
	for i, b := range bits {
		if b {
			ret.bits.Add(uint32(i))
		}
	}
	return ret
}

// Decodes a packed buffer. Corrupt buffers give an empty Piecefield.
func FromPacked(packed []byte) *Piecefield {
	return FromBools(Unpack(packed))
}

// Replaces the contents with n bits of the same value.
func (me *Piecefield) Fill(n int, present bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.bits.Clear()
	if present && n > 0 {
		me.bits.AddRange(0, uint64(n))
	}
	me.length = n
}

func (me *Piecefield) Len() int {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return me.length
}

// Out of range indexes are absent.
func (me *Piecefield) Get(i int) bool {
	if i < 0 {
		return false
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	if i >= me.length {
		return false
	}
	return me.bits.Contains(uint32(i))
}

// Sets bit i, extending the field with absent bits if it's too short.
func (me *Piecefield) Set(i int, present bool) {
	if i < 0 {
		return
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	if i >= me.length {
		me.length = i + 1
	}
	if present {
		me.bits.Add(uint32(i))
	} else {
		me.bits.Remove(uint32(i))
	}
}

// Number of present bits.
func (me *Piecefield) Count() int {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return int(me.bits.GetCardinality())
}

func (me *Piecefield) Complete() bool {
	me.mu.RLock()
	defer me.mu.RUnlock()
	return int(me.bits.GetCardinality()) == me.length
}

func (me *Piecefield) Bools() []bool {
	me.mu.RLock()
	defer me.mu.RUnlock()
	ret := make([]bool, me.length)
	it := me.bits.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= me.length {
			break
		}
		ret[i] = true
	}
	return ret
}

// Indexes of absent bits in order.
func (me *Piecefield) Missing() (ret []int) {
	for i, b := range me.Bools() {
		if !b {
			ret = append(ret, i)
		}
	}
	return
}

func (me *Piecefield) Pack() Packed {
	return Pack(me.Bools())
}

// Renders the field as '0' and '1' characters.
func (me *Piecefield) String() string {
	var sb strings.Builder
	for _, b := range me.Bools() {
		if b {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
