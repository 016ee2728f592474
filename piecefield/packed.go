package piecefield

import (
	"encoding/binary"
)

// The packed run-length form. Peers' piecefields are kept this way since they're mostly queried
// for single bits and are replaced wholesale on refresh. Only validated buffers (see ParsePacked)
// should be queried.
type Packed []byte

// Validates a buffer received from elsewhere. Corrupt buffers are returned as an empty Packed along
// with the error, so callers can log and carry on knowing nothing about the peer.
func ParsePacked(b []byte, maxRun int) (Packed, error) {
	if _, err := Decode(b, maxRun); err != nil {
		return Packed{}, err
	}
	return Packed(b), nil
}

func (me Packed) run(i int) int {
	return int(binary.LittleEndian.Uint16(me[2*i:]))
}

func (me Packed) numRuns() int {
	return len(me) / 2
}

// Point query without expanding the buffer.
func (me Packed) Get(i int) bool {
	if i < 0 {
		return false
	}
	present := true
	for r := range me.numRuns() {
		l := me.run(r)
		if i < l {
			return present
		}
		i -= l
		present = !present
	}
	return false
}

func (me Packed) Len() (ret int) {
	for r := range me.numRuns() {
		ret += me.run(r)
	}
	return
}

func (me Packed) Unpack() *Piecefield {
	return FromPacked(me)
}
