package piecefield

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Runs longer than this make a packed buffer corrupt. Encoders never emit longer runs, long runs
// are split with zero-length runs of the other symbol instead.
const DefaultMaxRun = 10000

var ErrMalformed = errors.New("malformed piecefield")

type MalformedError struct {
	Offset int
	Reason string
}

func (me *MalformedError) Error() string {
	return fmt.Sprintf("malformed piecefield at byte %v: %s", me.Offset, me.Reason)
}

func (me *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

// Run lengths of bits, starting with the length of the leading run of present bits (which may be
// zero) and alternating from there.
func runs(bits []bool, maxRun int) (ret []int) {
	if len(bits) == 0 {
		return nil
	}
	// Leading run is always "present".
	cur := true
	runLen := 0
	emit := func() {
		for runLen > maxRun {
			ret = append(ret, maxRun, 0)
			runLen -= maxRun
		}
		ret = append(ret, runLen)
	}
	for _, b := range bits {
		if b != cur {
			emit()
			cur = b
			runLen = 0
		}
		runLen++
	}
	emit()
	return
}

// Pack encodes bits as little-endian uint16 run lengths. An empty input packs to an empty buffer.
func Pack(bits []bool) Packed {
	rs := runs(bits, DefaultMaxRun)
	ret := make(Packed, 2*len(rs))
	for i, r := range rs {
		binary.LittleEndian.PutUint16(ret[2*i:], uint16(r))
	}
	return ret
}

// Decode expands a packed buffer. Any run longer than maxRun makes the whole buffer corrupt.
func Decode(packed []byte, maxRun int) (bits []bool, err error) {
	if len(packed)%2 != 0 {
		err = &MalformedError{len(packed) - 1, "odd length"}
		return
	}
	total := 0
	for off := 0; off < len(packed); off += 2 {
		r := int(binary.LittleEndian.Uint16(packed[off:]))
		if r > maxRun {
			err = &MalformedError{off, fmt.Sprintf("run of %v exceeds %v", r, maxRun)}
			return
		}
		total += r
	}
	bits = make([]bool, 0, total)
	cur := true
	for off := 0; off < len(packed); off += 2 {
		r := int(binary.LittleEndian.Uint16(packed[off:]))
		for range r {
			bits = append(bits, cur)
		}
		cur = !cur
	}
	return
}

// Unpack is the fail-soft form of Decode: a corrupt buffer yields no bits, meaning nothing is
// known to be present.
func Unpack(packed []byte) []bool {
	bits, err := Decode(packed, DefaultMaxRun)
	if err != nil {
		return nil
	}
	return bits
}
