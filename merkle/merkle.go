// Package merkle computes piece digests and the Merkle root over them that identifies a bigfile.
package merkle

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

const DigestSize = 32

type Digest [DigestSize]byte

func (d Digest) HexString() string {
	return hex.EncodeToString(d[:])
}

// Piece digest: blake3 truncated to 256 bits.
func Sum(b []byte) Digest {
	return blake3.Sum256(b)
}

func hashPair(left, right Digest) Digest {
	var buf [2 * DigestSize]byte
	copy(buf[:], left[:])
	copy(buf[DigestSize:], right[:])
	return blake3.Sum256(buf[:])
}

// Root of the tree with the given leaves. Each layer hashes adjacent pairs; a trailing unpaired
// node is promoted to the next layer unchanged. A single leaf is its own root.
func Root(leaves []Digest) Digest {
	switch len(leaves) {
	case 0:
		return Sum(nil)
	case 1:
		return leaves[0]
	}
	next := make([]Digest, 0, (len(leaves)+1)/2)
	for i := 0; i < len(leaves); i += 2 {
		if i+1 == len(leaves) {
			next = append(next, leaves[i])
			break
		}
		next = append(next, hashPair(leaves[i], leaves[i+1]))
	}
	return Root(next)
}

func DigestsFromBytes(bs [][]byte) (ret []Digest, ok bool) {
	ret = make([]Digest, len(bs))
	for i, b := range bs {
		if copy(ret[i][:], b) != DigestSize || len(b) != DigestSize {
			return nil, false
		}
	}
	return ret, true
}
