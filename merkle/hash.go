package merkle

import (
	"hash"

	"github.com/anacrolix/missinggo/v2/panicif"
	"lukechampine.com/blake3"
)

// Splits written data into pieces of a fixed size, digesting each. Sum returns the Merkle root of
// the piece digests, including a trailing partial piece.
type Hash struct {
	pieceSize int64
	pieces    []Digest
	nextPiece *blake3.Hasher
	// How many bytes have been written to nextPiece so far.
	nextPieceWritten int64
}

func NewHash(pieceSize int64) *Hash {
	panicif.True(pieceSize <= 0)
	return &Hash{
		pieceSize: pieceSize,
		nextPiece: blake3.New(DigestSize, nil),
	}
}

func (h *Hash) remaining() int64 {
	return h.pieceSize - h.nextPieceWritten
}

func (h *Hash) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		var n1 int
		n1, err = h.nextPiece.Write(p[:min(int64(len(p)), h.remaining())])
		n += n1
		h.nextPieceWritten += int64(n1)
		p = p[n1:]
		if h.remaining() == 0 {
			h.pieces = append(h.pieces, h.nextPieceSum())
			h.nextPiece.Reset()
			h.nextPieceWritten = 0
		}
		if err != nil {
			break
		}
	}
	return
}

func (h *Hash) nextPieceSum() (sum Digest) {
	h.nextPiece.Sum(sum[:0])
	return
}

// Digests of all pieces written so far. A non-empty partial piece counts as the final piece.
func (h *Hash) Pieces() []Digest {
	pieces := h.pieces
	if h.nextPieceWritten != 0 {
		pieces = append(pieces[:len(pieces):len(pieces)], h.nextPieceSum())
	}
	return pieces
}

func (h *Hash) PieceSize() int64 {
	return h.pieceSize
}

func (h *Hash) Root() Digest {
	return Root(h.Pieces())
}

func (h *Hash) Sum(b []byte) []byte {
	sum := h.Root()
	return append(b, sum[:]...)
}

func (h *Hash) Reset() {
	h.pieces = h.pieces[:0]
	h.nextPiece.Reset()
	h.nextPieceWritten = 0
}

func (h *Hash) Size() int {
	return DigestSize
}

func (h *Hash) BlockSize() int {
	return h.nextPiece.BlockSize()
}

var _ hash.Hash = (*Hash)(nil)
