// package types contains the types shared between the scheduler, storage and the bigfile package,
// and the interfaces of the collaborators the engine is embedded in (manifests, peers and the
// general site storage writer).
package types

import (
	"context"
	"errors"
	"fmt"
	"io"

	g "github.com/anacrolix/generics"
)

type PieceIndex = int

// Describes the importance of obtaining a particular file or piece. Higher is more urgent.
type Priority int

func (pp *Priority) Raise(maybe Priority) bool {
	if maybe > *pp {
		*pp = maybe
		return true
	}
	return false
}

const (
	PriorityPrebuffer Priority = 3  // Upper bound for readahead pieces, decreasing with distance.
	PriorityRead      Priority = 10 // A File is blocked reading this piece.
	PriorityPiecemap  Priority = 30 // Pieces can't be verified without it.
)

// What the signed manifest says about a file. Bigfiles have a Piecemap and a PieceSize.
type FileInfo struct {
	InnerPath string
	// Merkle root for bigfiles, the flat digest otherwise. Hex encoded.
	Hash string
	Size int64
	// Inner path of the piecemap side-car. Empty for files that aren't split.
	Piecemap  string
	PieceSize int64
}

func (fi FileInfo) IsBigfile() bool {
	return fi.Piecemap != "" && fi.PieceSize > 0
}

func (fi FileInfo) NumPieces() int {
	if fi.PieceSize <= 0 {
		return 0
	}
	return int((fi.Size + fi.PieceSize - 1) / fi.PieceSize)
}

func (fi FileInfo) String() string {
	return fmt.Sprintf("%q (%v bytes, hash %.16s)", fi.InnerPath, fi.Size, fi.Hash)
}

// Resolves inner paths against the site's signed manifests. Range suffixes are stripped by the
// caller.
type ContentResolver interface {
	// Returns ErrUnknownFile (possibly wrapped) if no manifest lists the path.
	FileInfo(innerPath string) (FileInfo, error)
	// Checks a whole, non-ranged file against the manifests.
	VerifyFile(innerPath string, r io.Reader) error
}

// A remote peer for a site. Implementations own the connection and the wire encoding.
type Peer interface {
	ID() string
	// The protocol revision from the handshake, if a connection has been made.
	Revision() g.Option[int]
	// Generic request/response RPC. resp is decoded into.
	Request(ctx context.Context, cmd string, params, resp any) error
	// Fetches a file. When to is zero the whole file is requested, otherwise the byte range
	// [from, to).
	GetFile(ctx context.Context, site, innerPath string, from, to int64) ([]byte, error)
	// Increments the connection's misbehaviour counter.
	BadAction(weight int)
}

type PeerDirectory interface {
	Peers() []Peer
}

// The site storage writer used for files that aren't addressed by range.
type FileWriter interface {
	WriteFile(innerPath string, r io.Reader) error
}

var ErrUnknownFile = errors.New("unknown file")
