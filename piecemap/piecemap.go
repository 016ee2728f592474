// Package piecemap builds, persists and checks the per-piece digests of bigfiles.
package piecemap

import (
	"fmt"
	"path"

	"github.com/vmihailenco/msgpack"

	"github.com/anacrolix/bigfile/merkle"
)

const (
	// Appended to a bigfile's inner path to name its side-car.
	Suffix           = ".piecemap.msgpack"
	DefaultPieceSize = 1 << 20
)

// The piece size and ordered piece digests of a file. Immutable once built: changed content is a
// different file with a different hash.
type PieceMap struct {
	PieceSize int64
	Digests   []merkle.Digest
}

func (pm PieceMap) NumPieces() int {
	return len(pm.Digests)
}

func (pm PieceMap) Root() merkle.Digest {
	return merkle.Root(pm.Digests)
}

// The content hash of the file the map describes.
func (pm PieceMap) RootHex() string {
	return pm.Root().HexString()
}

func (pm PieceMap) PieceIndex(offset int64) int {
	return int(offset / pm.PieceSize)
}

func SideCarPath(innerPath string) string {
	return innerPath + Suffix
}

type sideCarEntry struct {
	PieceSize int64    `msgpack:"piece_size"`
	Pieces    [][]byte `msgpack:"pieces"`
}

// Encodes the side-car content. Entries are keyed by the file's base name so the side-car stays
// valid when the directory is moved.
func (pm PieceMap) MarshalSideCar(innerPath string) ([]byte, error) {
	var e sideCarEntry
	e.PieceSize = pm.PieceSize
	for _, d := range pm.Digests {
		e.Pieces = append(e.Pieces, d[:])
	}
	return msgpack.Marshal(map[string]sideCarEntry{path.Base(innerPath): e})
}

func UnmarshalSideCar(b []byte, innerPath string) (pm PieceMap, err error) {
	var m map[string]sideCarEntry
	err = msgpack.Unmarshal(b, &m)
	if err != nil {
		err = fmt.Errorf("decoding piecemap: %w", err)
		return
	}
	name := path.Base(innerPath)
	e, ok := m[name]
	if !ok {
		err = fmt.Errorf("piecemap has no entry for %q", name)
		return
	}
	digests, ok := merkle.DigestsFromBytes(e.Pieces)
	if !ok {
		err = fmt.Errorf("piecemap for %q has a malformed digest", name)
		return
	}
	pm = PieceMap{
		PieceSize: e.PieceSize,
		Digests:   digests,
	}
	return
}
