// Package peerproto defines the messages peers exchange about the pieces of bigfiles they hold, and
// answers them for local sites.
package peerproto

import (
	"github.com/vmihailenco/msgpack"

	"github.com/anacrolix/bigfile/piecefield"
)

const (
	GetPiecefieldsCmd = "getPiecefields"
	SetPiecefieldsCmd = "setPiecefields"
)

// Peers from before this protocol revision don't understand piecefield messages.
const MinRevision = 2190

const (
	errUnknownSite = "Unknown site"
	okUpdated      = "Updated"
)

type GetPiecefieldsRequest struct {
	Site string `msgpack:"site"`
}

// Response to GetPiecefieldsCmd: a packed Piecefield per content hash.
type PiecefieldsResponse struct {
	PiecefieldsPacked map[string][]byte `msgpack:"piecefields_packed,omitempty"`
	Error             string            `msgpack:"error,omitempty"`
}

// Pushes the sender's Piecefields, replacing whatever the receiver held for it.
type SetPiecefieldsRequest struct {
	Site              string            `msgpack:"site"`
	PiecefieldsPacked map[string][]byte `msgpack:"piecefields_packed"`
}

type SetPiecefieldsResponse struct {
	Ok    string `msgpack:"ok,omitempty"`
	Error string `msgpack:"error,omitempty"`
}

func PackedToWire(fields map[string]piecefield.Packed) map[string][]byte {
	ret := make(map[string][]byte, len(fields))
	for hash, p := range fields {
		ret[hash] = p
	}
	return ret
}

// Converts received Piecefields, replacing malformed ones with empty ones. Returns the number
// that were malformed.
func PackedFromWire(wire map[string][]byte, maxRun int) (ret map[string]piecefield.Packed, malformed int) {
	ret = make(map[string]piecefield.Packed, len(wire))
	for hash, b := range wire {
		p, err := piecefield.ParsePacked(b, maxRun)
		if err != nil {
			malformed++
		}
		ret[hash] = p
	}
	return
}

func Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func Unmarshal(b []byte, v any) error {
	return msgpack.Unmarshal(b, v)
}
