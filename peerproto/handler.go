package peerproto

import (
	"fmt"

	"github.com/anacrolix/log"

	"github.com/anacrolix/bigfile/piecefield"
	"github.com/anacrolix/bigfile/types"
)

// The parts of a served site the handler needs.
type Site interface {
	// Local Piecefields by content hash.
	Piecefields() map[string]piecefield.Packed
	// Replaces what's known about a remote peer's pieces.
	SetPeerPiecefields(peerID string, fields map[string]piecefield.Packed)
}

// Answers piecefield requests from peers. Sites returns the served site for an address.
type Handler struct {
	Sites  func(address string) (Site, bool)
	MaxRun int
	Logger log.Logger
}

// Decodes a request body, and returns the encoded response. An error means the command isn't
// one handled here or the body didn't decode.
func (h Handler) Serve(from types.Peer, cmd string, body []byte) ([]byte, error) {
	var resp any
	switch cmd {
	case GetPiecefieldsCmd:
		var req GetPiecefieldsRequest
		if err := Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decoding %v request: %w", cmd, err)
		}
		resp = h.getPiecefields(req)
	case SetPiecefieldsCmd:
		var req SetPiecefieldsRequest
		if err := Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decoding %v request: %w", cmd, err)
		}
		resp = h.setPiecefields(from, req)
	default:
		return nil, fmt.Errorf("unhandled command %q", cmd)
	}
	return Marshal(resp)
}

func (h Handler) getPiecefields(req GetPiecefieldsRequest) (resp PiecefieldsResponse) {
	site, ok := h.Sites(req.Site)
	if !ok {
		resp.Error = errUnknownSite
		return
	}
	resp.PiecefieldsPacked = PackedToWire(site.Piecefields())
	return
}

func (h Handler) setPiecefields(from types.Peer, req SetPiecefieldsRequest) (resp SetPiecefieldsResponse) {
	site, ok := h.Sites(req.Site)
	if !ok {
		resp.Error = errUnknownSite
		from.BadAction(5)
		return
	}
	maxRun := h.MaxRun
	if maxRun == 0 {
		maxRun = piecefield.DefaultMaxRun
	}
	fields, malformed := PackedFromWire(req.PiecefieldsPacked, maxRun)
	if malformed != 0 {
		h.Logger.Levelf(log.Debug, "%v of %v piecefields pushed by %v were malformed", malformed, len(fields), from.ID())
	}
	site.SetPeerPiecefields(from.ID(), fields)
	resp.Ok = okUpdated
	return
}
