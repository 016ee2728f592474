package testutil

import (
	"context"
	"errors"
	"fmt"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/bigfile/peerproto"
	"github.com/anacrolix/bigfile/rangepath"
	"github.com/anacrolix/bigfile/types"
)

var ErrNotServed = errors.New("file not served")

// A peer served in-process. Requests are encoded with the peer protocol and passed to Serve.
type Peer struct {
	Id  string
	Rev g.Option[int]
	// Answers Request. Usually a peerproto.Handler's Serve.
	Serve func(from types.Peer, cmd string, body []byte) ([]byte, error)
	// Presented to Serve as the requesting peer. Defaults to the Peer itself.
	From types.Peer
	// Contents served by GetFile.
	Files map[string][]byte
	// Flips the first byte of everything served.
	Corrupt bool
	// If set, GetFile blocks until it's closed or the context is done.
	Hold chan struct{}

	mu         sync.Mutex
	requests   []string
	getFiles   []string
	badActions int
}

var _ types.Peer = (*Peer)(nil)

func (me *Peer) ID() string { return me.Id }

func (me *Peer) Revision() g.Option[int] { return me.Rev }

func (me *Peer) Request(ctx context.Context, cmd string, params, resp any) error {
	me.mu.Lock()
	me.requests = append(me.requests, cmd)
	me.mu.Unlock()
	if me.Serve == nil {
		return fmt.Errorf("%v: no handler", me.Id)
	}
	body, err := peerproto.Marshal(params)
	if err != nil {
		return err
	}
	from := me.From
	if from == nil {
		from = me
	}
	out, err := me.Serve(from, cmd, body)
	if err != nil {
		return err
	}
	return peerproto.Unmarshal(out, resp)
}

func (me *Peer) GetFile(ctx context.Context, site, innerPath string, from, to int64) ([]byte, error) {
	key := innerPath
	if to != 0 {
		key = rangepath.Format(innerPath, from, to)
	}
	me.mu.Lock()
	me.getFiles = append(me.getFiles, key)
	me.mu.Unlock()
	if me.Hold != nil {
		select {
		case <-me.Hold:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	b, ok := me.Files[innerPath]
	if !ok {
		return nil, fmt.Errorf("%v: %q: %w", me.Id, innerPath, ErrNotServed)
	}
	if to != 0 {
		b = b[min(from, int64(len(b))):min(to, int64(len(b)))]
	}
	b = append([]byte(nil), b...)
	if me.Corrupt && len(b) != 0 {
		b[0] ^= 0xff
	}
	return b, nil
}

func (me *Peer) BadAction(weight int) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.badActions += weight
}

func (me *Peer) Requests() []string {
	me.mu.Lock()
	defer me.mu.Unlock()
	return append([]string(nil), me.requests...)
}

// The files requested with GetFile. Ranged requests appear as range paths.
func (me *Peer) GetFiles() []string {
	me.mu.Lock()
	defer me.mu.Unlock()
	return append([]string(nil), me.getFiles...)
}

func (me *Peer) BadActions() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.badActions
}

// A PeerDirectory over a fixed set of peers.
type Peers []types.Peer

func (me Peers) Peers() []types.Peer {
	return me
}
