// Package peercache holds what remote peers have told us about the pieces of bigfiles they have.
package peercache

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"maps"
	"time"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"golang.org/x/sync/singleflight"

	"github.com/anacrolix/bigfile/peerproto"
	"github.com/anacrolix/bigfile/piecefield"
	"github.com/anacrolix/bigfile/types"
)

const DefaultRefreshInterval = time.Minute

var (
	refreshes        = expvar.NewInt("peercacheRefreshes")
	refreshFailures  = expvar.NewInt("peercacheRefreshFailures")
	refreshThrottled = expvar.NewInt("peercacheRefreshThrottled")
	malformedFields  = expvar.NewInt("peercacheMalformedPiecefields")
)

type Opts struct {
	// Address of the site, sent with requests.
	Site            string
	RefreshInterval g.Option[time.Duration]
	MinRevision     g.Option[int]
	MaxRun          g.Option[int]
	Logger          log.Logger
	// Called without locks held when the stored Piecefields of a peer changed.
	OnChanged func(peerID string)
}

// Per peer remote Piecefields for a site.
type Cache struct {
	site            string
	refreshInterval time.Duration
	minRevision     int
	maxRun          int
	logger          log.Logger
	onChanged       func(peerID string)

	refreshing singleflight.Group
	mu         sync.Mutex
	peers      map[string]*peerState
}

type peerState struct {
	lastRefresh time.Time
	fields      map[string]piecefield.Packed
}

func New(opts Opts) *Cache {
	return &Cache{
		site:            opts.Site,
		refreshInterval: opts.RefreshInterval.UnwrapOr(DefaultRefreshInterval),
		minRevision:     opts.MinRevision.UnwrapOr(peerproto.MinRevision),
		maxRun:          opts.MaxRun.UnwrapOr(piecefield.DefaultMaxRun),
		logger:          opts.Logger.WithNames("peercache"),
		onChanged:       opts.OnChanged,
	}
}

// Lazily creates the state for a peer. c.mu must be held.
func (c *Cache) peer(id string) *peerState {
	ps, ok := c.peers[id]
	if !ok {
		ps = &peerState{}
		g.MakeMapIfNilAndSet(&c.peers, id, ps)
	}
	return ps
}

// Whether a peer's revision is recent enough to be asked. Peers we haven't completed a handshake
// with are given the benefit of the doubt.
func (c *Cache) Supported(peer types.Peer) bool {
	rev := peer.Revision()
	return !rev.Ok || rev.Value >= c.minRevision
}

// Requests the peer's Piecefields and replaces what's stored for it. Refreshes more frequent than
// the interval are skipped unless forced. Concurrent refreshes of a peer share one request. Returns
// whether fresh data was received. Failures are logged, never returned.
func (c *Cache) Refresh(ctx context.Context, peer types.Peer, force bool) bool {
	if !c.Supported(peer) {
		return false
	}
	id := peer.ID()
	v, _, _ := c.refreshing.Do(id, func() (any, error) {
		return c.refresh(ctx, peer, force), nil
	})
	return v.(bool)
}

func (c *Cache) refresh(ctx context.Context, peer types.Peer, force bool) bool {
	id := peer.ID()
	c.mu.Lock()
	ps := c.peer(id)
	if !force && !ps.lastRefresh.IsZero() && time.Since(ps.lastRefresh) < c.refreshInterval {
		c.mu.Unlock()
		refreshThrottled.Add(1)
		return false
	}
	// Set before the request so failing peers are throttled too.
	ps.lastRefresh = time.Now()
	c.mu.Unlock()
	refreshes.Add(1)
	var resp peerproto.PiecefieldsResponse
	err := peer.Request(ctx, peerproto.GetPiecefieldsCmd, peerproto.GetPiecefieldsRequest{Site: c.site}, &resp)
	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	if err != nil {
		refreshFailures.Add(1)
		c.logger.Levelf(log.Debug, "refreshing piecefields of %v: %v", id, err)
		return false
	}
	fields, malformed := peerproto.PackedFromWire(resp.PiecefieldsPacked, c.maxRun)
	if malformed != 0 {
		malformedFields.Add(int64(malformed))
		c.logger.Levelf(log.Debug, "%v sent %v malformed piecefields", id, malformed)
	}
	c.replace(id, fields)
	return true
}

// Stores Piecefields pushed by a peer.
func (c *Cache) Set(peerID string, fields map[string]piecefield.Packed) {
	c.replace(peerID, fields)
}

func (c *Cache) replace(peerID string, fields map[string]piecefield.Packed) {
	c.mu.Lock()
	ps := c.peer(peerID)
	changed := !equalFields(ps.fields, fields)
	ps.fields = maps.Clone(fields)
	c.mu.Unlock()
	if changed && c.onChanged != nil {
		c.onChanged(peerID)
	}
}

func equalFields(a, b map[string]piecefield.Packed) bool {
	if len(a) != len(b) {
		return false
	}
	for hash, ap := range a {
		bp, ok := b[hash]
		if !ok || !bytes.Equal(ap, bp) {
			return false
		}
	}
	return true
}

// The stored Piecefield of a peer for a content hash.
func (c *Cache) Get(peerID, hash string) (p piecefield.Packed, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.peers[peerID]
	if !ok {
		return
	}
	p, ok = ps.fields[hash]
	return
}

func (c *Cache) Has(peerID, hash string) bool {
	_, ok := c.Get(peerID, hash)
	return ok
}

func (c *Cache) LastRefresh(peerID string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ps, ok := c.peers[peerID]; ok {
		return ps.lastRefresh
	}
	return time.Time{}
}

// Forgets a disconnected peer.
func (c *Cache) DropPeer(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, peerID)
}

// Forgets every peer's Piecefield for a content hash.
func (c *Cache) DropHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ps := range c.peers {
		delete(ps.fields, hash)
	}
}
