// Package bigfile distributes large files between the peers of a site in verified pieces, so
// they can be streamed and served before they're complete.
package bigfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/bigfile/peercache"
	"github.com/anacrolix/bigfile/peerproto"
	"github.com/anacrolix/bigfile/piecefield"
	"github.com/anacrolix/bigfile/piecemap"
	"github.com/anacrolix/bigfile/rangepath"
	"github.com/anacrolix/bigfile/scheduler"
	"github.com/anacrolix/bigfile/storage"
	"github.com/anacrolix/bigfile/types"
)

type SiteOpts struct {
	// The site's address, used in peer requests.
	Address  string
	Resolver types.ContentResolver
	Peers    types.PeerDirectory
	// Writes whole files. Defaults to writing beneath Config.DataDir.
	Writer types.FileWriter
	// Where Piecefields are kept between runs. Defaults to a bbolt database in Config.DataDir. The
	// Site closes it.
	SettingsCache storage.SettingsCache
}

// The bigfile engine for one site. It owns the local pieces, what's known of peers' pieces, and
// the fetching of missing ones.
type Site struct {
	address  string
	config   *Config
	resolver types.ContentResolver
	logger   log.Logger

	storage   *storage.Manager
	maps      *piecemap.Store
	cache     *peercache.Cache
	scheduler *scheduler.Scheduler
	settings  storage.SettingsCache

	mu     sync.Mutex
	closed bool
}

var _ peerproto.Site = (*Site)(nil)

func New(cfg *Config, opts SiteOpts) (s *Site, err error) {
	if cfg == nil {
		cfg = NewDefaultConfig()
	}
	panicif.Nil(opts.Resolver)
	panicif.Nil(opts.Peers)
	s = &Site{
		address:  opts.Address,
		config:   cfg,
		resolver: opts.Resolver,
		logger:   cfg.Logger.WithNames("bigfile").WithValues(slog.String("site", opts.Address)),
		settings: opts.SettingsCache,
	}
	if s.settings == nil {
		s.settings, err = storage.NewBoltSettingsCache(cfg.DataDir)
		if err != nil {
			err = fmt.Errorf("opening settings cache: %w", err)
			return nil, err
		}
	}
	s.storage = storage.NewManager(storage.ManagerOpts{
		Dir:         cfg.DataDir,
		Resolver:    opts.Resolver,
		Writer:      opts.Writer,
		Preallocate: g.Some(cfg.SparsePreallocate),
		Logger:      s.logger,
	})
	s.maps = &piecemap.Store{
		Resolver: opts.Resolver,
		ReadFile: s.storage.ReadFile,
		Fetch:    s.fetchPiecemap,
	}
	s.cache = peercache.New(peercache.Opts{
		Site:            opts.Address,
		RefreshInterval: g.Some(cfg.PiecefieldRefreshInterval),
		MinRevision:     g.Some(cfg.MinPiecefieldRevision),
		MaxRun:          g.Some(cfg.MaxPiecefieldRun),
		Logger:          s.logger,
		OnChanged:       s.peerPiecefieldsChanged,
	})
	s.scheduler = scheduler.New(scheduler.Opts{
		Site:                  opts.Address,
		Resolver:              opts.Resolver,
		Peers:                 opts.Peers,
		Storage:               s.storage,
		Cache:                 s.cache,
		Maps:                  s.maps,
		Workers:               g.Some(cfg.Workers),
		FetchAllConcurrency:   g.Some(cfg.FetchAllConcurrency),
		AutodownloadSizeLimit: g.Some(cfg.AutodownloadSizeLimit),
		SizeLimit:             cfg.SizeLimit,
		DownloadLimiter:       cfg.DownloadRateLimiter,
		Logger:                s.logger,
	})
	loaded, err := s.storage.LoadPiecefields(s.settings)
	if err != nil {
		s.logger.Levelf(log.Warning, "loading piecefields: %v", err)
		err = nil
	}
	if loaded != 0 {
		s.logger.Levelf(log.Debug, "loaded %v piecefields", loaded)
	}
	return
}

func (s *Site) fetchPiecemap(ctx context.Context, innerPath string) error {
	t, err := s.scheduler.Need(innerPath, types.PriorityPiecemap)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

func (s *Site) peerPiecefieldsChanged(peerID string) {
	s.scheduler.PeerChanged(peerID)
}

func (s *Site) Address() string {
	return s.address
}

func (s *Site) Config() *Config {
	return s.config
}

// Stops fetching, and saves the local Piecefields.
func (s *Site) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	err := s.scheduler.Close()
	err = errors.Join(err, s.SavePiecefields())
	return errors.Join(err, s.settings.Close())
}

func (s *Site) SavePiecefields() error {
	return s.storage.SavePiecefields(s.settings)
}

// Answers piecefield commands sent to this site.
func (s *Site) Handler() peerproto.Handler {
	return peerproto.Handler{
		Sites: func(address string) (peerproto.Site, bool) {
			return s, address == s.address
		},
		MaxRun: s.config.MaxPiecefieldRun,
		Logger: s.logger,
	}
}

// The local Piecefields, by content hash.
func (s *Site) Piecefields() map[string]piecefield.Packed {
	return s.storage.Piecefields()
}

// Stores Piecefields a peer pushed to us.
func (s *Site) SetPeerPiecefields(peerID string, fields map[string]piecefield.Packed) {
	s.cache.Set(peerID, fields)
}

// Sends the local Piecefields to a peer.
func (s *Site) PushPiecefields(ctx context.Context, peer types.Peer) error {
	if !s.cache.Supported(peer) {
		return fmt.Errorf("peer %v revision %v is too old", peer.ID(), peer.Revision().Value)
	}
	var resp peerproto.SetPiecefieldsResponse
	err := peer.Request(ctx, peerproto.SetPiecefieldsCmd, peerproto.SetPiecefieldsRequest{
		Site:              s.address,
		PiecefieldsPacked: peerproto.PackedToWire(s.Piecefields()),
	}, &resp)
	if err == nil && resp.Error != "" {
		err = errors.New(resp.Error)
	}
	return err
}

// Forgets what a disconnected peer had.
func (s *Site) PeerDropped(peerID string) {
	s.cache.DropPeer(peerID)
	s.scheduler.PeersChanged()
}

// Should be called when the site's peer directory gains peers.
func (s *Site) PeersChanged() {
	s.scheduler.PeersChanged()
}

// Whether innerPath, possibly a range path, can be served to peers from offset.
func (s *Site) IsReadable(innerPath string, offset int64) (bool, error) {
	_, err := s.storage.Reconcile(innerPath)
	if err != nil {
		return false, err
	}
	return s.storage.IsReadable(innerPath, offset)
}

// Downloads a file completely. For bigfiles that's every missing piece.
func (s *Site) Download(ctx context.Context, innerPath string) error {
	fi, err := s.resolver.FileInfo(innerPath)
	if err != nil {
		return err
	}
	if fi.IsBigfile() {
		return s.scheduler.FetchAll(ctx, innerPath)
	}
	if s.storage.Exists(innerPath) {
		return nil
	}
	t, err := s.scheduler.Need(innerPath, 0)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// Stores a range of a bigfile received outside the scheduler, such as from a peer pushing it.
// The data is verified first.
func (s *Site) WriteRange(ctx context.Context, rangePath string, data []byte) error {
	rp, ok, err := rangepath.Parse(rangePath)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%q has no range", rangePath)
	}
	fi, err := s.resolver.FileInfo(rp.Path)
	if err != nil {
		return err
	}
	if !fi.IsBigfile() {
		return fmt.Errorf("%v is not a bigfile", fi)
	}
	err = piecemap.Verifier{Source: s.maps}.Verify(ctx, rp.Path, rp.Start, data)
	if err != nil {
		return err
	}
	err = s.storage.WriteRange(rangePath, data)
	if err != nil {
		return err
	}
	s.storage.MarkPiece(fi.Hash, int(rp.Start/fi.PieceSize))
	return nil
}

// Deletes a file and everything pending for it. Bigfiles lose their side-car too.
func (s *Site) DeleteFile(innerPath string) error {
	fi, err := s.resolver.FileInfo(innerPath)
	if err != nil && !errors.Is(err, types.ErrUnknownFile) {
		return err
	}
	s.scheduler.RemoveFile(innerPath, fi.Hash)
	err = s.storage.Remove(innerPath)
	if err != nil || !fi.IsBigfile() {
		return err
	}
	s.scheduler.RemoveFile(fi.Piecemap, "")
	err = s.storage.Remove(fi.Piecemap)
	if err != nil {
		return fmt.Errorf("removing piecemap: %w", err)
	}
	s.logger.Levelf(log.Debug, "deleted %v", fi)
	return nil
}

// The pending scheduler task for a file or range path.
func (s *Site) Task(key string) (*scheduler.Task, bool) {
	return s.scheduler.Task(key)
}
