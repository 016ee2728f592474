package bigfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/anacrolix/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/bigfile/internal/testutil"
	"github.com/anacrolix/bigfile/piecemap"
	"github.com/anacrolix/bigfile/rangepath"
	"github.com/anacrolix/bigfile/storage"
	"github.com/anacrolix/bigfile/types"
)

const (
	testSiteAddress = "1TestSite"
	testPieceSize   = 1 << 20
	testBigfilePath = "data/optional.any.iso"
)

// A peer backed by another Site: piecefield commands go to its handler, and files are read from
// its storage if they're readable there.
type sitePeer struct {
	*testutil.Peer
	remote *Site

	mu   sync.Mutex
	gets []string
}

func newSitePeer(id string, remote *Site) *sitePeer {
	return &sitePeer{
		Peer:   &testutil.Peer{Id: id, Serve: remote.Handler().Serve},
		remote: remote,
	}
}

func (me *sitePeer) GetFile(ctx context.Context, site, innerPath string, from, to int64) ([]byte, error) {
	key := innerPath
	if to != 0 {
		key = rangepath.Format(innerPath, from, to)
	}
	me.mu.Lock()
	me.gets = append(me.gets, key)
	me.mu.Unlock()
	if site != me.remote.Address() {
		return nil, fmt.Errorf("unknown site %q", site)
	}
	ok, err := me.remote.IsReadable(innerPath, from)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("not readable")
	}
	b, err := me.remote.storage.ReadFile(innerPath)
	if err != nil {
		return nil, err
	}
	if to != 0 {
		b = b[min(from, int64(len(b))):min(to, int64(len(b)))]
	}
	return b, nil
}

func (me *sitePeer) getFiles() []string {
	me.mu.Lock()
	defer me.mu.Unlock()
	return append([]string(nil), me.gets...)
}

func testConfig(t *testing.T) *Config {
	cfg := NewDefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ReadTimeout = 10 * time.Second
	return cfg
}

func newTestSite(t *testing.T, cfg *Config, r *testutil.Resolver, peers ...types.Peer) *Site {
	s, err := New(cfg, SiteOpts{
		Address:       testSiteAddress,
		Resolver:      r,
		Peers:         testutil.Peers(peers),
		SettingsCache: storage.NewMapSettingsCache(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// A site that uploaded a bigfile, and the file's content.
func newSeeder(t *testing.T, r *testutil.Resolver, pieces int) (*Site, HashResult, []byte) {
	s := newTestSite(t, testConfig(t), r)
	data := testutil.Data(pieces)
	res, err := s.HashUpload(context.Background(), testBigfilePath, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	r.Add(res.FileInfo())
	r.Add(res.PiecemapFileInfo())
	return s, res, data
}

func TestHashUpload(t *testing.T) {
	var r testutil.Resolver
	seeder, res, data := newSeeder(t, &r, 10)
	assert.False(t, res.Flat)
	assert.EqualValues(t, len(data), res.Size)
	assert.EqualValues(t, testPieceSize, res.PieceSize)
	assert.Equal(t, 10, res.NumPieces)
	assert.Equal(t, testBigfilePath+".piecemap.msgpack", res.Piecemap)

	b, err := seeder.storage.ReadFile(testBigfilePath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b, data))
	sideCar, err := seeder.storage.ReadFile(res.Piecemap)
	require.NoError(t, err)
	pm, err := piecemap.UnmarshalSideCar(sideCar, testBigfilePath)
	require.NoError(t, err)
	assert.Equal(t, res.Hash, pm.RootHex())
	assert.EqualValues(t, len(sideCar), res.PiecemapSize)

	pf, ok := seeder.storage.Piecefield(res.Hash)
	require.True(t, ok)
	assert.True(t, pf.Complete())
	assert.Equal(t, 10, pf.Len())
}

func TestHashUploadShort(t *testing.T) {
	var r testutil.Resolver
	s := newTestSite(t, testConfig(t), &r)
	data := testutil.Data(3)
	_, err := s.HashUpload(context.Background(), testBigfilePath, bytes.NewReader(data[:testPieceSize]), int64(len(data)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, s.storage.Exists(testBigfilePath+piecemap.Suffix))
	assert.Empty(t, s.Piecefields())
}

func TestHashUploadSinglePieceIsFlat(t *testing.T) {
	var r testutil.Resolver
	s := newTestSite(t, testConfig(t), &r)
	data := []byte("hello world")
	res, err := s.HashUpload(context.Background(), "small.txt", bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	assert.True(t, res.Flat)
	assert.Empty(t, res.Piecemap)
	fi := r.AddFlat("small.txt", data)
	assert.Equal(t, fi.Hash, res.Hash)
	assert.False(t, s.storage.Exists("small.txt"+piecemap.Suffix))
	assert.Empty(t, s.Piecefields())
}

func TestHashLocalFile(t *testing.T) {
	var r testutil.Resolver
	cfg := testConfig(t)
	s := newTestSite(t, cfg, &r)
	small := []byte("small file")
	require.NoError(t, s.storage.Write("small.txt", bytes.NewReader(small)))
	res, err := s.HashLocalFile(context.Background(), "small.txt")
	require.NoError(t, err)
	assert.True(t, res.Flat)

	data := testutil.Data(6)
	require.Greater(t, int64(len(data)), cfg.PiecemapMinFileSize)
	require.NoError(t, s.storage.Write("big.bin", bytes.NewReader(data)))
	res, err = s.HashLocalFile(context.Background(), "big.bin")
	require.NoError(t, err)
	assert.False(t, res.Flat)
	assert.Equal(t, 6, res.NumPieces)
	assert.True(t, s.storage.Exists(res.Piecemap))
	pf, ok := s.storage.Piecefield(res.Hash)
	require.True(t, ok)
	assert.True(t, pf.Complete())

	// Listed with the same size, so it's trusted.
	r.Add(res.FileInfo())
	r.Add(res.PiecemapFileInfo())
	s.storage.DropPiecefield(res.Hash)
	again, err := s.HashLocalFile(context.Background(), "big.bin")
	require.NoError(t, err)
	assert.Equal(t, res, again)
	pf, ok = s.storage.Piecefield(res.Hash)
	require.True(t, ok)
	assert.True(t, pf.Complete())
}

func TestReadFetchesCoveringPiece(t *testing.T) {
	var r testutil.Resolver
	seeder, res, data := newSeeder(t, &r, 10)
	peer := newSitePeer("seeder", seeder)
	leecher := newTestSite(t, testConfig(t), &r, peer)

	f, err := leecher.Open(testBigfilePath)
	require.NoError(t, err)
	defer f.Close()
	off := int64(5 * testPieceSize)
	_, err = f.Seek(off, io.SeekStart)
	require.NoError(t, err)
	b := make([]byte, 5)
	n, err := f.Read(b)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, data[off:off+5], b)

	piece5 := rangepath.Format(testBigfilePath, off, off+testPieceSize)
	assert.Equal(t, []string{res.Piecemap, piece5}, peer.getFiles())
	fields := leecher.Piecefields()
	require.Contains(t, fields, res.Hash)
	assert.True(t, fields[res.Hash].Get(5))
	assert.False(t, fields[res.Hash].Get(4))
	assert.False(t, fields[res.Hash].Get(6))

	// Present now, nothing more is fetched.
	_, err = f.Seek(off+100, io.SeekStart)
	require.NoError(t, err)
	n, err = io.ReadFull(f, b)
	require.NoError(t, err)
	assert.Equal(t, data[off+100:off+105], b[:n])
	assert.Len(t, peer.getFiles(), 2)

	// The unwritten part of the sparse file can't be served on.
	ok, err := leecher.IsReadable(testBigfilePath, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = leecher.IsReadable(piece5, off)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenRequestsPiecemap(t *testing.T) {
	var r testutil.Resolver
	seeder, res, _ := newSeeder(t, &r, 2)
	peer := newSitePeer("seeder", seeder)
	leecher := newTestSite(t, testConfig(t), &r, peer)
	f, err := leecher.Open(testBigfilePath)
	require.NoError(t, err)
	defer f.Close()
	require.Eventually(t, func() bool {
		return leecher.storage.Exists(res.Piecemap)
	}, 10*time.Second, time.Millisecond)
	// Small enough to be autodownloaded, which Open doesn't do.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{res.Piecemap}, peer.getFiles())
}

func TestReadAcrossPieces(t *testing.T) {
	var r testutil.Resolver
	seeder, _, data := newSeeder(t, &r, 3)
	leecher := newTestSite(t, testConfig(t), &r, newSitePeer("seeder", seeder))
	f, err := leecher.Open(testBigfilePath)
	require.NoError(t, err)
	defer f.Close()
	b, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b, data))
	n, err := f.Read(make([]byte, 1))
	assert.Zero(t, n)
	assert.Equal(t, io.EOF, err)
}

func TestSeekEnd(t *testing.T) {
	var r testutil.Resolver
	seeder, _, data := newSeeder(t, &r, 2)
	leecher := newTestSite(t, testConfig(t), &r, newSitePeer("seeder", seeder))
	f, err := leecher.Open(testBigfilePath)
	require.NoError(t, err)
	defer f.Close()
	pos, err := f.Seek(-3, io.SeekEnd)
	require.NoError(t, err)
	assert.EqualValues(t, len(data)-3, pos)
	b := make([]byte, 10)
	n, err := f.Read(b)
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-3:], b[:n])
	_, err = f.Seek(-1, io.SeekStart)
	assert.Error(t, err)
	pos, err = f.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.EqualValues(t, len(data), pos)
}

func TestReadWithoutPeersFailsWithNoData(t *testing.T) {
	var r testutil.Resolver
	_, res, _ := newSeeder(t, &r, 2)
	cfg := testConfig(t)
	cfg.ReadTimeout = 50 * time.Millisecond
	leecher := newTestSite(t, cfg, &r)
	f, err := leecher.Open(res.InnerPath)
	require.NoError(t, err)
	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrNoData)
	assert.NotErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	_, err = f.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestPrebuffer(t *testing.T) {
	var r testutil.Resolver
	seeder, res, _ := newSeeder(t, &r, 10)
	peer := newSitePeer("seeder", seeder)
	leecher := newTestSite(t, testConfig(t), &r, peer)
	f, err := leecher.Open(testBigfilePath)
	require.NoError(t, err)
	defer f.Close()
	f.SetPrebuffer(2 * testPieceSize)
	_, err = f.Read(make([]byte, 1))
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return leecher.storage.HasPiece(res.Hash, 1) && leecher.storage.HasPiece(res.Hash, 2)
	}, 10*time.Second, 10*time.Millisecond)
	for _, key := range peer.getFiles() {
		assert.NotEqual(t, rangepath.Format(testBigfilePath, 3*testPieceSize, 4*testPieceSize), key)
	}
}

func TestPrebufferGrows(t *testing.T) {
	var r testutil.Resolver
	seeder, res, _ := newSeeder(t, &r, 10)
	cfg := testConfig(t)
	leecher := newTestSite(t, cfg, &r, newSitePeer("seeder", seeder))
	f, err := leecher.Open(testBigfilePath)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, cfg.PrebufferGrowThreshold+1)
	_, err = io.ReadFull(f, b)
	require.NoError(t, err)
	assert.EqualValues(t, cfg.PrebufferGrowTo, f.prebuffer)
	_, err = f.Read(make([]byte, 1))
	require.NoError(t, err)
	// The rest is within the grown read ahead.
	assert.Eventually(t, func() bool {
		pf, ok := leecher.storage.Piecefield(res.Hash)
		return ok && pf.Complete()
	}, 10*time.Second, 10*time.Millisecond)
}

func TestDownloadAndDelete(t *testing.T) {
	var r testutil.Resolver
	seeder, res, data := newSeeder(t, &r, 3)
	leecher := newTestSite(t, testConfig(t), &r, newSitePeer("seeder", seeder))
	require.NoError(t, leecher.Download(context.Background(), testBigfilePath))
	b, err := leecher.storage.ReadFile(testBigfilePath)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b, data))
	assert.True(t, leecher.storage.Exists(res.Piecemap))

	require.NoError(t, leecher.DeleteFile(testBigfilePath))
	assert.False(t, leecher.storage.Exists(testBigfilePath))
	assert.False(t, leecher.storage.Exists(res.Piecemap))
	assert.NotContains(t, leecher.Piecefields(), res.Hash)
}

func TestDownloadPlainFile(t *testing.T) {
	var r testutil.Resolver
	seeder := newTestSite(t, testConfig(t), &r)
	content := []byte(`{"title": "test"}`)
	require.NoError(t, seeder.storage.Write("content.json", bytes.NewReader(content)))
	r.AddFlat("content.json", content)
	leecher := newTestSite(t, testConfig(t), &r, newSitePeer("seeder", seeder))
	require.NoError(t, leecher.Download(context.Background(), "content.json"))
	b, err := leecher.storage.ReadFile("content.json")
	require.NoError(t, err)
	assert.Equal(t, content, b)
}

func TestPushPiecefields(t *testing.T) {
	var r testutil.Resolver
	seeder, res, _ := newSeeder(t, &r, 2)
	other := newTestSite(t, testConfig(t), &r)
	// other receives what seeder has.
	pushTarget := newSitePeer("other", other)
	pushTarget.From = &testutil.Peer{Id: "seeder"}
	require.NoError(t, seeder.PushPiecefields(context.Background(), pushTarget))
	p, ok := other.cache.Get("seeder", res.Hash)
	require.True(t, ok)
	assert.True(t, p.Get(0))
	assert.True(t, p.Get(1))

	other.PeerDropped("seeder")
	assert.False(t, other.cache.Has("seeder", res.Hash))
}

func TestOpenSizeLimit(t *testing.T) {
	var r testutil.Resolver
	_, _, _ = newSeeder(t, &r, 2)
	cfg := testConfig(t)
	cfg.SizeLimit = testPieceSize
	leecher := newTestSite(t, cfg, &r)
	_, err := leecher.Open(testBigfilePath)
	assert.Error(t, err)
	_, err = leecher.Open("missing.iso")
	assert.ErrorIs(t, err, types.ErrUnknownFile)
}

func TestPiecefieldsPersistAcrossRestart(t *testing.T) {
	var r testutil.Resolver
	cfg := testConfig(t)
	s, err := New(cfg, SiteOpts{Address: testSiteAddress, Resolver: &r, Peers: testutil.Peers{}})
	require.NoError(t, err)
	data := testutil.Data(3)
	res, err := s.HashUpload(context.Background(), testBigfilePath, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = New(cfg, SiteOpts{Address: testSiteAddress, Resolver: &r, Peers: testutil.Peers{}})
	require.NoError(t, err)
	defer s.Close()
	pf, ok := s.storage.Piecefield(res.Hash)
	require.True(t, ok)
	assert.True(t, pf.Complete())
}
