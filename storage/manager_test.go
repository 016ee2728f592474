package storage

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/bigfile/rangepath"
	"github.com/anacrolix/bigfile/types"
)

const testPieceSize = 1 << 20

type testResolver map[string]types.FileInfo

func (me testResolver) FileInfo(innerPath string) (types.FileInfo, error) {
	fi, ok := me[innerPath]
	if !ok {
		return fi, types.ErrUnknownFile
	}
	return fi, nil
}

func (testResolver) VerifyFile(string, io.Reader) error { return nil }

func testBigfile(innerPath string, size int64) types.FileInfo {
	return types.FileInfo{
		InnerPath: innerPath,
		Hash:      "hash of " + innerPath,
		Size:      size,
		Piecemap:  innerPath + ".piecemap.msgpack",
		PieceSize: testPieceSize,
	}
}

func newTestManager(t *testing.T, files ...types.FileInfo) *Manager {
	r := testResolver{}
	for _, fi := range files {
		r[fi.InnerPath] = fi
	}
	return NewManager(ManagerOpts{Dir: t.TempDir(), Resolver: r})
}

func TestSparseFileWriteAtEnd(t *testing.T) {
	fi := testBigfile("data/big.iso", 100*testPieceSize)
	m := newTestManager(t, fi)
	piece := bytes.Repeat([]byte("x"), testPieceSize)

	started := time.Now()
	require.NoError(t, m.WriteRange(rangepath.Format(fi.InnerPath, 0, testPieceSize), piece))
	startTook := time.Since(started)

	started = time.Now()
	require.NoError(t, m.WriteRange(rangepath.Format(fi.InnerPath, 99*testPieceSize, fi.Size), piece))
	endTook := time.Since(started)
	// Writing at the end mustn't materialize everything before it.
	assert.LessOrEqual(t, endTook, max(100*time.Millisecond, startTook*11/10))

	p, err := m.Path(fi.InnerPath)
	require.NoError(t, err)
	st, err := os.Stat(p)
	require.NoError(t, err)
	assert.EqualValues(t, fi.Size, st.Size())

	// The first touch tracked the file with nothing present, writes don't mark pieces.
	pf, ok := m.Piecefield(fi.Hash)
	require.True(t, ok)
	assert.Equal(t, 100, pf.Len())
	assert.Zero(t, pf.Count())

	f, err := m.Open(fi.InnerPath)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 4)
	_, err = f.ReadAt(b, 99*testPieceSize)
	require.NoError(t, err)
	assert.Equal(t, "xxxx", string(b))
	_, err = f.ReadAt(b, 50*testPieceSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 4), b)
}

func TestCreateSparseFileDropsStalePiecefield(t *testing.T) {
	fi := testBigfile("big.iso", 3*testPieceSize)
	m := newTestManager(t, fi)
	m.MarkPiece(fi.Hash, 2)
	require.True(t, m.HasPiece(fi.Hash, 2))
	require.NoError(t, m.CreateSparseFile(fi.InnerPath, fi.Size, fi.Hash))
	_, ok := m.Piecefield(fi.Hash)
	assert.False(t, ok)
}

func TestCreateSparseFileDiscardsContent(t *testing.T) {
	fi := testBigfile("big.iso", 3*testPieceSize)
	m := newTestManager(t, fi)
	require.NoError(t, m.Write(fi.InnerPath, bytes.NewReader([]byte("stale data"))))
	require.NoError(t, m.CreateSparseFile(fi.InnerPath, fi.Size, fi.Hash))

	p, err := m.Path(fi.InnerPath)
	require.NoError(t, err)
	head, err := peek(p, 0, 128)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 128), head)
	st, err := os.Stat(p)
	require.NoError(t, err)
	assert.EqualValues(t, fi.Size, st.Size())

	isBigfile, err := m.Reconcile(fi.InnerPath)
	require.NoError(t, err)
	assert.True(t, isBigfile)
	pf, ok := m.Piecefield(fi.Hash)
	require.True(t, ok)
	assert.Equal(t, "000", pf.String())
	readable, err := m.IsReadable(fi.InnerPath, 0)
	require.NoError(t, err)
	assert.False(t, readable)
}

func TestCreateSparseFileAllocationError(t *testing.T) {
	dir := t.TempDir()
	// A file where the parent directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data"), nil, 0o644))
	m := NewManager(ManagerOpts{Dir: dir, Resolver: testResolver{}})
	err := m.CreateSparseFile("data/big.iso", 10, "hash")
	var ae *AllocationError
	require.True(t, errors.As(err, &ae), "%v", err)
	assert.EqualValues(t, 10, ae.Size)
}

func TestReconcile(t *testing.T) {
	absent := testBigfile("absent.iso", 5*testPieceSize/2)
	written := testBigfile("written.iso", 2*testPieceSize)
	zeroed := testBigfile("zeroed.iso", 2*testPieceSize)
	small := types.FileInfo{InnerPath: "index.html", Hash: "flat", Size: 4}
	m := newTestManager(t, absent, written, zeroed, small)

	for _, fi := range []types.FileInfo{written, zeroed} {
		p, err := m.Path(fi.InnerPath)
		require.NoError(t, err)
		content := make([]byte, fi.Size)
		if fi == written {
			copy(content, "data")
		}
		require.NoError(t, os.WriteFile(p, content, 0o644))
	}

	isBig, err := m.Reconcile("index.html")
	require.NoError(t, err)
	assert.False(t, isBig)
	isBig, err = m.Reconcile("not/in/any/manifest")
	require.NoError(t, err)
	assert.False(t, isBig)

	isBig, err = m.Reconcile(absent.InnerPath)
	require.NoError(t, err)
	assert.True(t, isBig)
	assert.True(t, m.Exists(absent.InnerPath))
	pf, ok := m.Piecefield(absent.Hash)
	require.True(t, ok)
	assert.Equal(t, "000", pf.String())

	_, err = m.Reconcile(written.InnerPath)
	require.NoError(t, err)
	pf, _ = m.Piecefield(written.Hash)
	assert.Equal(t, "11", pf.String())

	_, err = m.Reconcile(zeroed.InnerPath)
	require.NoError(t, err)
	pf, _ = m.Piecefield(zeroed.Hash)
	assert.Equal(t, "00", pf.String())

	// Tracked files are left alone.
	m.MarkPiece(zeroed.Hash, 1)
	before, _ := m.Piecefield(zeroed.Hash)
	_, err = m.Reconcile(zeroed.InnerPath)
	require.NoError(t, err)
	after, _ := m.Piecefield(zeroed.Hash)
	assert.Same(t, before, after)
	assert.Equal(t, "01", after.String())
}

func TestIsReadable(t *testing.T) {
	fi := testBigfile("big.iso", 3*testPieceSize)
	m := newTestManager(t, fi)
	require.NoError(t, m.WriteRange(rangepath.Format(fi.InnerPath, testPieceSize, 2*testPieceSize), bytes.Repeat([]byte{1}, testPieceSize)))

	ok, err := m.IsReadable(fi.InnerPath, testPieceSize)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.IsReadable(fi.InnerPath, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// Pieces that are legitimately zero are readable once marked.
	require.NoError(t, m.WriteRange(rangepath.Format(fi.InnerPath, 2*testPieceSize, 3*testPieceSize), make([]byte, testPieceSize)))
	m.MarkPiece(fi.Hash, 2)
	ok, err = m.IsReadable(fi.InnerPath, 2*testPieceSize+10)
	require.NoError(t, err)
	assert.True(t, ok)
}

type recordingWriter struct {
	files map[string]string
}

func (me *recordingWriter) WriteFile(innerPath string, r io.Reader) error {
	b, err := io.ReadAll(r)
	me.files[innerPath] = string(b)
	return err
}

func TestWriteWithoutRange(t *testing.T) {
	w := &recordingWriter{files: map[string]string{}}
	var updated []string
	m := NewManager(ManagerOpts{
		Dir:       t.TempDir(),
		Resolver:  testResolver{},
		Writer:    w,
		OnUpdated: func(innerPath string) { updated = append(updated, innerPath) },
	})
	require.NoError(t, m.WriteRange("content.json", []byte("{}")))
	assert.Equal(t, map[string]string{"content.json": "{}"}, w.files)
	assert.Equal(t, []string{"content.json"}, updated)
}

func TestDefaultWriter(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Write("sub/dir/file.txt", bytes.NewReader([]byte("longer content"))))
	require.NoError(t, m.Write("sub/dir/file.txt", bytes.NewReader([]byte("short"))))
	b, err := m.ReadFile("sub/dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "short", string(b))
	require.NoError(t, m.Remove("sub/dir/file.txt"))
	require.NoError(t, m.Remove("sub/dir/file.txt"))
	assert.False(t, m.Exists("sub/dir/file.txt"))
}

func TestPiecefieldsPersistence(t *testing.T) {
	bolt, err := NewBoltSettingsCache(t.TempDir())
	require.NoError(t, err)
	defer bolt.Close()
	for name, cache := range map[string]SettingsCache{
		"Map":  NewMapSettingsCache(),
		"Bolt": bolt,
	} {
		t.Run(name, func(t *testing.T) {
			fi := testBigfile("big.iso", 20000*testPieceSize)
			m := newTestManager(t, fi)
			for _, i := range []int{0, 1, 2, 15000, 19999} {
				m.MarkPiece(fi.Hash, i)
			}
			require.NoError(t, m.SavePiecefields(cache))

			m2 := newTestManager(t, fi)
			n, err := m2.LoadPiecefields(cache)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			pf, ok := m2.Piecefield(fi.Hash)
			require.True(t, ok)
			assert.Equal(t, 20000, pf.Len())
			assert.Equal(t, 5, pf.Count())
			assert.True(t, pf.Get(15000))

			// Loading consumes the saved state.
			b, err := cache.Get(PiecefieldsKey)
			require.NoError(t, err)
			assert.Nil(t, b)
			n, err = newTestManager(t, fi).LoadPiecefields(cache)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestLoadPiecefieldsSkipsCorrupt(t *testing.T) {
	cache := NewMapSettingsCache()
	require.NoError(t, cache.Put(PiecefieldsKey, []byte(`{"good":"AQA=","bad":"!!!","odd":"AQ=="}`)))
	m := newTestManager(t)
	n, err := m.LoadPiecefields(cache)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pf, ok := m.Piecefield("good")
	require.True(t, ok)
	assert.Equal(t, "1", pf.String())
}
