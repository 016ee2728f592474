// Package storage keeps bigfiles on disk as sparse files, and tracks which of their pieces have
// been written.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/bigfile/piecefield"
	"github.com/anacrolix/bigfile/rangepath"
	"github.com/anacrolix/bigfile/types"
)

// Bytes physically reserved at the start of a new sparse file.
const DefaultPreallocate = 5 << 20

type ManagerOpts struct {
	// Directory the site's inner paths are relative to.
	Dir      string
	Resolver types.ContentResolver
	// Handles writes that carry no range. Defaults to writing the file under Dir.
	Writer      types.FileWriter
	Preallocate g.Option[int64]
	Logger      log.Logger
	// Called with the base inner path after any write.
	OnUpdated func(innerPath string)
}

// Owns the on-disk bigfiles of a site, and the Piecefields recording which of their pieces are
// present. Piecefields are keyed by content hash and shared by pointer.
type Manager struct {
	dir         string
	resolver    types.ContentResolver
	writer      types.FileWriter
	preallocate int64
	logger      log.Logger
	onUpdated   func(innerPath string)

	mu          sync.RWMutex
	piecefields map[string]*piecefield.Piecefield
}

func NewManager(opts ManagerOpts) *Manager {
	panicif.Nil(opts.Resolver)
	m := &Manager{
		dir:         opts.Dir,
		resolver:    opts.Resolver,
		writer:      opts.Writer,
		preallocate: opts.Preallocate.UnwrapOr(DefaultPreallocate),
		logger:      opts.Logger.WithNames("storage"),
		onUpdated:   opts.OnUpdated,
	}
	if m.writer == nil {
		m.writer = dirWriter{m}
	}
	return m
}

// The local file path of an inner path.
func (m *Manager) Path(innerPath string) (string, error) {
	rel, err := ToSafeFilePath(filepath.FromSlash(rangepath.Base(innerPath)))
	if err != nil {
		return "", err
	}
	return filepath.Join(m.dir, rel), nil
}

func (m *Manager) Exists(innerPath string) bool {
	p, err := m.Path(innerPath)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// Creates the file empty with its full logical length, physically reserving only the start of it. Any
// Piecefield held for hash is dropped, since the content it described is gone.
func (m *Manager) CreateSparseFile(innerPath string, size int64, hash string) (err error) {
	p, err := m.Path(innerPath)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			err = &AllocationError{Path: p, Size: size, Err: err}
		}
	}()
	f, err := openFileExtra(p, os.O_RDWR)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	err = setSparse(f)
	if err != nil {
		return fmt.Errorf("setting sparse flag: %w", err)
	}
	// Existing content is discarded.
	err = f.Truncate(0)
	if err != nil {
		return
	}
	err = f.Truncate(size)
	if err != nil {
		return
	}
	err = preallocate(f, min(size, m.preallocate))
	if err != nil {
		return fmt.Errorf("preallocating: %w", err)
	}
	m.DropPiecefield(hash)
	m.logger.Levelf(log.Debug, "created sparse file %q (%s)", innerPath, humanize.IBytes(uint64(size)))
	return
}

// Creates the sparse file for a bigfile with an all absent Piecefield on first touch. Returns true
// if the file was created.
func (m *Manager) EnsureFile(fi types.FileInfo) (created bool, err error) {
	if m.Exists(fi.InnerPath) {
		return
	}
	err = m.CreateSparseFile(fi.InnerPath, fi.Size, fi.Hash)
	if err != nil {
		return
	}
	if fi.IsBigfile() {
		m.SetPiecefield(fi.Hash, piecefield.New(fi.NumPieces(), false))
	}
	created = true
	return
}

func (m *Manager) WriteRange(rangePath string, content []byte) error {
	return m.WriteRangeFrom(rangePath, bytes.NewReader(content))
}

// Writes r at the start of the range named by rangePath. Paths without a range go to the general
// writer.
func (m *Manager) WriteRangeFrom(rangePath string, r io.Reader) (err error) {
	rp, ok, err := rangepath.Parse(rangePath)
	if err != nil {
		return
	}
	if !ok {
		return m.Write(rangePath, r)
	}
	fi, err := m.resolver.FileInfo(rp.Path)
	if err != nil {
		return
	}
	_, err = m.EnsureFile(fi)
	if err != nil {
		return
	}
	p, err := m.Path(rp.Path)
	if err != nil {
		return
	}
	f, err := openFileExtra(p, os.O_WRONLY)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	_, err = f.Seek(rp.Start, io.SeekStart)
	if err != nil {
		return
	}
	_, err = io.Copy(f, r)
	if err != nil {
		return fmt.Errorf("writing %v: %w", rp, err)
	}
	m.updated(rp.Path)
	return
}

func (m *Manager) Write(innerPath string, r io.Reader) error {
	err := m.writer.WriteFile(innerPath, r)
	if err != nil {
		return err
	}
	m.updated(innerPath)
	return nil
}

func (m *Manager) updated(innerPath string) {
	if m.onUpdated != nil {
		m.onUpdated(innerPath)
	}
}

// Whether ranged reads are served for innerPath, creating tracking state for it if necessary. A
// bigfile missing on disk gets a sparse file with no pieces present. One on disk that isn't tracked
// is judged by its first bytes: all zero means nothing's there, otherwise all of it is. That's
// wrong for partly written files left over from a crash, but avoids rehashing on startup.
func (m *Manager) Reconcile(innerPath string) (isBigfile bool, err error) {
	fi, err := m.resolver.FileInfo(rangepath.Base(innerPath))
	if err != nil {
		if errors.Is(err, types.ErrUnknownFile) {
			err = nil
		}
		return
	}
	if !fi.IsBigfile() {
		return
	}
	isBigfile = true
	p, err := m.Path(fi.InnerPath)
	if err != nil {
		return
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		err = m.CreateSparseFile(fi.InnerPath, fi.Size, fi.Hash)
		if err != nil {
			return
		}
		m.SetPiecefield(fi.Hash, piecefield.New(fi.NumPieces(), false))
		return
	}
	if err != nil {
		return
	}
	if _, ok := m.Piecefield(fi.Hash); ok {
		return
	}
	head, err := peek(p, 0, 128)
	if err != nil {
		return
	}
	present := !allZero(head)
	m.SetPiecefield(fi.Hash, piecefield.New(fi.NumPieces(), present))
	m.logger.Levelf(log.Debug, "reconciled untracked %v: present=%v", fi, present)
	return
}

// Whether the data at offset may be served to peers. The 10 bytes there being zero is taken to
// mean the sparse range was never written, unless the piece is known to be present.
func (m *Manager) IsReadable(innerPath string, offset int64) (bool, error) {
	base := rangepath.Base(innerPath)
	fi, err := m.resolver.FileInfo(base)
	if err != nil {
		return false, err
	}
	p, err := m.Path(base)
	if err != nil {
		return false, err
	}
	b, err := peek(p, offset, 10)
	if err != nil {
		return false, err
	}
	if !allZero(b) {
		return true, nil
	}
	if !fi.IsBigfile() {
		return true, nil
	}
	pf, ok := m.Piecefield(fi.Hash)
	return ok && pf.Get(int(offset/fi.PieceSize)), nil
}

func (m *Manager) Open(innerPath string) (*os.File, error) {
	p, err := m.Path(innerPath)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Opens innerPath for writing from scratch, creating directories as needed.
func (m *Manager) Create(innerPath string) (f *os.File, err error) {
	p, err := m.Path(innerPath)
	if err != nil {
		return
	}
	f, err = openFileExtra(p, os.O_WRONLY)
	if err != nil {
		return
	}
	err = f.Truncate(0)
	if err != nil {
		f.Close()
		f = nil
	}
	return
}

func (m *Manager) ReadFile(innerPath string) ([]byte, error) {
	p, err := m.Path(innerPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (m *Manager) Remove(innerPath string) error {
	p, err := m.Path(innerPath)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	return err
}

func (m *Manager) Piecefield(hash string) (pf *piecefield.Piecefield, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pf, ok = m.piecefields[hash]
	return
}

func (m *Manager) SetPiecefield(hash string, pf *piecefield.Piecefield) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.MakeMapIfNilAndSet(&m.piecefields, hash, pf)
}

func (m *Manager) DropPiecefield(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.piecefields, hash)
}

// Marks the piece verified and written, creating an empty Piecefield for hash if necessary.
func (m *Manager) MarkPiece(hash string, i int) {
	m.mu.Lock()
	pf, ok := m.piecefields[hash]
	if !ok {
		pf = piecefield.New(0, false)
		g.MakeMapIfNilAndSet(&m.piecefields, hash, pf)
	}
	m.mu.Unlock()
	pf.Set(i, true)
}

// Whether piece i of hash is present locally.
func (m *Manager) HasPiece(hash string, i int) bool {
	pf, ok := m.Piecefield(hash)
	return ok && pf.Get(i)
}

// A snapshot of all tracked Piecefields in wire form.
func (m *Manager) Piecefields() map[string]piecefield.Packed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make(map[string]piecefield.Packed, len(m.piecefields))
	for hash, pf := range m.piecefields {
		ret[hash] = pf.Pack()
	}
	return ret
}

// Writes whole files beneath the Manager's directory.
type dirWriter struct {
	m *Manager
}

func (me dirWriter) WriteFile(innerPath string, r io.Reader) (err error) {
	p, err := me.m.Path(innerPath)
	if err != nil {
		return
	}
	f, err := openFileExtra(p, os.O_WRONLY)
	if err != nil {
		return
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()
	err = f.Truncate(0)
	if err != nil {
		return
	}
	_, err = io.Copy(f, r)
	return
}
