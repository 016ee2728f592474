package bigfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/bigfile/scheduler"
	"github.com/anacrolix/bigfile/types"
)

// Pieces a read needed couldn't be obtained. Distinct from io.EOF.
var ErrNoData = errors.New("no data")

// A read cursor over a bigfile. Reads wait for the pieces they cover, and request pieces ahead of
// the cursor without waiting for them.
type File struct {
	site *Site
	fi   types.FileInfo

	mu        sync.Mutex
	f         *os.File
	pos       int64
	bytesRead int64
	prebuffer int64
	closed    bool
}

var _ io.ReadSeekCloser = (*File)(nil)

// Opens a bigfile for reading. Its sparse file is created if it's not on disk.
func (s *Site) Open(innerPath string) (*File, error) {
	fi, err := s.resolver.FileInfo(innerPath)
	if err != nil {
		return nil, err
	}
	if !fi.IsBigfile() {
		return nil, fmt.Errorf("%v is not a bigfile", fi)
	}
	if s.config.SizeLimit > 0 && fi.Size > s.config.SizeLimit {
		return nil, fmt.Errorf("%v: %w", fi, scheduler.ErrSizeLimit)
	}
	_, err = s.storage.Reconcile(innerPath)
	if err != nil {
		return nil, err
	}
	// Reads need the piecemap, get it coming.
	_, err = s.scheduler.NeedPiecemap(innerPath)
	if err != nil {
		s.logger.Levelf(log.Debug, "requesting piecemap of %v: %v", fi, err)
	}
	f, err := s.storage.Open(innerPath)
	if err != nil {
		return nil, err
	}
	filesOpened.Add(1)
	return &File{
		site:      s,
		fi:        fi,
		f:         f,
		prebuffer: s.config.DefaultPrebuffer,
	}, nil
}

func (f *File) Info() types.FileInfo {
	return f.fi
}

// The declared size.
func (f *File) Size() int64 {
	return f.fi.Size
}

// Sets how far ahead of the cursor pieces are requested.
func (f *File) SetPrebuffer(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prebuffer = max(n, 0)
}

func (f *File) Read(b []byte) (int, error) {
	return f.ReadContext(context.Background(), b)
}

// Reads from the cursor, waiting at most Config.ReadTimeout for missing pieces.
func (f *File) ReadContext(ctx context.Context, b []byte) (n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, fs.ErrClosed
	}
	if f.pos >= f.fi.Size {
		return 0, io.EOF
	}
	if len(b) == 0 {
		return 0, nil
	}
	end := min(f.pos+int64(len(b)), f.fi.Size)
	err = f.waitRangeLocked(ctx, f.pos, end)
	if err != nil {
		return
	}
	f.bytesRead += end - f.pos
	cfg := f.site.config
	if f.bytesRead > cfg.PrebufferGrowThreshold && f.prebuffer < cfg.PrebufferGrowTo {
		f.site.logger.Levelf(log.Debug, "%v: growing prebuffer to %v", f.fi, cfg.PrebufferGrowTo)
		f.prebuffer = cfg.PrebufferGrowTo
	}
	n, err = f.f.ReadAt(b[:end-f.pos], f.pos)
	f.pos += int64(n)
	bytesRead.Add(int64(n))
	if err == io.EOF && n != 0 {
		err = nil
	}
	return
}

func (f *File) waitRangeLocked(ctx context.Context, from, to int64) error {
	sched := f.site.scheduler
	tasks, err := sched.NeedRange(f.fi.InnerPath, from, to, types.PriorityRead)
	if err != nil {
		return err
	}
	f.prebufferLocked(to)
	if len(tasks) == 0 {
		return nil
	}
	if timeout := f.site.config.ReadTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for _, t := range tasks {
		err = t.Wait(ctx)
		if err != nil {
			readsFailed.Add(1)
			return fmt.Errorf("%w: %v: %w", ErrNoData, t.Key, err)
		}
	}
	return nil
}

// Requests the pieces of the read ahead window at from. Nearer pieces get higher priority.
func (f *File) prebufferLocked(from int64) {
	if f.prebuffer <= 0 || from >= f.fi.Size {
		return
	}
	to := min(f.fi.Size, from+f.prebuffer)
	first := int(from / f.fi.PieceSize)
	last := int((to - 1) / f.fi.PieceSize)
	prio := types.PriorityPrebuffer
	for i := first; i <= last; i++ {
		_, err := f.site.scheduler.NeedPiece(f.fi.InnerPath, i, prio)
		if err != nil {
			f.site.logger.Levelf(log.Debug, "prebuffering %v piece %v: %v", f.fi, i, err)
			return
		}
		if prio > 0 {
			prio--
		}
	}
}

func (f *File) Seek(off int64, whence int) (ret int64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch whence {
	case io.SeekStart:
		ret = off
	case io.SeekCurrent:
		ret = f.pos + off
	case io.SeekEnd:
		ret = f.fi.Size + off
	default:
		return -1, errors.ErrUnsupported
	}
	if ret < 0 {
		return -1, fmt.Errorf("seeking to negative offset %v", ret)
	}
	f.pos = ret
	return
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.f.Close()
}
