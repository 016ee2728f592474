package piecemap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/bigfile/merkle"
)

const (
	readChunkSize = 64 << 10
	// Chunks read between scheduler yields and progress reports.
	yieldEvery = 100
)

type HashOpts struct {
	// Defaults to DefaultPieceSize.
	PieceSize int64
	// If set, everything read is written here before it's hashed, so the input is read only once.
	// It's always closed before Hash returns.
	Writer io.WriteCloser
	Logger log.Logger
}

// Reads size bytes from r and builds its PieceMap. Input ending early is an error. A single piece map means the caller should
// treat the file as flat and register its only digest directly.
func Hash(ctx context.Context, r io.Reader, size int64, opts HashOpts) (_ PieceMap, err error) {
	if opts.Writer != nil {
		defer func() {
			err = errors.Join(err, opts.Writer.Close())
		}()
	}
	if opts.PieceSize <= 0 {
		opts.PieceSize = DefaultPieceSize
	}
	logger := opts.Logger
	h := merkle.NewHash(opts.PieceSize)
	buf := make([]byte, readChunkSize)
	var read int64
	for chunks := 1; read < size; chunks++ {
		if err = ctx.Err(); err != nil {
			return
		}
		var n int
		n, err = r.Read(buf[:min(int64(len(buf)), size-read)])
		if n > 0 {
			if opts.Writer != nil {
				if _, werr := opts.Writer.Write(buf[:n]); werr != nil {
					err = fmt.Errorf("writing through: %w", werr)
					return
				}
			}
			h.Write(buf[:n])
			read += int64(n)
		}
		if err == io.EOF {
			if read < size {
				err = fmt.Errorf("read %v of %v bytes: %w", read, size, io.ErrUnexpectedEOF)
				return
			}
			err = nil
			break
		}
		if err != nil {
			err = fmt.Errorf("reading: %w", err)
			return
		}
		if chunks%yieldEvery == 0 {
			logger.Levelf(log.Debug, "hashing %.0f%%: %v pieces, %v of %v",
				float64(read)/float64(size)*100, len(h.Pieces()),
				humanize.IBytes(uint64(read)), humanize.IBytes(uint64(size)))
			runtime.Gosched()
		}
	}
	return PieceMap{
		PieceSize: opts.PieceSize,
		Digests:   h.Pieces(),
	}, nil
}
