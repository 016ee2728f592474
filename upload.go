package bigfile

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"

	"github.com/anacrolix/bigfile/merkle"
	"github.com/anacrolix/bigfile/piecefield"
	"github.com/anacrolix/bigfile/piecemap"
	"github.com/anacrolix/bigfile/types"
)

// What to list in a manifest for a hashed file.
type HashResult struct {
	InnerPath string
	// The Merkle root, or the flat digest if Flat. Hex encoded.
	Hash string
	Size int64
	// The file wasn't split: it's listed with just its digest.
	Flat      bool
	PieceSize int64
	NumPieces int
	// The side-car written, and its flat digest. Empty if Flat.
	Piecemap     string
	PiecemapHash string
	PiecemapSize int64
}

// The manifest entry of the file.
func (me HashResult) FileInfo() types.FileInfo {
	fi := types.FileInfo{
		InnerPath: me.InnerPath,
		Hash:      me.Hash,
		Size:      me.Size,
	}
	if !me.Flat {
		fi.Piecemap = me.Piecemap
		fi.PieceSize = me.PieceSize
	}
	return fi
}

// The manifest entry of the side-car.
func (me HashResult) PiecemapFileInfo() types.FileInfo {
	return types.FileInfo{
		InnerPath: me.Piecemap,
		Hash:      me.PiecemapHash,
		Size:      me.PiecemapSize,
	}
}

// Reads size bytes of an upload from r, storing them at innerPath while they're hashed. The
// content is only read once. A file of more than one piece gets a side-car and is recorded as
// complete locally.
func (s *Site) HashUpload(ctx context.Context, innerPath string, r io.Reader, size int64) (ret HashResult, err error) {
	out, err := s.storage.Create(innerPath)
	if err != nil {
		return
	}
	pm, err := piecemap.Hash(ctx, r, size, piecemap.HashOpts{
		PieceSize: s.config.PieceSize,
		Writer:    out,
		Logger:    s.logger,
	})
	if err != nil {
		err = fmt.Errorf("hashing upload of %q: %w", innerPath, err)
		return
	}
	return s.finishHash(innerPath, size, pm, true)
}

// Hashes a file already stored at innerPath. Files smaller than Config.PiecemapMinFileSize are
// hashed flat. A bigfile whose manifest entry has the same size isn't hashed again.
func (s *Site) HashLocalFile(ctx context.Context, innerPath string) (ret HashResult, err error) {
	p, err := s.storage.Path(innerPath)
	if err != nil {
		return
	}
	st, err := os.Stat(p)
	if err != nil {
		return
	}
	size := st.Size()
	if size < s.config.PiecemapMinFileSize {
		var b []byte
		b, err = os.ReadFile(p)
		if err != nil {
			return
		}
		filesHashed.Add(1)
		return HashResult{
			InnerPath: innerPath,
			Hash:      merkle.Sum(b).HexString(),
			Size:      int64(len(b)),
			Flat:      true,
		}, nil
	}
	if fi, fiErr := s.resolver.FileInfo(innerPath); fiErr == nil && fi.IsBigfile() && fi.Size == size {
		s.logger.Levelf(log.Debug, "%v unchanged, not rehashing", fi)
		s.storage.SetPiecefield(fi.Hash, piecefield.New(fi.NumPieces(), true))
		ret = HashResult{
			InnerPath: innerPath,
			Hash:      fi.Hash,
			Size:      size,
			PieceSize: fi.PieceSize,
			NumPieces: fi.NumPieces(),
			Piecemap:  fi.Piecemap,
		}
		if pmFi, pmErr := s.resolver.FileInfo(fi.Piecemap); pmErr == nil {
			ret.PiecemapHash = pmFi.Hash
			ret.PiecemapSize = pmFi.Size
		}
		return
	}
	f, err := os.Open(p)
	if err != nil {
		return
	}
	defer f.Close()
	s.logger.Levelf(log.Info, "hashing %q (%s)", innerPath, humanize.IBytes(uint64(size)))
	pm, err := piecemap.Hash(ctx, f, size, piecemap.HashOpts{
		PieceSize: s.config.PieceSize,
		Logger:    s.logger,
	})
	if err != nil {
		err = fmt.Errorf("hashing %q: %w", innerPath, err)
		return
	}
	return s.finishHash(innerPath, size, pm, false)
}

// Records a hashed file locally. Uploads of a single piece aren't split.
func (s *Site) finishHash(innerPath string, size int64, pm piecemap.PieceMap, uploaded bool) (ret HashResult, err error) {
	filesHashed.Add(1)
	piecesHashed.Add(int64(pm.NumPieces()))
	ret = HashResult{
		InnerPath: innerPath,
		Size:      size,
		PieceSize: pm.PieceSize,
		NumPieces: pm.NumPieces(),
	}
	if uploaded && pm.NumPieces() <= 1 {
		ret.Flat = true
		if pm.NumPieces() == 0 {
			ret.Hash = merkle.Sum(nil).HexString()
		} else {
			ret.Hash = pm.Digests[0].HexString()
		}
		return
	}
	ret.Hash = pm.RootHex()
	sideCar, err := pm.MarshalSideCar(innerPath)
	if err != nil {
		return
	}
	ret.Piecemap = piecemap.SideCarPath(innerPath)
	ret.PiecemapHash = merkle.Sum(sideCar).HexString()
	ret.PiecemapSize = int64(len(sideCar))
	err = s.storage.Write(ret.Piecemap, bytes.NewReader(sideCar))
	if err != nil {
		err = fmt.Errorf("writing piecemap: %w", err)
		return
	}
	s.storage.SetPiecefield(ret.Hash, piecefield.New(pm.NumPieces(), true))
	s.logger.Levelf(log.Debug, "hashed %q: %v pieces, root %.16s", innerPath, pm.NumPieces(), ret.Hash)
	return
}
