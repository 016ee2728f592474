// Builds piecemap side-cars for local files, or checks files against theirs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/anacrolix/log"
	"github.com/anacrolix/tagflag"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/anacrolix/bigfile/merkle"
	"github.com/anacrolix/bigfile/piecemap"
)

var logger = log.Default.WithNames("main")

var flags = struct {
	PieceSize tagflag.Bytes `help:"piece size of new piecemaps"`
	Verify    bool          `help:"check files against their existing side-cars instead"`
	NoWrite   bool          `help:"don't write side-cars, just print the entries"`
	tagflag.StartPos
	Files []string `arity:"+" help:"files to hash"`
}{
	PieceSize: piecemap.DefaultPieceSize,
}

// Manifest entry for a split file.
type entry struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Piecemap  string `json:"piecemap"`
	PieceSize int64  `json:"piece_size"`
}

func main() {
	tagflag.Parse(&flags, tagflag.Description("Hashes files into pieces, writing FILE.piecemap.msgpack beside each."))
	ctx := context.Background()
	entries := make(map[string]any)
	failed := false
	for _, name := range flags.Files {
		var err error
		if flags.Verify {
			err = verify(ctx, name)
		} else {
			entries[filepath.Base(name)], err = hash(ctx, name)
		}
		if err != nil {
			logger.Levelf(log.Error, "%v", err)
			failed = true
		}
	}
	if len(entries) != 0 {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			logger.Levelf(log.Error, "writing entries: %v", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func hash(ctx context.Context, name string) (any, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pm, err := piecemap.Hash(ctx, f, st.Size(), piecemap.HashOpts{
		PieceSize: flags.PieceSize.Int64(),
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "hashing %q", name)
	}
	logger.Levelf(log.Info, "%s: %v pieces of %s", name, pm.NumPieces(), humanize.IBytes(uint64(pm.PieceSize)))
	if pm.NumPieces() <= 1 {
		return map[string]any{"hash": merkle.Root(pm.Digests).HexString(), "size": st.Size()}, nil
	}
	sideCarName := piecemap.SideCarPath(name)
	if !flags.NoWrite {
		b, err := pm.MarshalSideCar(name)
		if err != nil {
			return nil, err
		}
		err = os.WriteFile(sideCarName, b, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "writing side-car")
		}
	}
	return entry{
		Hash:      pm.RootHex(),
		Size:      st.Size(),
		Piecemap:  filepath.Base(sideCarName),
		PieceSize: pm.PieceSize,
	}, nil
}

func verify(ctx context.Context, name string) error {
	b, err := os.ReadFile(piecemap.SideCarPath(name))
	if err != nil {
		return errors.Wrap(err, "reading side-car")
	}
	pm, err := piecemap.UnmarshalSideCar(b, name)
	if err != nil {
		return err
	}
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, pm.PieceSize)
	bad := 0
	for i := range pm.NumPieces() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return errors.Wrapf(err, "reading piece %v", i)
		}
		err = pm.Verify(name, int64(i)*pm.PieceSize, buf[:n])
		if err != nil {
			fmt.Println(err)
			bad++
		}
	}
	if bad != 0 {
		return errors.Errorf("%s: %v of %v pieces bad", name, bad, pm.NumPieces())
	}
	fmt.Printf("%s: %v pieces ok, root %s\n", name, pm.NumPieces(), pm.RootHex())
	return nil
}
