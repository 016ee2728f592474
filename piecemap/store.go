package piecemap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"

	"github.com/anacrolix/bigfile/types"
)

// A MapSource that loads side-cars from local storage, fetching them through Fetch when they
// aren't there yet. Loaded maps are kept in memory.
type Store struct {
	Resolver types.ContentResolver
	// Must return an error matching fs.ErrNotExist for files that aren't stored locally.
	ReadFile func(innerPath string) ([]byte, error)
	// Downloads a whole file into local storage. Optional.
	Fetch func(ctx context.Context, innerPath string) error

	mu   sync.Mutex
	maps map[string]PieceMap
}

var _ MapSource = (*Store)(nil)

func (me *Store) cached(key string) (pm PieceMap, ok bool) {
	me.mu.Lock()
	defer me.mu.Unlock()
	pm, ok = me.maps[key]
	return
}

func (me *Store) PieceMap(ctx context.Context, innerPath string) (PieceMap, error) {
	return me.load(ctx, innerPath, me.Fetch != nil)
}

func (me *Store) load(ctx context.Context, innerPath string, fetch bool) (pm PieceMap, err error) {
	fi, err := me.Resolver.FileInfo(innerPath)
	if err != nil {
		return
	}
	if !fi.IsBigfile() {
		err = fmt.Errorf("%v is not a bigfile", fi)
		return
	}
	if pm, ok := me.cached(fi.Hash); ok {
		return pm, nil
	}
	b, err := me.ReadFile(fi.Piecemap)
	if errors.Is(err, fs.ErrNotExist) && fetch {
		err = me.Fetch(ctx, fi.Piecemap)
		if err != nil {
			err = fmt.Errorf("fetching %q: %w", fi.Piecemap, err)
			return
		}
		b, err = me.ReadFile(fi.Piecemap)
	}
	if err != nil {
		return
	}
	pm, err = UnmarshalSideCar(b, innerPath)
	if err != nil {
		return
	}
	// The manifest is signed, the side-car is only verified as a whole file.
	pm.PieceSize = fi.PieceSize
	if pm.NumPieces() != fi.NumPieces() {
		err = fmt.Errorf("piecemap for %v has %v pieces, expected %v", fi, pm.NumPieces(), fi.NumPieces())
		return
	}
	me.mu.Lock()
	g.MakeMapIfNilAndSet(&me.maps, fi.Hash, pm)
	me.mu.Unlock()
	return
}

// Whether the PieceMap of a bigfile is available without fetching.
func (me *Store) Resident(innerPath string) bool {
	_, err := me.load(context.Background(), innerPath, false)
	return err == nil
}

func (me *Store) Forget(hash string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.maps, hash)
}
