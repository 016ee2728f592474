package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/anacrolix/bigfile/types"
)

// Fetches every piece of a bigfile that isn't present locally, with at most FetchAllConcurrency
// pieces outstanding. Once the file is removed the remaining pieces are skipped.
func (s *Scheduler) FetchAll(ctx context.Context, innerPath string) error {
	fi, err := s.bigfileInfo(innerPath)
	if err != nil {
		return err
	}
	_, err = s.storage.Reconcile(innerPath)
	if err != nil {
		return err
	}
	var missing []types.PieceIndex
	for i := range fi.NumPieces() {
		if !s.storage.HasPiece(fi.Hash, i) {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	gen := s.removalGen(fi.Hash)
	s.logger.Levelf(log.Debug, "fetching %v missing pieces of %v", len(missing), fi)
	var eg errgroup.Group
	eg.SetLimit(s.fetchAllConcurrency)
	var failed atomic.Int64
	for _, i := range missing {
		if ctx.Err() != nil {
			break
		}
		if s.removedSince(fi.Hash, gen) {
			break
		}
		// Blocks while the limit's reached.
		eg.Go(func() error {
			if s.removedSince(fi.Hash, gen) {
				return nil
			}
			t, err := s.NeedPiece(innerPath, i, 0)
			if err == nil {
				err = t.Wait(ctx)
			}
			if errors.Is(err, ErrTaskRemoved) {
				return nil
			}
			if err != nil {
				failed.Add(1)
			}
			return err
		})
	}
	err = eg.Wait()
	if err == nil {
		err = context.Cause(ctx)
	}
	if err != nil && failed.Load() != 0 {
		err = fmt.Errorf("%v of %v pieces failed: %w", failed.Load(), len(missing), err)
	}
	return err
}

func (s *Scheduler) removalGen(hash string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removals[hash]
}

// Whether RemoveFile dropped hash after gen was obtained.
func (s *Scheduler) removedSince(hash string, gen int) bool {
	return s.removalGen(hash) != gen
}
