package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/anacrolix/bigfile/piecemap"
	"github.com/anacrolix/bigfile/types"
)

// A whole file didn't match its manifest.
var ErrCorruptFile = errors.New("file failed verification")

func (s *Scheduler) worker() {
	for {
		// Obtained before looking so a change during the scan isn't missed.
		changed := s.changed.Signaled()
		s.mu.Lock()
		t, peer := s.nextLocked()
		s.mu.Unlock()
		if t == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-changed:
			}
			continue
		}
		s.run(t, peer)
	}
}

// Takes the highest priority task that can be dispatched to some peer now.
func (s *Scheduler) nextLocked() (picked *Task, peer types.Peer) {
	if s.closed {
		return
	}
	s.queue.Scan(func(t *Task) bool {
		if t.waitingOn != nil && !t.waitingOn.done.IsSet() {
			return true
		}
		peer = s.pickPeerLocked(t)
		if peer == nil {
			return true
		}
		picked = t
		return false
	})
	if picked != nil {
		s.dequeueLocked(picked)
		picked.inFlight = true
	}
	return
}

func (s *Scheduler) pickPeerLocked(t *Task) types.Peer {
	for _, p := range s.peers.Peers() {
		id := p.ID()
		if _, ok := t.failedPeers[id]; ok {
			continue
		}
		if s.hashFailed[id] > maxHashFailures {
			continue
		}
		if s.eligibleLocked(t, p) {
			return p
		}
	}
	return nil
}

// Whether a peer can be asked for the task. Pieces must be in the peer's cached Piecefield. If the
// peer's Piecefield for the file is unknown a refresh is forced, and if it's known to lack the
// piece a throttled refresh is made, but only while no peer is known to have it. Either way the
// peer isn't reconsidered for the task until its cached Piecefields change.
func (s *Scheduler) eligibleLocked(t *Task, p types.Peer) bool {
	if !t.isPiece() {
		return true
	}
	id := p.ID()
	packed, ok := s.cache.Get(id, t.Hash)
	if ok && packed.Get(t.Piece.Value) {
		g.MakeMapIfNilAndSet(&t.peers, id, struct{}{})
		return true
	}
	if _, asked := t.refreshAsked[id]; asked {
		return false
	}
	force := !ok
	if !force && len(t.peers) != 0 {
		return false
	}
	g.MakeMapIfNilAndSet(&t.refreshAsked, id, struct{}{})
	s.goBackgroundLocked(func() {
		s.cache.Refresh(s.ctx, p, force)
	})
	return false
}

func (s *Scheduler) run(t *Task, peer types.Peer) {
	ctx, span := tracer.Start(s.ctx, "fetch", trace.WithAttributes(
		attribute.String("bigfile.task.key", t.Key),
		attribute.String("bigfile.peer.id", peer.ID()),
	))
	defer span.End()
	err := s.fetch(ctx, t, peer)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	s.finish(t, peer, err)
}

func (s *Scheduler) fetch(ctx context.Context, t *Task, peer types.Peer) error {
	data, err := peer.GetFile(ctx, s.site, t.InnerPath, t.Start, t.End)
	if err != nil {
		return fmt.Errorf("getting %q from %v: %w", t.Key, peer.ID(), err)
	}
	err = waitBytes(ctx, s.limiter, len(data))
	if err != nil {
		return err
	}
	s.mu.Lock()
	removed := t.removed
	s.mu.Unlock()
	if removed {
		return ErrTaskRemoved
	}
	if t.isPiece() {
		err = s.verifier.Verify(ctx, t.InnerPath, t.Start, data)
		if err != nil {
			if errors.Is(err, piecemap.ErrCorruptPiece) {
				piecesCorrupt.Add(1)
				peer.BadAction(1)
			}
			return err
		}
		err = s.storage.WriteRange(t.Key, data)
		if err != nil {
			return fmt.Errorf("writing %q: %w", t.Key, err)
		}
		s.storage.MarkPiece(t.Hash, t.Piece.Value)
		piecesFetched.Add(1)
	} else {
		err = s.resolver.VerifyFile(t.InnerPath, bytes.NewReader(data))
		if err != nil {
			peer.BadAction(1)
			return fmt.Errorf("%w: %w", ErrCorruptFile, err)
		}
		err = s.storage.Write(t.InnerPath, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("writing %q: %w", t.Key, err)
		}
		filesFetched.Add(1)
	}
	bytesFetched.Add(int64(len(data)))
	return nil
}

func isCorrupt(err error) bool {
	return errors.Is(err, piecemap.ErrCorruptPiece) || errors.Is(err, ErrCorruptFile)
}

func (s *Scheduler) finish(t *Task, peer types.Peer, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.inFlight = false
	if t.removed || t.done.IsSet() {
		return
	}
	id := peer.ID()
	switch {
	case err == nil:
		s.completeLocked(t, nil)
	case isCorrupt(err):
		if s.hashFailed == nil {
			s.hashFailed = make(map[string]int)
		}
		s.hashFailed[id]++
		s.logger.Levelf(log.Warning, "%v: %v", t, err)
		s.completeLocked(t, err)
	case s.closed || s.ctx.Err() != nil:
		s.completeLocked(t, errors.Join(ErrClosed, err))
	default:
		g.MakeMapIfNilAndSet(&t.failedPeers, id, struct{}{})
		if s.untriedPeerLocked(t) {
			s.logger.Levelf(log.Debug, "%v: %v, trying other peers", t, err)
			s.enqueueLocked(t)
			return
		}
		s.completeLocked(t, err)
	}
}

// Whether there's a peer the task hasn't failed with.
func (s *Scheduler) untriedPeerLocked(t *Task) bool {
	for _, p := range s.peers.Peers() {
		if _, ok := t.failedPeers[p.ID()]; !ok {
			return true
		}
	}
	return false
}
