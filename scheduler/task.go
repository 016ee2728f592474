package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/multiless"

	"github.com/anacrolix/bigfile/types"
)

var (
	// The file was removed while the task was pending.
	ErrTaskRemoved = errors.New("task removed")
	ErrClosed      = errors.New("scheduler closed")
)

// A pending fetch of a whole file or of one piece of a bigfile. At most one exists per key.
// Tasks complete exactly once.
type Task struct {
	// The range path for pieces, otherwise the inner path.
	Key       string
	InnerPath string
	Hash      string
	Piece     g.Option[types.PieceIndex]
	// The byte range of a piece. End is zero for whole files.
	Start, End int64

	s        *Scheduler
	seq      int
	priority types.Priority
	queued   bool
	inFlight bool
	removed  bool
	// A piece task isn't dispatched before its file's piecemap task completes.
	waitingOn *Task
	// Peers found to have the piece.
	peers map[string]struct{}
	// Peers a request failed with.
	failedPeers map[string]struct{}
	// Peers already asked to refresh on behalf of this task. Cleared when the peer's cached
	// Piecefields change.
	refreshAsked map[string]struct{}

	done chansync.SetOnce
	err  error
}

func (t *Task) String() string {
	return fmt.Sprintf("task %q", t.Key)
}

// Closed when the task completes.
func (t *Task) Done() <-chan struct{} {
	return t.done.Done()
}

// The result of a completed task.
func (t *Task) Err() error {
	if !t.done.IsSet() {
		return nil
	}
	return t.err
}

// Waits for the task to complete, returning its result.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done.Done():
		return t.err
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (t *Task) Priority() types.Priority {
	if t.s == nil {
		return t.priority
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.priority
}

func (t *Task) isPiece() bool {
	return t.Piece.Ok
}

func (t *Task) complete(err error) {
	if t.done.IsSet() {
		return
	}
	t.err = err
	t.done.Set()
}

// Highest priority first, then in the order they were added.
func taskLess(a, b *Task) bool {
	return multiless.New().Int(
		int(b.priority), int(a.priority),
	).Int(
		a.seq, b.seq,
	).Less()
}

// A task that's already complete, for things that are present locally.
func completedTask(key string) *Task {
	t := &Task{Key: key}
	t.complete(nil)
	return t
}
