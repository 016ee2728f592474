// Package scheduler turns requests for the files and byte ranges of a site into fetches from its
// peers, one task per whole file or bigfile piece.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/anacrolix/bigfile/piecefield"
	"github.com/anacrolix/bigfile/piecemap"
	"github.com/anacrolix/bigfile/rangepath"
	"github.com/anacrolix/bigfile/types"
)

const (
	DefaultWorkers               = 10
	DefaultFetchAllConcurrency   = 20
	DefaultAutodownloadSizeLimit = 10 << 20
	// Peers sending more corrupt data than this aren't used again.
	maxHashFailures = 5
)

var ErrSizeLimit = errors.New("bigfile exceeds size limit")

// Local bigfile state. Implemented by *storage.Manager.
type Storage interface {
	Reconcile(innerPath string) (isBigfile bool, err error)
	HasPiece(hash string, i int) bool
	Piecefield(hash string) (*piecefield.Piecefield, bool)
	WriteRange(rangePath string, content []byte) error
	Write(innerPath string, r io.Reader) error
	MarkPiece(hash string, i int)
	DropPiecefield(hash string)
}

// What's known of peers' pieces. Implemented by *peercache.Cache.
type PeerCache interface {
	Refresh(ctx context.Context, peer types.Peer, force bool) bool
	Get(peerID, hash string) (piecefield.Packed, bool)
	DropHash(hash string)
}

// Implemented by *piecemap.Store.
type PieceMaps interface {
	piecemap.MapSource
	Resident(innerPath string) bool
	Forget(hash string)
}

type Opts struct {
	// Address of the site, passed to peers.
	Site     string
	Resolver types.ContentResolver
	Peers    types.PeerDirectory
	Storage  Storage
	Cache    PeerCache
	Maps     PieceMaps

	Workers             g.Option[int]
	FetchAllConcurrency g.Option[int]
	// Requesting a whole bigfile no larger than this fetches all of its pieces.
	AutodownloadSizeLimit g.Option[int64]
	// Bigfiles larger than this are refused. Zero means no limit.
	SizeLimit int64
	// Applies to all data received. Nil means no limit.
	DownloadLimiter *rate.Limiter
	Logger          log.Logger
}

type Scheduler struct {
	site                string
	resolver            types.ContentResolver
	peers               types.PeerDirectory
	storage             Storage
	cache               PeerCache
	maps                PieceMaps
	verifier            piecemap.Verifier
	fetchAllConcurrency int
	autodownloadLimit   int64
	sizeLimit           int64
	limiter             *rate.Limiter
	logger              log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	// Workers and background fetches.
	running errgroup.Group

	mu      sync.Mutex
	closed  bool
	tasks   map[string]*Task
	queue   *btree.BTreeG[*Task]
	nextSeq int
	// Bumped by RemoveFile, by content hash. FetchAll stops when it changes.
	removals map[string]int
	// Corrupt responses per peer.
	hashFailed map[string]int
	// Broadcast when dispatching might be possible where it wasn't before.
	changed chansync.BroadcastCond
}

func New(opts Opts) *Scheduler {
	panicif.Nil(opts.Resolver)
	panicif.Nil(opts.Peers)
	panicif.Nil(opts.Storage)
	panicif.Nil(opts.Cache)
	panicif.Nil(opts.Maps)
	s := &Scheduler{
		site:                opts.Site,
		resolver:            opts.Resolver,
		peers:               opts.Peers,
		storage:             opts.Storage,
		cache:               opts.Cache,
		maps:                opts.Maps,
		verifier:            piecemap.Verifier{Source: opts.Maps},
		fetchAllConcurrency: opts.FetchAllConcurrency.UnwrapOr(DefaultFetchAllConcurrency),
		autodownloadLimit:   opts.AutodownloadSizeLimit.UnwrapOr(DefaultAutodownloadSizeLimit),
		sizeLimit:           opts.SizeLimit,
		limiter:             opts.DownloadLimiter,
		logger:              opts.Logger.WithNames("scheduler"),
		queue:               btree.NewBTreeGOptions(taskLess, btree.Options{NoLocks: true}),
	}
	if s.limiter != nil {
		setRateLimiterBurstIfZero(s.limiter, defaultDownloadRateLimiterBurst)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for range opts.Workers.UnwrapOr(DefaultWorkers) {
		s.running.Go(func() error {
			s.worker()
			return nil
		})
	}
	return s
}

// Fails all pending tasks with ErrClosed and waits for in-flight fetches to end.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for _, t := range s.tasks {
		if !t.inFlight {
			s.completeLocked(t, ErrClosed)
		}
	}
	s.mu.Unlock()
	s.cancel()
	return s.running.Wait()
}

func (s *Scheduler) fileInfo(innerPath string) (fi types.FileInfo, err error) {
	panicif.True(rangepath.HasRange(innerPath))
	fi, err = s.resolver.FileInfo(innerPath)
	if err != nil {
		return
	}
	if fi.IsBigfile() && s.sizeLimit > 0 && fi.Size > s.sizeLimit {
		err = fmt.Errorf("%v: %w", fi, ErrSizeLimit)
	}
	return
}

func (s *Scheduler) bigfileInfo(innerPath string) (fi types.FileInfo, err error) {
	fi, err = s.fileInfo(innerPath)
	if err == nil && !fi.IsBigfile() {
		err = fmt.Errorf("%v is not a bigfile", fi)
	}
	return
}

// Returns the task for key, creating it if there isn't one. An existing task has its priority
// raised to prio.
func (s *Scheduler) addTaskLocked(
	key string,
	fi types.FileInfo,
	piece g.Option[types.PieceIndex],
	start, end int64,
	prio types.Priority,
	waitingOn *Task,
) *Task {
	if t, ok := s.tasks[key]; ok {
		s.raiseLocked(t, prio)
		return t
	}
	t := &Task{
		Key:       key,
		InnerPath: fi.InnerPath,
		Hash:      fi.Hash,
		Piece:     piece,
		Start:     start,
		End:       end,
		s:         s,
		seq:       s.nextSeq,
		priority:  prio,
		waitingOn: waitingOn,
	}
	if s.closed {
		t.complete(ErrClosed)
		return t
	}
	s.nextSeq++
	g.MakeMapIfNilAndSet(&s.tasks, key, t)
	s.enqueueLocked(t)
	tasksCreated.Add(1)
	s.logger.Levelf(log.Debug, "new %v, priority %v", t, prio)
	return t
}

func (s *Scheduler) enqueueLocked(t *Task) {
	panicif.True(t.queued)
	s.queue.Set(t)
	t.queued = true
	s.changed.Broadcast()
}

func (s *Scheduler) dequeueLocked(t *Task) {
	if !t.queued {
		return
	}
	_, ok := s.queue.Delete(t)
	panicif.False(ok)
	t.queued = false
}

func (s *Scheduler) raiseLocked(t *Task, prio types.Priority) {
	if prio <= t.priority {
		return
	}
	if t.queued {
		s.dequeueLocked(t)
		t.priority = prio
		s.enqueueLocked(t)
	} else {
		t.priority = prio
	}
}

func (s *Scheduler) completeLocked(t *Task, err error) {
	if t.done.IsSet() {
		return
	}
	if s.tasks[t.Key] == t {
		delete(s.tasks, t.Key)
	}
	s.dequeueLocked(t)
	t.complete(err)
	if err != nil {
		tasksFailed.Add(1)
		s.logger.Levelf(log.Debug, "%v failed: %v", t, err)
	}
	var dependents []*Task
	for _, dep := range s.tasks {
		if dep.waitingOn == t {
			dependents = append(dependents, dep)
		}
	}
	for _, dep := range dependents {
		dep.waitingOn = nil
		if err != nil && !dep.inFlight {
			s.completeLocked(dep, fmt.Errorf("getting piecemap: %w", err))
		}
	}
	s.changed.Broadcast()
}

func (s *Scheduler) removeLocked(t *Task) {
	t.removed = true
	s.completeLocked(t, ErrTaskRemoved)
}

// Requests a file that isn't addressed by range. For bigfiles that's their piecemap, and if the
// bigfile is small enough all of its pieces are fetched in the background.
func (s *Scheduler) Need(innerPath string, prio types.Priority) (*Task, error) {
	fi, err := s.fileInfo(innerPath)
	if err != nil {
		return nil, err
	}
	if !fi.IsBigfile() {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.addTaskLocked(innerPath, fi, g.None[types.PieceIndex](), 0, 0, prio, nil), nil
	}
	_, err = s.storage.Reconcile(innerPath)
	if err != nil {
		return nil, err
	}
	t, err := s.needPiecemap(fi)
	if err != nil {
		return nil, err
	}
	if fi.Size <= s.autodownloadLimit {
		s.goBackground(func() {
			err := s.FetchAll(s.ctx, innerPath)
			if err != nil && s.ctx.Err() == nil {
				s.logger.Levelf(log.Warning, "autodownloading %v: %v", fi, err)
			}
		})
	}
	return t, nil
}

func (s *Scheduler) goBackground(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goBackgroundLocked(f)
}

// Runs f in a goroutine Close waits for, unless closed.
func (s *Scheduler) goBackgroundLocked(f func()) {
	if s.closed {
		return
	}
	s.running.Go(func() error {
		f()
		return nil
	})
}

// Requests only the PieceMap of a bigfile, without the autodownload Need does.
func (s *Scheduler) NeedPiecemap(innerPath string) (*Task, error) {
	fi, err := s.bigfileInfo(innerPath)
	if err != nil {
		return nil, err
	}
	return s.needPiecemap(fi)
}

// Returns the task fetching the PieceMap of fi, or a completed task if it's available.
func (s *Scheduler) needPiecemap(fi types.FileInfo) (*Task, error) {
	if s.maps.Resident(fi.InnerPath) {
		return completedTask(fi.Piecemap), nil
	}
	pmFi, err := s.resolver.FileInfo(fi.Piecemap)
	if err != nil {
		return nil, fmt.Errorf("piecemap of %v: %w", fi, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addTaskLocked(fi.Piecemap, pmFi, g.None[types.PieceIndex](), 0, 0, types.PriorityPiecemap, nil), nil
}

// Requests the pieces of a bigfile covering [from, to) that aren't present locally. The returned
// tasks are in piece order.
func (s *Scheduler) NeedRange(innerPath string, from, to int64, prio types.Priority) (ret []*Task, err error) {
	fi, err := s.bigfileInfo(innerPath)
	if err != nil {
		return
	}
	_, err = s.storage.Reconcile(innerPath)
	if err != nil {
		return
	}
	from = max(from, 0)
	to = min(to, fi.Size)
	if from >= to {
		return
	}
	first := int(from / fi.PieceSize)
	last := int((to - 1) / fi.PieceSize)
	var missing []types.PieceIndex
	for i := first; i <= last; i++ {
		if !s.storage.HasPiece(fi.Hash, i) {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return
	}
	pm, err := s.needPiecemap(fi)
	if err != nil {
		return
	}
	if pm.done.IsSet() {
		pm = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range missing {
		start := int64(i) * fi.PieceSize
		end := min(fi.Size, start+fi.PieceSize)
		key := rangepath.Format(innerPath, start, end)
		ret = append(ret, s.addTaskLocked(key, fi, g.Some(i), start, end, prio, pm))
	}
	return
}

// Requests a single piece, returning a completed task if it's present.
func (s *Scheduler) NeedPiece(innerPath string, i types.PieceIndex, prio types.Priority) (*Task, error) {
	fi, err := s.bigfileInfo(innerPath)
	if err != nil {
		return nil, err
	}
	start := int64(i) * fi.PieceSize
	if i < 0 || start >= fi.Size {
		return nil, fmt.Errorf("%v has no piece %v", fi, i)
	}
	tasks, err := s.NeedRange(innerPath, start, start+1, prio)
	if err != nil {
		return nil, err
	}
	if len(tasks) != 0 {
		return tasks[0], nil
	}
	return completedTask(rangepath.Format(innerPath, start, min(fi.Size, start+fi.PieceSize))), nil
}

// Drops everything pending for a file and its ranges. Pending tasks fail with ErrTaskRemoved, and
// the results of in-flight ones are discarded.
func (s *Scheduler) RemoveFile(innerPath, hash string) {
	prefix := rangepath.Prefix(innerPath)
	s.mu.Lock()
	var removed []*Task
	for key, t := range s.tasks {
		if key == innerPath || strings.HasPrefix(key, prefix) {
			removed = append(removed, t)
		}
	}
	for _, t := range removed {
		s.removeLocked(t)
	}
	if hash != "" {
		if s.removals == nil {
			s.removals = make(map[string]int)
		}
		s.removals[hash]++
	}
	s.mu.Unlock()
	if hash != "" {
		s.cache.DropHash(hash)
		s.storage.DropPiecefield(hash)
		s.maps.Forget(hash)
	}
	if len(removed) != 0 {
		s.logger.Levelf(log.Debug, "removed %v tasks for %q", len(removed), innerPath)
	}
}

// Notes that a peer's cached Piecefields changed, so tasks it was ineligible for are reconsidered.
func (s *Scheduler) PeerChanged(peerID string) {
	s.mu.Lock()
	for _, t := range s.tasks {
		delete(t.refreshAsked, peerID)
	}
	s.mu.Unlock()
	s.changed.Broadcast()
}

// Notes that the peer directory changed.
func (s *Scheduler) PeersChanged() {
	s.changed.Broadcast()
}

func (s *Scheduler) NumTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// The pending task for key, if any.
func (s *Scheduler) Task(key string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	return t, ok
}

func (s *Scheduler) hashFailures(peerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashFailed[peerID]
}
