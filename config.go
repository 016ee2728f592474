package bigfile

import (
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/anacrolix/bigfile/peercache"
	"github.com/anacrolix/bigfile/peerproto"
	"github.com/anacrolix/bigfile/piecefield"
	"github.com/anacrolix/bigfile/piecemap"
	"github.com/anacrolix/bigfile/scheduler"
	"github.com/anacrolix/bigfile/storage"
)

// Probably not safe to modify this after it's given to a Site, or to pass it to multiple Sites.
type Config struct {
	// The site's files are stored beneath this directory.
	DataDir string
	// Piece size for bigfiles hashed here. Received bigfiles use the size in their manifest.
	PieceSize int64
	// Concurrent fetches from peers.
	Workers int
	// Pieces in flight while downloading a whole bigfile.
	FetchAllConcurrency int
	// Minimum time between non-forced piecefield refreshes of a peer.
	PiecefieldRefreshInterval time.Duration
	// Peers with an older protocol revision aren't asked for piecefields.
	MinPiecefieldRevision int
	// Longest run accepted when decoding packed piecefields.
	MaxPiecefieldRun int
	// Bytes physically reserved at the start of new sparse files.
	SparsePreallocate int64
	// How long a File read waits for its pieces. Zero waits for as long as the context allows.
	ReadTimeout time.Duration
	// Bytes read ahead of a File's cursor, initially.
	DefaultPrebuffer int64
	// Once a File has read more than PrebufferGrowThreshold bytes its read ahead grows to
	// PrebufferGrowTo.
	PrebufferGrowThreshold int64
	PrebufferGrowTo        int64
	// Requesting a whole bigfile no larger than this downloads all of it.
	AutodownloadSizeLimit int64
	// Bigfiles larger than this are refused. Zero means no limit.
	SizeLimit int64
	// Files smaller than this are hashed flat when added locally.
	PiecemapMinFileSize int64
	// Applies to all piece and file data received from peers. Nil is unlimited.
	DownloadRateLimiter *rate.Limiter

	Logger log.Logger
}

func NewDefaultConfig() *Config {
	return &Config{
		PieceSize:                 piecemap.DefaultPieceSize,
		Workers:                   scheduler.DefaultWorkers,
		FetchAllConcurrency:       scheduler.DefaultFetchAllConcurrency,
		PiecefieldRefreshInterval: peercache.DefaultRefreshInterval,
		MinPiecefieldRevision:     peerproto.MinRevision,
		MaxPiecefieldRun:          piecefield.DefaultMaxRun,
		SparsePreallocate:         storage.DefaultPreallocate,
		ReadTimeout:               time.Minute,
		DefaultPrebuffer:          0,
		PrebufferGrowThreshold:    7 << 20,
		PrebufferGrowTo:           5 << 20,
		AutodownloadSizeLimit:     scheduler.DefaultAutodownloadSizeLimit,
		PiecemapMinFileSize:       5 << 20,
		Logger:                    log.Default,
	}
}
