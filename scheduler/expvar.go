package scheduler

import (
	"expvar"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("anacrolix.bigfile.scheduler")

var (
	tasksCreated  = expvar.NewInt("schedulerTasksCreated")
	tasksFailed   = expvar.NewInt("schedulerTasksFailed")
	piecesFetched = expvar.NewInt("schedulerPiecesFetched")
	piecesCorrupt = expvar.NewInt("schedulerPiecesCorrupt")
	filesFetched  = expvar.NewInt("schedulerFilesFetched")
	bytesFetched  = expvar.NewInt("schedulerBytesFetched")
)
