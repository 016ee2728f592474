package bigfile

import (
	"expvar"
)

var (
	filesOpened  = expvar.NewInt("bigfileFilesOpened")
	bytesRead    = expvar.NewInt("bigfileBytesRead")
	readsFailed  = expvar.NewInt("bigfileReadsFailed")
	filesHashed  = expvar.NewInt("bigfileFilesHashed")
	piecesHashed = expvar.NewInt("bigfilePiecesHashed")
)
