package piecemap

import (
	"context"
	"errors"
	"fmt"

	"github.com/anacrolix/bigfile/merkle"
)

var ErrCorruptPiece = errors.New("invalid hash")

type CorruptPieceError struct {
	InnerPath string
	Index     int
	Reason    string
}

func (me *CorruptPieceError) Error() string {
	return fmt.Sprintf("%s piece %v: %s", me.InnerPath, me.Index, me.Reason)
}

func (me *CorruptPieceError) Is(target error) bool {
	return target == ErrCorruptPiece
}

// Provides the PieceMap of a bigfile, fetching it if necessary.
type MapSource interface {
	PieceMap(ctx context.Context, innerPath string) (PieceMap, error)
}

type Verifier struct {
	Source MapSource
}

// Checks data, read or received for the piece containing offset, against the file's PieceMap.
func (v Verifier) Verify(ctx context.Context, innerPath string, offset int64, data []byte) error {
	pm, err := v.Source.PieceMap(ctx, innerPath)
	if err != nil {
		return fmt.Errorf("getting piecemap: %w", err)
	}
	return pm.Verify(innerPath, offset, data)
}

func (pm PieceMap) Verify(innerPath string, offset int64, data []byte) error {
	i := pm.PieceIndex(offset)
	if i < 0 || i >= len(pm.Digests) {
		return &CorruptPieceError{innerPath, i, "piece index out of range"}
	}
	if merkle.Sum(data) != pm.Digests[i] {
		return &CorruptPieceError{innerPath, i, ErrCorruptPiece.Error()}
	}
	return nil
}
