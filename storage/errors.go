package storage

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Creating or sizing a sparse file failed. It's not retried.
type AllocationError struct {
	Path string
	Size int64
	Err  error
}

func (me *AllocationError) Error() string {
	return fmt.Sprintf("allocating %q (%s): %v", me.Path, humanize.IBytes(uint64(me.Size)), me.Err)
}

func (me *AllocationError) Unwrap() error {
	return me.Err
}
