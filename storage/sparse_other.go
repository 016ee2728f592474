//go:build !linux && !windows

package storage

import "os"

func preallocate(*os.File, int64) error {
	return nil
}

func setSparse(*os.File) error {
	return nil
}
