package storage

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/anacrolix/missinggo/v2/panicif"
)

// Default file permissions for writable OS files.
const (
	filePerm os.FileMode = 0o644
	dirPerm  os.FileMode = 0o755
)

// Opens file for write, creating dirs and fixing permissions as necessary.
func openFileExtra(p string, osRdwr int) (f *os.File, err error) {
	panicif.NotZero(osRdwr & ^(os.O_RDONLY | os.O_RDWR | os.O_WRONLY))
	flag := osRdwr | os.O_CREATE
	f, err = os.OpenFile(p, flag, filePerm)
	if err == nil {
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		err = os.MkdirAll(filepath.Dir(p), dirPerm)
		if err != nil {
			return
		}
	} else if errors.Is(err, fs.ErrPermission) {
		err = os.Chmod(p, filePerm)
		if err != nil {
			return
		}
	} else {
		return
	}
	f, err = os.OpenFile(p, flag, filePerm)
	return
}

// Reads up to n bytes at off. Files that end early return what's there.
func peek(p string, off int64, n int) (b []byte, err error) {
	f, err := os.Open(p)
	if err != nil {
		return
	}
	defer f.Close()
	b = make([]byte, n)
	n, err = f.ReadAt(b, off)
	if err == io.EOF {
		err = nil
	}
	b = b[:n]
	return
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
