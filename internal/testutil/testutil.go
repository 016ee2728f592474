// Package testutil contains fixtures for testing bigfile distribution: generated content, a
// manifest resolver, and an in-process peer.
package testutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/anacrolix/sync"

	"github.com/anacrolix/bigfile/merkle"
	"github.com/anacrolix/bigfile/types"
)

// Content of pieces*1MB bytes: lines of "Test<n>" padded with dashes to 10 bytes, each repeated
// 1000 times. Pieces of 1MiB all differ.
func Data(pieces int) []byte {
	var buf bytes.Buffer
	for i := range pieces * 100 {
		line := fmt.Sprintf("Test%d", i)
		for len(line) < 10 {
			line += "-"
		}
		buf.Write(bytes.Repeat([]byte(line), 1000))
	}
	return buf.Bytes()
}

// A ContentResolver over a set of files. Whole files verify against the flat digest in their
// FileInfo.Hash.
type Resolver struct {
	mu    sync.Mutex
	files map[string]types.FileInfo
}

func (me *Resolver) Add(fi types.FileInfo) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.files == nil {
		me.files = make(map[string]types.FileInfo)
	}
	me.files[fi.InnerPath] = fi
}

// Adds a file that isn't split, hashed flat.
func (me *Resolver) AddFlat(innerPath string, content []byte) types.FileInfo {
	fi := types.FileInfo{
		InnerPath: innerPath,
		Hash:      merkle.Sum(content).HexString(),
		Size:      int64(len(content)),
	}
	me.Add(fi)
	return fi
}

func (me *Resolver) Remove(innerPath string) {
	me.mu.Lock()
	defer me.mu.Unlock()
	delete(me.files, innerPath)
}

func (me *Resolver) FileInfo(innerPath string) (types.FileInfo, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	fi, ok := me.files[innerPath]
	if !ok {
		return fi, fmt.Errorf("%q: %w", innerPath, types.ErrUnknownFile)
	}
	return fi, nil
}

var ErrHashMismatch = errors.New("hash mismatch")

func (me *Resolver) VerifyFile(innerPath string, r io.Reader) error {
	fi, err := me.FileInfo(innerPath)
	if err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if merkle.Sum(b).HexString() != fi.Hash {
		return fmt.Errorf("%q: %w", innerPath, ErrHashMismatch)
	}
	return nil
}

var _ types.ContentResolver = (*Resolver)(nil)
