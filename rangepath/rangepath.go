// Package rangepath implements the sub-file addressing used for pieces: the logical path, a
// separator, and an explicit start-end byte offset pair, e.g. "data/video.mp4|1048576-2097152".
// The same string is used for scheduling, the network request and the task registry.
package rangepath

import (
	"fmt"
	"strconv"
	"strings"
)

const Separator = "|"

// A byte range [Start, End) of the file at Path.
type T struct {
	Path       string
	Start, End int64
}

func (me T) String() string {
	return Format(me.Path, me.Start, me.End)
}

func (me T) Length() int64 {
	return me.End - me.Start
}

func Format(path string, start, end int64) string {
	return path + Separator + strconv.FormatInt(start, 10) + "-" + strconv.FormatInt(end, 10)
}

// Returns the path with any range suffix removed.
func Base(s string) string {
	path, _, _ := strings.Cut(s, Separator)
	return path
}

func HasRange(s string) bool {
	return strings.Contains(s, Separator)
}

// Prefix that all ranged variants of path share. Used to purge them together.
func Prefix(path string) string {
	return path + Separator
}

// Parses a ranged path. ok is false if s carries no range suffix. A malformed suffix is an error.
func Parse(s string) (ret T, ok bool, err error) {
	path, rng, found := strings.Cut(s, Separator)
	if !found {
		ret.Path = s
		return
	}
	ok = true
	ret.Path = path
	startStr, endStr, found := strings.Cut(rng, "-")
	if !found {
		err = fmt.Errorf("range %q: missing '-'", rng)
		return
	}
	ret.Start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		err = fmt.Errorf("parsing range start: %w", err)
		return
	}
	ret.End, err = strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		err = fmt.Errorf("parsing range end: %w", err)
		return
	}
	if ret.Start < 0 || ret.End < ret.Start {
		err = fmt.Errorf("invalid range %v-%v", ret.Start, ret.End)
	}
	return
}
