package rangepath

import (
	"testing"

	"github.com/go-quicktest/qt"
)

func TestFormatParse(t *testing.T) {
	s := Format("data/optional.any.iso", 5<<20, 6<<20)
	qt.Assert(t, qt.Equals(s, "data/optional.any.iso|5242880-6291456"))
	r, ok, err := Parse(s)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(ok))
	qt.Check(t, qt.Equals(r, T{"data/optional.any.iso", 5 << 20, 6 << 20}))
	qt.Check(t, qt.Equals(r.Length(), int64(1<<20)))
	qt.Check(t, qt.Equals(r.String(), s))
	qt.Check(t, qt.Equals(Base(s), "data/optional.any.iso"))
}

func TestParseNoRange(t *testing.T) {
	r, ok, err := Parse("content.json")
	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.IsFalse(ok))
	qt.Check(t, qt.Equals(r.Path, "content.json"))
	qt.Check(t, qt.IsFalse(HasRange("content.json")))
	qt.Check(t, qt.Equals(Base("content.json"), "content.json"))
}

func TestParseMalformed(t *testing.T) {
	for _, s := range []string{"a|", "a|1", "a|x-2", "a|1-y", "a|5-2", "a|-1-2"} {
		_, ok, err := Parse(s)
		qt.Check(t, qt.IsTrue(ok), qt.Commentf("%q", s))
		qt.Check(t, qt.IsNotNil(err), qt.Commentf("%q", s))
	}
}
