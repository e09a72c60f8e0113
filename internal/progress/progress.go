// Package progress models the mutable-callback-parameter style of the
// original tooling (a function passed through backup/erase/restore) as a
// write-only sink, the way spec §9 asks: a single-method interface rather
// than a bare func type threaded everywhere.
package progress

// Reporter receives progress updates from a long-running operation.
// message may be empty.
type Reporter interface {
	Report(percent uint8, message string)
}

// Func adapts a plain function to Reporter.
type Func func(percent uint8, message string)

func (f Func) Report(percent uint8, message string) { f(percent, message) }

// Discard is a Reporter that drops every update; operations must accept a
// nil or Discard sink without special-casing it.
var Discard Reporter = Func(func(uint8, string) {})

// Or returns r if non-nil, else Discard, so callers never need a nil check.
func Or(r Reporter) Reporter {
	if r == nil {
		return Discard
	}
	return r
}
