// Package prefixedsrc splices a pre-read byte prefix in front of an
// underlying byte stream, so bytes already consumed for inspection can be
// re-served to a reader that has not seen them yet.
//
// This is the adapter the half-duplex relay (pkg/relay) uses when a routing
// switch arrives mid-read: the bytes already pulled off the old socket for
// this iteration are prepended to the new primary socket's input so the
// edge packet straddling the switch is not lost.
package prefixedsrc

import "io"

// Source composes a fixed prefix with a downstream io.Reader. Reads drain
// the prefix first, then delegate entirely to the underlying reader. A read
// that straddles the boundary returns only the prefix portion for that
// call; it never mixes prefix and delegate bytes in one Read.
type Source struct {
	prefix []byte
	pos    int
	r      io.Reader
}

// New returns a Source that serves prefix before delegating to r. prefix is
// not copied; callers must not mutate it afterward.
func New(prefix []byte, r io.Reader) *Source {
	return &Source{prefix: prefix, r: r}
}

func (s *Source) Read(p []byte) (int, error) {
	if s.pos < len(s.prefix) {
		n := copy(p, s.prefix[s.pos:])
		s.pos += n
		return n, nil
	}
	return s.r.Read(p)
}

// Close delegates to the underlying reader when it implements io.Closer;
// otherwise it is a no-op.
func (s *Source) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
