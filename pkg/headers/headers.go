// Package headers implements the HTTP header bag used by pkg/httpserver's
// exchange: a case-normalised, multi-valued, ordered store with a read-only
// mode for parsed requests and a mutable mode for server-built responses.
package headers

import (
	"strings"

	"github.com/driftcode/devproxy/pkg/errors"
)

// Bag is a multi-valued, ordered header store.
//
// Key normalisation is this project's own convention, not RFC 7230
// canonicalisation: the first character is upper-cased, every other
// letter is lower-cased, and digits/separators pass through untouched.
// "content-type" and "CONTENT-TYPE" both normalise to "Content-type" —
// note the single capital, unlike net/textproto's per-segment title case.
type Bag struct {
	readOnly bool
	keys     []string
	values   map[string][]string
}

// New returns an empty mutable bag.
func New() *Bag {
	return &Bag{values: make(map[string][]string)}
}

// NewReadOnly returns an empty bag that rejects all mutations.
func NewReadOnly() *Bag {
	return &Bag{readOnly: true, values: make(map[string][]string)}
}

// Freeze returns a read-only copy of the bag's keys and values; mutation
// attempts through the returned bag fail with a state error. The receiver
// is left mutable, and later changes to it do not show in the copy.
func (b *Bag) Freeze() *Bag {
	clone := &Bag{readOnly: true, values: make(map[string][]string, len(b.values))}
	clone.keys = append(clone.keys, b.keys...)
	for k, v := range b.values {
		cp := make([]string, len(v))
		copy(cp, v)
		clone.values[k] = cp
	}
	return clone
}

// normalize applies the bag's key convention. Returns "", false for
// empty/blank keys.
func normalize(key string) (string, bool) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", false
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for i, r := range trimmed {
		switch {
		case i == 0:
			b.WriteRune(toUpper(r))
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String(), true
}

func toUpper(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}

// Set replaces any existing values for key with the single value v.
func (b *Bag) Set(key, v string) error {
	if b.readOnly {
		return errors.NewStateError("headers.Set", "cannot mutate a read-only header bag")
	}
	norm, ok := normalize(key)
	if !ok {
		return errors.NewValidationError("header key cannot be empty or blank")
	}
	if _, exists := b.values[norm]; !exists {
		b.keys = append(b.keys, norm)
	}
	b.values[norm] = []string{v}
	return nil
}

// Add appends v to key's value list.
func (b *Bag) Add(key, v string) error {
	if b.readOnly {
		return errors.NewStateError("headers.Add", "cannot mutate a read-only header bag")
	}
	norm, ok := normalize(key)
	if !ok {
		return errors.NewValidationError("header key cannot be empty or blank")
	}
	if _, exists := b.values[norm]; !exists {
		b.keys = append(b.keys, norm)
	}
	b.values[norm] = append(b.values[norm], v)
	return nil
}

// First returns key's first value and true, or "", false if absent.
func (b *Bag) First(key string) (string, bool) {
	norm, ok := normalize(key)
	if !ok {
		return "", false
	}
	vals, exists := b.values[norm]
	if !exists || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// All returns every value stored for key, in insertion order. Returns nil
// when the key is absent; callers must not mutate the returned slice.
func (b *Bag) All(key string) []string {
	norm, ok := normalize(key)
	if !ok {
		return nil
	}
	return b.values[norm]
}

// Contains reports whether key has any stored value.
func (b *Bag) Contains(key string) bool {
	norm, ok := normalize(key)
	if !ok {
		return false
	}
	_, exists := b.values[norm]
	return exists
}

// Keys returns the normalised header keys in insertion order.
func (b *Bag) Keys() []string {
	out := make([]string, len(b.keys))
	copy(out, b.keys)
	return out
}

// ReadOnly reports whether the bag rejects mutation.
func (b *Bag) ReadOnly() bool {
	return b.readOnly
}
