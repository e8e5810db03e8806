// Package filter gates messages on their raw properties before the payload is
// decoded.
package filter

import (
	"fmt"
	"path"
	"slices"

	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// Predicate reports whether a message with the given properties should be
// processed. Predicates must not mutate props.
type Predicate func(props metadatapkg.Properties) bool

// Chain is a conjunction of predicates evaluated in registration order.
// A nil or empty Chain accepts every message.
type Chain struct {
	predicates []Predicate
}

// NewChain builds a chain from the supplied predicates; nil entries are dropped.
func NewChain(predicates ...Predicate) *Chain {
	c := &Chain{}
	for _, p := range predicates {
		c.Add(p)
	}
	return c
}

// Add appends a predicate and returns the chain for chaining calls.
func (c *Chain) Add(p Predicate) *Chain {
	if p != nil {
		c.predicates = append(c.predicates, p)
	}
	return c
}

// Len returns the number of registered predicates.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.predicates)
}

// Matches stops at the first predicate that returns false.
func (c *Chain) Matches(props metadatapkg.Properties) bool {
	if c == nil {
		return true
	}
	for _, p := range c.predicates {
		if !p(props) {
			return false
		}
	}
	return true
}

// PanicError is returned by Evaluate when a predicate panics.
type PanicError struct {
	Index int
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("filter: predicate %d panicked: %v", e.Index, e.Value)
}

// Evaluate behaves like Matches but converts a panicking predicate into an
// error. The message is then treated as rejected.
func (c *Chain) Evaluate(props metadatapkg.Properties) (ok bool, err error) {
	if c == nil {
		return true, nil
	}
	idx := 0
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = &PanicError{Index: idx, Value: r}
		}
	}()
	for i, p := range c.predicates {
		idx = i
		if !p(props) {
			return false, nil
		}
	}
	return true, nil
}

// HasProperty matches when key is present.
func HasProperty(key string) Predicate {
	return func(props metadatapkg.Properties) bool {
		_, ok := props[key]
		return ok
	}
}

// PropertyEquals compares the string form of the property against value.
func PropertyEquals(key, value string) Predicate {
	return func(props metadatapkg.Properties) bool {
		_, ok := props[key]
		return ok && props.String(key) == value
	}
}

// PropertyIn matches when the property equals any of values.
func PropertyIn(key string, values ...string) Predicate {
	return func(props metadatapkg.Properties) bool {
		_, ok := props[key]
		return ok && slices.Contains(values, props.String(key))
	}
}

// PropertyMatches applies a path.Match glob such as "order.*" to the property.
// A malformed pattern never matches.
func PropertyMatches(key, pattern string) Predicate {
	return func(props metadatapkg.Properties) bool {
		if _, ok := props[key]; !ok {
			return false
		}
		matched, err := path.Match(pattern, props.String(key))
		return err == nil && matched
	}
}

// Not inverts a predicate.
func Not(p Predicate) Predicate {
	return func(props metadatapkg.Properties) bool {
		return !p(props)
	}
}

// Any matches when at least one predicate matches.
func Any(predicates ...Predicate) Predicate {
	return func(props metadatapkg.Properties) bool {
		for _, p := range predicates {
			if p(props) {
				return true
			}
		}
		return false
	}
}
