// Package label models cost tiers and the ordered fallback chain between them.
package label

import (
	"errors"
	"fmt"
	"strings"
)

// Label is an opaque cost-tier identifier such as "premium" or "economy".
type Label string

func (l Label) String() string { return string(l) }

// Ordering is a non-empty, duplicate-free fallback chain, most preferred first.
type Ordering struct {
	labels []Label
	index  map[Label]int
}

// NewOrdering validates and builds an ordering.
func NewOrdering(labels ...string) (Ordering, error) {
	if len(labels) == 0 {
		return Ordering{}, errors.New("model ordering must not be empty")
	}
	o := Ordering{
		labels: make([]Label, len(labels)),
		index:  make(map[Label]int, len(labels)),
	}
	for i, raw := range labels {
		l := Label(strings.TrimSpace(raw))
		if l == "" {
			return Ordering{}, fmt.Errorf("model ordering position %d is empty", i)
		}
		if _, dup := o.index[l]; dup {
			return Ordering{}, fmt.Errorf("model ordering contains %q twice", l)
		}
		o.labels[i] = l
		o.index[l] = i
	}
	return o, nil
}

// MustOrdering is NewOrdering for static inputs.
func MustOrdering(labels ...string) Ordering {
	o, err := NewOrdering(labels...)
	if err != nil {
		panic(err)
	}
	return o
}

// Len returns the number of labels.
func (o Ordering) Len() int { return len(o.labels) }

// At returns the label at position i.
func (o Ordering) At(i int) Label { return o.labels[i] }

// Index returns the position of l, or -1.
func (o Ordering) Index(l Label) int {
	if i, ok := o.index[l]; ok {
		return i
	}
	return -1
}

// Contains reports whether l is part of the ordering.
func (o Ordering) Contains(l Label) bool {
	_, ok := o.index[l]
	return ok
}

// Labels returns a copy of the chain.
func (o Ordering) Labels() []Label {
	out := make([]Label, len(o.labels))
	copy(out, o.labels)
	return out
}

// Strings returns the chain as plain strings.
func (o Ordering) Strings() []string {
	out := make([]string, len(o.labels))
	for i, l := range o.labels {
		out[i] = string(l)
	}
	return out
}
