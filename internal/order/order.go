// Package order holds the in-progress order and the single merge rule that
// both manual selection and voice reconciliation go through.
package order

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Quantity is one of the closed set of order sizes. The empty value means "remove".
type Quantity string

const (
	Q100g  Quantity = "100g"
	Q250g  Quantity = "250g"
	Q500g  Quantity = "500g"
	Q1kg   Quantity = "1kg"
	Remove Quantity = ""
)

// Quantities lists the closed set in ascending order.
var Quantities = []Quantity{Q100g, Q250g, Q500g, Q1kg}

var (
	ErrInvalidQuantity = errors.New("quantity outside the closed set")
	ErrUnknownItem     = errors.New("unknown catalog id")
	ErrUnresolvable    = errors.New("unresolvable vegetable name")
)

// Valid reports whether q is a member of the closed set.
func (q Quantity) Valid() bool {
	for _, v := range Quantities {
		if q == v {
			return true
		}
	}
	return false
}

// ParseQuantity accepts a closed-set label or the empty removal sentinel.
func ParseQuantity(s string) (Quantity, error) {
	q := Quantity(strings.ToLower(strings.TrimSpace(s)))
	if q == Remove || q.Valid() {
		return q, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidQuantity, s)
}

// Item is one line of the order.
type Item struct {
	CatalogID string   `json:"catalog_id"`
	Quantity  Quantity `json:"quantity"`
}

// Change classifies what Apply did.
type Change int

const (
	ChangeNone Change = iota
	ChangeAdded
	ChangeUpdated
	ChangeRemoved
)

func (c Change) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "none"
	}
}

// Confirms reports whether the change earns a confirmation pulse.
func (c Change) Confirms() bool {
	return c == ChangeAdded || c == ChangeUpdated
}

// Set is an order with at most one line per catalog id. It is not safe for
// concurrent use; Book serializes access.
type Set struct {
	lines map[string]Quantity
	order []string
}

func NewSet(items ...Item) *Set {
	s := &Set{lines: make(map[string]Quantity)}
	for _, it := range items {
		_, _ = s.Apply(it.CatalogID, it.Quantity)
	}
	return s
}

// Apply is the merge rule: add if absent, replace if different, remove on
// the empty quantity, and do nothing if already set.
func (s *Set) Apply(id string, q Quantity) (Change, error) {
	if id == "" {
		return ChangeNone, ErrUnknownItem
	}
	if q != Remove && !q.Valid() {
		return ChangeNone, fmt.Errorf("%w: %q", ErrInvalidQuantity, string(q))
	}
	current, present := s.lines[id]
	switch {
	case q == Remove && !present:
		return ChangeNone, nil
	case q == Remove:
		delete(s.lines, id)
		for i, v := range s.order {
			if v == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return ChangeRemoved, nil
	case !present:
		s.lines[id] = q
		s.order = append(s.order, id)
		return ChangeAdded, nil
	case current == q:
		return ChangeNone, nil
	default:
		s.lines[id] = q
		return ChangeUpdated, nil
	}
}

func (s *Set) Get(id string) (Quantity, bool) {
	q, ok := s.lines[id]
	return q, ok
}

func (s *Set) Len() int { return len(s.lines) }

// Items returns the lines in the order they were first added.
func (s *Set) Items() []Item {
	out := make([]Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, Item{CatalogID: id, Quantity: s.lines[id]})
	}
	return out
}

func (s *Set) Clone() *Set {
	return NewSet(s.Items()...)
}

// Pulser receives a signal for every line that was added or updated.
type Pulser interface {
	Pulse(id string) time.Time
}

// Book is the shared in-progress order. Every mutation goes through Select.
type Book struct {
	mu     sync.Mutex
	set    *Set
	pulser Pulser
}

func NewBook(pulser Pulser) *Book {
	return &Book{set: NewSet(), pulser: pulser}
}

// Select applies the merge rule and pulses the item when it changed.
func (b *Book) Select(id string, q Quantity) (Change, error) {
	b.mu.Lock()
	change, err := b.set.Apply(id, q)
	b.mu.Unlock()
	if err != nil {
		return ChangeNone, err
	}
	if change.Confirms() && b.pulser != nil {
		b.pulser.Pulse(id)
	}
	return change, nil
}

func (b *Book) Items() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set.Items()
}

func (b *Book) Get(id string) (Quantity, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set.Get(id)
}

// Snapshot returns a detached copy of the current order.
func (b *Book) Snapshot() *Set {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.set.Clone()
}
