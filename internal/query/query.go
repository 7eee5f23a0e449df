// Package query runs the filter, sort and paginate pipeline used to shape
// collection responses.
package query

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind selects how a field compares when sorting.
type Kind int

const (
	KindString Kind = iota
	KindNumber
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

var ErrInvalidSort = errors.New("invalid sort")

// Field exposes one named attribute of T to the pipeline.
type Field[T any] struct {
	Kind  Kind
	Value func(T) string
}

// Fields is the allow-list of filterable and sortable attributes of T.
type Fields[T any] map[string]Field[T]

type Sort struct {
	Field     string
	Direction Direction
}

// ParseSort reads the "field:direction" form. An empty string yields nil.
func ParseSort(s string) (*Sort, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	field, dir, found := strings.Cut(s, ":")
	if field == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSort, s)
	}
	if !found {
		return &Sort{Field: field, Direction: Desc}, nil
	}
	switch Direction(strings.ToLower(dir)) {
	case Asc:
		return &Sort{Field: field, Direction: Asc}, nil
	case Desc:
		return &Sort{Field: field, Direction: Desc}, nil
	}
	return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidSort, dir)
}

func (s Sort) String() string {
	return s.Field + ":" + string(s.Direction)
}

// Spec describes one request against a collection.
type Spec struct {
	Filters map[string]string
	Sort    *Sort
	Offset  int
	// Limit is nil when the caller wants everything after Offset.
	Limit *int
}

type Meta struct {
	Count  int `json:"count"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

type Result[T any] struct {
	Data []T `json:"data"`
	Meta Meta `json:"meta"`
}

// Run filters, sorts and pages items. items is never modified.
func Run[T any](items []T, fields Fields[T], spec Spec) Result[T] {
	out := filter(items, fields, spec.Filters)
	if spec.Sort != nil {
		if f, ok := fields[spec.Sort.Field]; ok {
			sortDesc(out, f)
			if spec.Sort.Direction == Asc {
				reverse(out)
			}
		}
	}
	return paginate(out, spec.Offset, spec.Limit)
}

func filter[T any](items []T, fields Fields[T], filters map[string]string) []T {
	type check struct {
		field Field[T]
		want  string
	}
	var checks []check
	for name, want := range filters {
		if want == "" {
			continue
		}
		if f, ok := fields[name]; ok {
			checks = append(checks, check{field: f, want: want})
		}
	}

	out := make([]T, 0, len(items))
next:
	for _, it := range items {
		for _, c := range checks {
			if c.field.Value(it) != c.want {
				continue next
			}
		}
		out = append(out, it)
	}
	return out
}

// sortDesc orders items greatest first. Equal items keep their input order.
func sortDesc[T any](items []T, f Field[T]) {
	if f.Kind == KindNumber {
		sort.SliceStable(items, func(i, j int) bool {
			return number(f.Value(items[i])) > number(f.Value(items[j]))
		})
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return f.Value(items[i]) > f.Value(items[j])
	})
}

func number(s string) float64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return n
}

func reverse[T any](items []T) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

func paginate[T any](items []T, offset int, limit *int) Result[T] {
	if offset < 0 {
		offset = 0
	}
	total := len(items)
	start := offset
	if start > total {
		start = total
	}
	end := total
	if limit != nil {
		n := *limit
		if n < 0 {
			n = 0
		}
		if start+n < end {
			end = start + n
		}
	}
	page := items[start:end]
	return Result[T]{
		Data: page,
		Meta: Meta{Count: len(page), Offset: offset, Total: total},
	}
}
