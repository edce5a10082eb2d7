// Package aggregate implements associative result aggregation.
//
// Every aggregate kind is an instance of one Combine operation forming a
// semigroup: Combine(Combine(a, b), c) == Combine(a, Combine(b, c)). That
// property is what makes it safe to fold partial aggregates from concurrent
// workers in whatever order they complete.
package aggregate

import (
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates aggregate values. Two aggregates combine only if their
// kinds match.
type Kind string

const (
	KindCount   Kind = "count"
	KindSum     Kind = "sum"
	KindMin     Kind = "min"
	KindMax     Kind = "max"
	KindAverage Kind = "average"
	KindCollect Kind = "collect"
	KindUnique  Kind = "unique"
	KindConcat  Kind = "concat"
	KindMerge   Kind = "merge"
)

// Aggregate is an intermediate, combinable result. Stateful kinds (Average)
// carry enough state to finalize later; Finalize performs the terminal
// computation.
type Aggregate struct {
	kind Kind

	count  int
	sum    float64
	minSet bool
	minVal float64
	maxSet bool
	maxVal float64
	values []any
	unique map[string]struct{}
	concat string
	merged map[string]any
}

// Count counts items.
func Count(n int) Aggregate { return Aggregate{kind: KindCount, count: n} }

// Sum adds numeric values.
func Sum(v float64) Aggregate { return Aggregate{kind: KindSum, sum: v} }

// Min keeps the smallest value seen.
func Min(v float64) Aggregate { return Aggregate{kind: KindMin, minSet: true, minVal: v} }

// Max keeps the largest value seen.
func Max(v float64) Aggregate { return Aggregate{kind: KindMax, maxSet: true, maxVal: v} }

// Average tracks (sum, count) and finalizes to sum/count.
func Average(v float64) Aggregate { return Aggregate{kind: KindAverage, sum: v, count: 1} }

// Collect gathers every value.
func Collect(vs ...any) Aggregate {
	return Aggregate{kind: KindCollect, values: append([]any(nil), vs...)}
}

// Unique gathers distinct string values.
func Unique(vs ...string) Aggregate {
	set := make(map[string]struct{}, len(vs))
	for _, v := range vs {
		set[v] = struct{}{}
	}
	return Aggregate{kind: KindUnique, unique: set}
}

// Concat joins string fragments in combine order.
func Concat(s string) Aggregate { return Aggregate{kind: KindConcat, concat: s} }

// Merge folds maps together; on key collision the earlier value wins.
func Merge(m map[string]any) Aggregate {
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return Aggregate{kind: KindMerge, merged: cp}
}

// Kind reports the aggregate's kind.
func (a Aggregate) Kind() Kind { return a.kind }

// Combine merges two aggregates of the same kind. It returns an error for
// mismatched kinds, which indicates a programming error in the caller.
func (a Aggregate) Combine(b Aggregate) (Aggregate, error) {
	if a.kind != b.kind {
		return Aggregate{}, fmt.Errorf("cannot combine aggregate kinds %q and %q", a.kind, b.kind)
	}

	switch a.kind {
	case KindCount:
		return Count(a.count + b.count), nil
	case KindSum:
		return Sum(a.sum + b.sum), nil
	case KindMin:
		switch {
		case !a.minSet:
			return b, nil
		case !b.minSet:
			return a, nil
		case b.minVal < a.minVal:
			return b, nil
		default:
			return a, nil
		}
	case KindMax:
		switch {
		case !a.maxSet:
			return b, nil
		case !b.maxSet:
			return a, nil
		case b.maxVal > a.maxVal:
			return b, nil
		default:
			return a, nil
		}
	case KindAverage:
		return Aggregate{kind: KindAverage, sum: a.sum + b.sum, count: a.count + b.count}, nil
	case KindCollect:
		vs := make([]any, 0, len(a.values)+len(b.values))
		vs = append(vs, a.values...)
		vs = append(vs, b.values...)
		return Aggregate{kind: KindCollect, values: vs}, nil
	case KindUnique:
		set := make(map[string]struct{}, len(a.unique)+len(b.unique))
		for v := range a.unique {
			set[v] = struct{}{}
		}
		for v := range b.unique {
			set[v] = struct{}{}
		}
		return Aggregate{kind: KindUnique, unique: set}, nil
	case KindConcat:
		return Concat(a.concat + b.concat), nil
	case KindMerge:
		out := make(map[string]any, len(a.merged)+len(b.merged))
		for k, v := range a.merged {
			out[k] = v
		}
		for k, v := range b.merged {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
		return Aggregate{kind: KindMerge, merged: out}, nil
	default:
		return Aggregate{}, fmt.Errorf("unknown aggregate kind %q", a.kind)
	}
}

// Finalize converts the intermediate state into the terminal value.
func (a Aggregate) Finalize() any {
	switch a.kind {
	case KindCount:
		return a.count
	case KindSum:
		return a.sum
	case KindMin:
		if !a.minSet {
			return nil
		}
		return a.minVal
	case KindMax:
		if !a.maxSet {
			return nil
		}
		return a.maxVal
	case KindAverage:
		if a.count == 0 {
			return nil
		}
		return a.sum / float64(a.count)
	case KindCollect:
		return append([]any(nil), a.values...)
	case KindUnique:
		out := make([]string, 0, len(a.unique))
		for v := range a.unique {
			out = append(out, v)
		}
		sort.Strings(out)
		return out
	case KindConcat:
		return a.concat
	case KindMerge:
		out := make(map[string]any, len(a.merged))
		for k, v := range a.merged {
			out[k] = v
		}
		return out
	default:
		return nil
	}
}

// Reduce folds a slice of aggregates left to right. Associativity guarantees
// the result is independent of how the slice was partitioned across workers.
func Reduce(as []Aggregate) (Aggregate, error) {
	if len(as) == 0 {
		return Aggregate{}, fmt.Errorf("cannot reduce empty aggregate slice")
	}
	acc := as[0]
	var err error
	for _, a := range as[1:] {
		acc, err = acc.Combine(a)
		if err != nil {
			return Aggregate{}, err
		}
	}
	return acc, nil
}

// String is a compact debug rendering.
func (a Aggregate) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%v)", a.kind, a.Finalize())
	return b.String()
}
