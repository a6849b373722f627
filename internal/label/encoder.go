// Package label implements categorical label re-encoding and group-size
// filtering for grouped cell analyses.
package label

import "fmt"

// Encoding maps categorical label values to dense integer codes assigned in
// first-seen order. Codes are contiguous starting at zero. An Encoding is
// immutable once returned; extending one produces a new Encoding.
type Encoding struct {
	codes  map[string]int
	values []string
}

// Encode assigns each distinct value in labels a code in [0, distinct) in
// first-seen order. It returns the encoding and the parallel code sequence.
// An empty input yields an empty encoding and an empty code sequence.
func Encode(labels []string) (*Encoding, []int) {
	return ExtendEncoding(nil, labels)
}

// ExtendEncoding encodes labels against an existing partial encoding (which
// may be nil). Values already present keep their codes; new values are
// appended in first-seen order. The input encoding is not modified.
func ExtendEncoding(enc *Encoding, labels []string) (*Encoding, []int) {
	out := &Encoding{codes: make(map[string]int)}
	if enc != nil {
		out.values = append(out.values, enc.values...)
		for v, c := range enc.codes {
			out.codes[v] = c
		}
	}

	codes := make([]int, len(labels))
	for i, v := range labels {
		c, ok := out.codes[v]
		if !ok {
			c = len(out.values)
			out.codes[v] = c
			out.values = append(out.values, v)
		}
		codes[i] = c
	}
	return out, codes
}

// Len returns the number of distinct values in the encoding.
func (e *Encoding) Len() int {
	if e == nil {
		return 0
	}
	return len(e.values)
}

// Code returns the code for a value.
func (e *Encoding) Code(value string) (int, bool) {
	if e == nil {
		return 0, false
	}
	c, ok := e.codes[value]
	return c, ok
}

// Value returns the value for a code.
func (e *Encoding) Value(code int) (string, bool) {
	if e == nil || code < 0 || code >= len(e.values) {
		return "", false
	}
	return e.values[code], true
}

// Values returns the inverse mapping: distinct values ordered by code.
// The returned slice must not be modified.
func (e *Encoding) Values() []string {
	if e == nil {
		return nil
	}
	return e.values
}

// Decode maps a code sequence back to the original label values.
func (e *Encoding) Decode(codes []int) ([]string, error) {
	out := make([]string, len(codes))
	for i, c := range codes {
		v, ok := e.Value(c)
		if !ok {
			return nil, fmt.Errorf("code out of range: %d (distinct=%d)", c, e.Len())
		}
		out[i] = v
	}
	return out, nil
}

// GroupView is an immutable relabeling of a record collection: record i
// carries the code of its group label. The underlying records are never
// mutated; regrouping produces a new view.
type GroupView struct {
	enc   *Encoding
	codes []int
}

// NewGroupView builds a view from per-record group labels.
func NewGroupView(labels []string) *GroupView {
	enc, codes := Encode(labels)
	return &GroupView{enc: enc, codes: codes}
}

// Encoding returns the label encoding backing the view.
func (v *GroupView) Encoding() *Encoding { return v.enc }

// Len returns the number of records in the view.
func (v *GroupView) Len() int { return len(v.codes) }

// CodeAt returns the group code of record i.
func (v *GroupView) CodeAt(i int) int { return v.codes[i] }

// Codes returns the per-record code sequence. The returned slice must not
// be modified.
func (v *GroupView) Codes() []int { return v.codes }

// Counts returns the number of records per group label.
func (v *GroupView) Counts() map[string]int {
	out := make(map[string]int, v.enc.Len())
	for _, c := range v.codes {
		val, _ := v.enc.Value(c)
		out[val]++
	}
	return out
}

// MemberIndices returns, per group code, the record indices belonging to
// that group, in record order.
func (v *GroupView) MemberIndices() [][]int {
	out := make([][]int, v.enc.Len())
	for i, c := range v.codes {
		out[c] = append(out[c], i)
	}
	return out
}
