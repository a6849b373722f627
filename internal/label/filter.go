package label

import "sort"

// Retain returns the group labels whose count strictly exceeds min.
// If no group qualifies the result is empty, not an error; downstream
// consumers must handle the empty case explicitly.
func Retain(counts map[string]int, min int) map[string]struct{} {
	out := make(map[string]struct{})
	for g, n := range counts {
		if n > min {
			out[g] = struct{}{}
		}
	}
	return out
}

// RetainedLabels returns the retained set as a sorted slice, for stable
// logging and report output.
func RetainedLabels(retained map[string]struct{}) []string {
	out := make([]string, 0, len(retained))
	for g := range retained {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// FilterByGroup returns the subset of records whose group label is in the
// retained set, preserving record order. An empty retained set yields an
// empty (non-nil) result.
func FilterByGroup[T any](records []T, groupOf func(T) string, retained map[string]struct{}) []T {
	out := make([]T, 0)
	for _, r := range records {
		if _, ok := retained[groupOf(r)]; ok {
			out = append(out, r)
		}
	}
	return out
}

// FilterView narrows a GroupView to the retained groups: it returns the
// record indices that survive together with a fresh view over their labels,
// re-encoded so codes stay contiguous from zero.
func FilterView(view *GroupView, retained map[string]struct{}) ([]int, *GroupView) {
	keep := make([]int, 0)
	labels := make([]string, 0)
	for i, c := range view.Codes() {
		val, _ := view.Encoding().Value(c)
		if _, ok := retained[val]; ok {
			keep = append(keep, i)
			labels = append(labels, val)
		}
	}
	return keep, NewGroupView(labels)
}
