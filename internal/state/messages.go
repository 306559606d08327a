package state

import "sort"

// InsertMessage inserts msg into a time-ascending message list and returns
// a new slice; the input is left untouched. Messages with equal timestamps
// keep their relative arrival order, so the common in-order case is a plain
// append.
func InsertMessage(list []Message, msg Message) []Message {
	n := len(list)
	if n == 0 || !msg.Time.Before(list[n-1].Time) {
		out := make([]Message, n, n+1)
		copy(out, list)
		return append(out, msg)
	}

	// First entry strictly newer than msg; equal timestamps stay in front
	i := sort.Search(n, func(i int) bool {
		return list[i].Time.After(msg.Time)
	})

	out := make([]Message, 0, n+1)
	out = append(out, list[:i]...)
	out = append(out, msg)
	out = append(out, list[i:]...)
	return out
}
