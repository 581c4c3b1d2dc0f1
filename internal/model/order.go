package model

import (
	"slices"
	"strconv"
)

// CompareIDs orders message ids numerically when both are integers and
// lexically otherwise.
func CompareIDs(a, b string) int {
	ai, aErr := strconv.ParseInt(a, 10, 64)
	bi, bErr := strconv.ParseInt(b, 10, 64)
	if aErr == nil && bErr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// CompareMessages orders by (CreatedAt, ID).
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return CompareIDs(a.ID, b.ID)
}

// SortMessages sorts in place by (CreatedAt, ID), keeping the server order of
// equal keys.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, CompareMessages)
}

// IsOrdered reports whether msgs is non-decreasing in (CreatedAt, ID).
func IsOrdered(msgs []Message) bool {
	return slices.IsSortedFunc(msgs, CompareMessages)
}
