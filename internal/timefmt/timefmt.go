// Package timefmt renders timestamps and durations for conversation list rows,
// message bubbles and audio counters.
package timefmt

import (
	"fmt"
	"math"
	"time"
)

// ListStamp renders t for a conversation list row.
func ListStamp(t, now time.Time) string {
	t = t.In(now.Location())
	switch {
	case sameDay(t, now):
		return t.Format("15:04")
	case sameDay(t, now.AddDate(0, 0, -1)):
		return "yesterday"
	case t.Year() == now.Year():
		return t.Format("02 Jan")
	default:
		return t.Format("02.01.06")
	}
}

// BubbleStamp renders t under a message bubble.
func BubbleStamp(t, now time.Time) string {
	t = t.In(now.Location())
	switch {
	case sameDay(t, now):
		return t.Format("15:04")
	case sameDay(t, now.AddDate(0, 0, -1)):
		return "yesterday " + t.Format("15:04")
	case t.Year() == now.Year():
		return t.Format("02 Jan 15:04")
	default:
		return t.Format("02 Jan 2006 15:04")
	}
}

// Clock renders seconds as m:ss, truncating fractions.
func Clock(seconds float64) string {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
