package calendar

import (
	"sort"
	"time"
)

// The shop closes for lunch; no appointment may overlap it.
const (
	lunchStartHour = 12
	lunchEndHour   = 13
)

// openSlots subtracts the busy blocks and each day's lunch window from
// [start, end) and keeps the gaps at least minDuration long. A free slot
// that overlaps lunch is split into the parts before and after it, and no
// slot ever spans a day boundary.
func openSlots(start, end time.Time, busy []TimeSlot, minDuration time.Duration) []TimeSlot {
	if !start.Before(end) {
		return nil
	}

	blocks := make([]TimeSlot, 0, len(busy)+2)
	for _, b := range busy {
		if b.Start.Before(b.End) {
			blocks = append(blocks, b)
		}
	}
	blocks = append(blocks, lunchWindows(start, end)...)
	blocks = mergeBlocks(blocks)

	var free []TimeSlot
	cursor := start
	for _, b := range blocks {
		if !b.End.After(cursor) {
			continue
		}
		if b.Start.After(end) {
			break
		}
		if b.Start.After(cursor) {
			free = append(free, TimeSlot{Start: cursor, End: minTime(b.Start, end)})
		}
		cursor = maxTime(cursor, b.End)
	}
	if cursor.Before(end) {
		free = append(free, TimeSlot{Start: cursor, End: end})
	}

	var kept []TimeSlot
	for _, s := range splitAtMidnight(free) {
		if s.Duration() >= minDuration {
			kept = append(kept, s)
		}
	}
	return kept
}

// splitAtMidnight cuts every slot at local day boundaries; appointments are
// offered per business day.
func splitAtMidnight(slots []TimeSlot) []TimeSlot {
	var out []TimeSlot
	for _, s := range slots {
		cur := s.Start
		for {
			loc := cur.Location()
			next := time.Date(cur.Year(), cur.Month(), cur.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
			if next.Before(s.End) {
				out = append(out, TimeSlot{Start: cur, End: next})
				cur = next
				continue
			}
			out = append(out, TimeSlot{Start: cur, End: s.End})
			break
		}
	}
	return out
}

// lunchWindows lists the lunch break for every day the range touches, in the
// range's own location.
func lunchWindows(start, end time.Time) []TimeSlot {
	var windows []TimeSlot
	loc := start.Location()
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	for day.Before(end) {
		windows = append(windows, TimeSlot{
			Start: day.Add(lunchStartHour * time.Hour),
			End:   day.Add(lunchEndHour * time.Hour),
		})
		day = day.AddDate(0, 0, 1)
	}
	return windows
}

// mergeBlocks sorts by start and coalesces overlapping or touching blocks.
func mergeBlocks(blocks []TimeSlot) []TimeSlot {
	if len(blocks) == 0 {
		return nil
	}
	sort.Slice(blocks, func(a, b int) bool { return blocks[a].Start.Before(blocks[b].Start) })

	merged := []TimeSlot{blocks[0]}
	for _, b := range blocks[1:] {
		last := &merged[len(merged)-1]
		if !b.Start.After(last.End) {
			if b.End.After(last.End) {
				last.End = b.End
			}
			continue
		}
		merged = append(merged, b)
	}
	return merged
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
