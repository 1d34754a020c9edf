package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// TriggerSet is an ordered, duplicate-free list of HH-MM-SS times of day.
type TriggerSet struct {
	times []string
}

func NewTriggerSet(times []string) (TriggerSet, error) {
	seen := make(map[string]struct{}, len(times))
	out := make([]string, 0, len(times))
	for _, raw := range times {
		tod := strings.TrimSpace(raw)
		if _, err := ParseTimeOfDay(tod); err != nil {
			return TriggerSet{}, err
		}
		if _, dup := seen[tod]; dup {
			return TriggerSet{}, fmt.Errorf("duplicate trigger %q", tod)
		}
		seen[tod] = struct{}{}
		out = append(out, tod)
	}
	return TriggerSet{times: out}, nil
}

// EveryInterval returns triggers at 00-00-00 and every step after it within one day.
func EveryInterval(step time.Duration) (TriggerSet, error) {
	if step < time.Second || step > day {
		return TriggerSet{}, fmt.Errorf("trigger interval %s out of range [1s, 24h]", step)
	}
	if step%time.Second != 0 {
		return TriggerSet{}, fmt.Errorf("trigger interval %s is not a whole number of seconds", step)
	}
	times := make([]string, 0, int(day/step))
	for offset := time.Duration(0); offset < day; offset += step {
		times = append(times, formatOffset(offset))
	}
	return TriggerSet{times: times}, nil
}

// DefaultTriggers is every half hour, 48 slots.
func DefaultTriggers() TriggerSet {
	set, _ := EveryInterval(30 * time.Minute)
	return set
}

// Contains is a linear scan; sets hold at most a few hundred entries.
func (t TriggerSet) Contains(timeOfDay string) bool {
	for _, tod := range t.times {
		if tod == timeOfDay {
			return true
		}
	}
	return false
}

func (t TriggerSet) Len() int {
	return len(t.times)
}

func (t TriggerSet) Times() []string {
	return append([]string(nil), t.times...)
}

// MinGap returns the smallest distance between neighbouring triggers,
// wrapping around midnight. Zero for sets with fewer than two entries.
func (t TriggerSet) MinGap() time.Duration {
	if len(t.times) < 2 {
		return 0
	}
	offsets := make([]time.Duration, 0, len(t.times))
	for _, tod := range t.times {
		off, _ := ParseTimeOfDay(tod)
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	gap := day - offsets[len(offsets)-1] + offsets[0]
	for i := 1; i < len(offsets); i++ {
		if d := offsets[i] - offsets[i-1]; d < gap {
			gap = d
		}
	}
	return gap
}

// ParseTimeOfDay converts HH-MM-SS into an offset from midnight.
func ParseTimeOfDay(tod string) (time.Duration, error) {
	parts := strings.Split(tod, "-")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid trigger %q: want HH-MM-SS", tod)
	}
	limits := [3]int{23, 59, 59}
	var fields [3]int
	for i, part := range parts {
		if len(part) != 2 || !isDigit(part[0]) || !isDigit(part[1]) {
			return 0, fmt.Errorf("invalid trigger %q: want HH-MM-SS", tod)
		}
		n, err := strconv.Atoi(part)
		if err != nil || n > limits[i] {
			return 0, fmt.Errorf("invalid trigger %q: field %q out of range", tod, part)
		}
		fields[i] = n
	}
	return time.Duration(fields[0])*time.Hour +
		time.Duration(fields[1])*time.Minute +
		time.Duration(fields[2])*time.Second, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func formatOffset(d time.Duration) string {
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d-%02d-%02d", secs/3600, (secs/60)%60, secs%60)
}
