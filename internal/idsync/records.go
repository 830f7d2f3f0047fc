package idsync

import (
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// MaxRecordsLength caps the serialized length of a record list.
const MaxRecordsLength = 649

const millisPerDay = 86400000

// Record marks a provider as synced until ExpiryDay (days since the epoch).
type Record struct {
	ProviderID string
	ExpiryDay  int64
}

func (r Record) String() string {
	return r.ProviderID + "-" + strconv.FormatInt(r.ExpiryDay, 10)
}

// Day returns the day number of t, rounding partial days up.
func Day(t time.Time) int64 {
	return int64(math.Ceil(float64(t.UnixMilli()) / millisPerDay))
}

// expiryDay is today plus the TTL in minutes, rounded up to whole days.
func expiryDay(today int64, ttlMinutes float64) int64 {
	if ttlMinutes <= 0 || math.IsNaN(ttlMinutes) {
		return today
	}
	return today + int64(math.Ceil(ttlMinutes/60/24))
}

// ParseRecords decodes an id-day*id-day list. Tokens without a day are dropped.
func ParseRecords(s string) []Record {
	if s == "" {
		return nil
	}
	var out []Record
	for _, token := range strings.Split(s, "*") {
		id, rest, ok := strings.Cut(token, "-")
		if !ok {
			continue
		}
		if i := strings.IndexByte(rest, '-'); i >= 0 {
			rest = rest[:i]
		}
		day, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Record{ProviderID: id, ExpiryDay: day})
	}
	return out
}

func FormatRecords(records []Record) string {
	parts := make([]string, len(records))
	for i, r := range records {
		parts[i] = r.String()
	}
	return strings.Join(parts, "*")
}

// Prune drops expired records of other providers and the expired record of
// providerID. present reports whether providerID had a record, valid whether
// that record is still live.
func Prune(records []Record, providerID string, today int64) (kept []Record, present, valid bool) {
	kept = make([]Record, 0, len(records))
	for _, r := range records {
		if r.ProviderID == providerID {
			present = true
			if today < r.ExpiryDay {
				valid = true
				kept = append(kept, r)
			}
			continue
		}
		if today < r.ExpiryDay {
			kept = append(kept, r)
		}
	}
	return kept, present, valid
}

// Trim removes the soonest-to-expire records until the list fits in max
// serialized bytes.
func Trim(records []Record, max int) []Record {
	if len(FormatRecords(records)) <= max {
		return records
	}
	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, func(a, b Record) int {
		switch {
		case a.ExpiryDay < b.ExpiryDay:
			return -1
		case a.ExpiryDay > b.ExpiryDay:
			return 1
		}
		return 0
	})
	for len(sorted) > 0 && len(FormatRecords(sorted)) > max {
		sorted = sorted[1:]
	}
	return sorted
}

func without(records []Record, providerID string) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.ProviderID != providerID {
			out = append(out, r)
		}
	}
	return out
}
