package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/usenocturne/envsensed/telemetry"
)

// HistoryRange selects a window that ends at the newest record.
type HistoryRange string

const (
	RangeAll   HistoryRange = ""
	RangeDay   HistoryRange = "day"
	RangeWeek  HistoryRange = "week"
	RangeMonth HistoryRange = "month"
)

func ParseHistoryRange(s string) (HistoryRange, error) {
	switch r := HistoryRange(strings.ToLower(strings.TrimSpace(s))); r {
	case RangeAll, RangeDay, RangeWeek, RangeMonth:
		return r, nil
	default:
		return RangeAll, fmt.Errorf("unknown history range %q", s)
	}
}

// FilterByRange keeps the records newer than the range start, measured back
// from the latest record rather than from now.
func FilterByRange(recs []Record, r HistoryRange) []Record {
	if len(recs) == 0 || r == RangeAll {
		return recs
	}

	latest := recs[0].Timestamp
	for _, rec := range recs[1:] {
		if rec.Timestamp > latest {
			latest = rec.Timestamp
		}
	}

	end := time.UnixMilli(latest)
	var start time.Time
	switch r {
	case RangeDay:
		start = end.AddDate(0, 0, -1)
	case RangeWeek:
		start = end.AddDate(0, 0, -7)
	case RangeMonth:
		start = end.AddDate(0, -1, 0)
	}

	threshold := start.UnixMilli()
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if rec.Timestamp >= threshold {
			out = append(out, rec)
		}
	}
	return out
}

// Summary is the per-column statistics of a set of records.
type Summary struct {
	Temperature *telemetry.Stats `json:"temperature,omitempty"`
	Humidity    *telemetry.Stats `json:"humidity,omitempty"`
	Pressure    *telemetry.Stats `json:"pressure,omitempty"`
	PM25        *telemetry.Stats `json:"pm25,omitempty"`
	PM10        *telemetry.Stats `json:"pm10,omitempty"`
}

func Summarize(recs []Record) Summary {
	collect := func(get func(Record) *float64) []float64 {
		var vals []float64
		for _, rec := range recs {
			if v := get(rec); v != nil {
				vals = append(vals, *v)
			}
		}
		return vals
	}
	return Summary{
		Temperature: telemetry.ComputeStats(collect(func(r Record) *float64 { return r.Temperature })),
		Humidity:    telemetry.ComputeStats(collect(func(r Record) *float64 { return r.Humidity })),
		Pressure:    telemetry.ComputeStats(collect(func(r Record) *float64 { return r.Pressure })),
		PM25:        telemetry.ComputeStats(collect(func(r Record) *float64 { return r.PM25 })),
		PM10:        telemetry.ComputeStats(collect(func(r Record) *float64 { return r.PM10 })),
	}
}
