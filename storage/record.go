package storage

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Header is written once when a log file is created.
var Header = []string{"timestamp", "temp", "hum", "press", "pm25", "pm10"}

// minFields is the number of columns every data row must carry; pm25 and
// pm10 are optional.
const minFields = 4

var (
	ErrHeaderRow   = errors.New("header row")
	ErrShortRow    = errors.New("row has too few fields")
	ErrInvalidCell = errors.New("invalid numeric field")
)

// Record is one persisted log entry. Nil fields are unknown values.
type Record struct {
	Timestamp   int64    `json:"timestamp"` // Unix milliseconds
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	PM25        *float64 `json:"pm25,omitempty"`
	PM10        *float64 `json:"pm10,omitempty"`
}

// Time returns the record timestamp as a time.Time.
func (r Record) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// Fields renders the record as CSV columns; unknown values are empty.
func (r Record) Fields() []string {
	return []string{
		strconv.FormatInt(r.Timestamp, 10),
		formatValue(r.Temperature),
		formatValue(r.Humidity),
		formatValue(r.Pressure),
		formatValue(r.PM25),
		formatValue(r.PM10),
	}
}

func formatValue(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// ParseFields parses one CSV row. Rows with fewer than four fields, header
// rows and rows with a non-numeric value are rejected so that callers can
// skip them.
func ParseFields(fields []string) (Record, error) {
	if len(fields) > 0 && strings.EqualFold(strings.TrimSpace(fields[0]), Header[0]) {
		return Record{}, ErrHeaderRow
	}
	if len(fields) < minFields {
		return Record{}, fmt.Errorf("%w: %d", ErrShortRow, len(fields))
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: timestamp %q", ErrInvalidCell, fields[0])
	}

	rec := Record{Timestamp: ts}
	targets := []**float64{&rec.Temperature, &rec.Humidity, &rec.Pressure, &rec.PM25, &rec.PM10}
	for i, dst := range targets {
		col := i + 1
		if col >= len(fields) {
			break
		}
		cell := strings.TrimSpace(fields[col])
		if cell == "" {
			continue
		}
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return Record{}, fmt.Errorf("%w: %s %q", ErrInvalidCell, Header[col], cell)
		}
		*dst = &v
	}
	return rec, nil
}

// ParseLine parses a single comma-separated line.
func ParseLine(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	return ParseFields(strings.Split(line, ","))
}
