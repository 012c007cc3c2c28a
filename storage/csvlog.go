// Package storage persists sensor records: an append-only CSV log that is the
// primary record of every reading and backlog chunk, and a SQLite mirror used
// for queries and bulk-transfer watermarks.
package storage

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CSVLog is an append-only CSV file. Appends are serialized; the log never
// rewrites or deletes existing rows.
//
// Raw backlog chunks may end in the middle of a row. While the raw stream is
// mid-row, record appends are held back and written as soon as the raw
// stream reaches a line end or EndRaw is called, so rows never interleave.
type CSVLog struct {
	path string

	mu      sync.Mutex
	f       *os.File
	midLine bool
	held    [][]byte
}

// OpenCSVLog opens path for appending, creating it with the header row when
// it does not exist or is empty.
func OpenCSVLog(path string) (*CSVLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open csv log %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv log %s: %w", path, err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString(strings.Join(Header, ",") + "\n"); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}

	return &CSVLog{path: path, f: f}, nil
}

func (l *CSVLog) Path() string { return l.path }

// Append writes one record row.
func (l *CSVLog) Append(rec Record) error {
	line := []byte(strings.Join(rec.Fields(), ",") + "\n")

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return os.ErrClosed
	}
	if l.midLine {
		l.held = append(l.held, line)
		return nil
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// AppendRaw writes a backlog chunk exactly as received from the device.
func (l *CSVLog) AppendRaw(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return os.ErrClosed
	}
	if _, err := l.f.Write(chunk); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}
	l.midLine = chunk[len(chunk)-1] != '\n'
	if !l.midLine {
		return l.flushHeldLocked()
	}
	return nil
}

// EndRaw terminates an unfinished raw row and writes any held records. It is
// called when a backlog transfer completes or is abandoned.
func (l *CSVLog) EndRaw() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return os.ErrClosed
	}
	if l.midLine {
		if _, err := l.f.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("terminate chunk row: %w", err)
		}
		l.midLine = false
	}
	return l.flushHeldLocked()
}

func (l *CSVLog) flushHeldLocked() error {
	for len(l.held) > 0 {
		if _, err := l.f.Write(l.held[0]); err != nil {
			return fmt.Errorf("append held record: %w", err)
		}
		l.held = l.held[1:]
	}
	return nil
}

func (l *CSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	if l.midLine {
		l.f.Write([]byte{'\n'})
		l.midLine = false
	}
	l.flushHeldLocked()
	err := l.f.Close()
	l.f = nil
	return err
}

// Replay reads the whole log back, applying f.
func (l *CSVLog) Replay(f Filter) ([]Record, ReplayStats, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, ReplayStats{}, fmt.Errorf("open csv log for replay: %w", err)
	}
	defer file.Close()
	return ReadRecords(file, f)
}

// ReplayStats counts what a replay saw.
type ReplayStats struct {
	Rows    int `json:"rows"`
	Parsed  int `json:"parsed"`
	Skipped int `json:"skipped"`
}

// Filter bounds a replay by timestamp. Zero times are unbounded.
type Filter struct {
	From time.Time
	To   time.Time
}

// DayFilter builds a filter whose end is widened to the last millisecond of
// the end day, so "until 2024-05-01" includes the whole of May 1st.
func DayFilter(from, to time.Time) Filter {
	f := Filter{From: from}
	if !to.IsZero() {
		f.To = to.Add(24*time.Hour - time.Millisecond)
	}
	return f
}

func (f Filter) Match(rec Record) bool {
	if !f.From.IsZero() && rec.Timestamp < f.From.UnixMilli() {
		return false
	}
	if !f.To.IsZero() && rec.Timestamp > f.To.UnixMilli() {
		return false
	}
	return true
}

// ReadRecords parses CSV rows from r. Header rows, short rows and rows with
// malformed numbers are skipped and counted; they never abort the read.
func ReadRecords(r io.Reader, f Filter) ([]Record, ReplayStats, error) {
	var (
		out   []Record
		stats ReplayStats
	)

	br := bufio.NewReaderSize(r, 64*1024)
	lineNo := 0
	for {
		raw, tooLong, err := readLine(br)
		if err != nil && len(raw) == 0 && !tooLong {
			if errors.Is(err, io.EOF) {
				return out, stats, nil
			}
			return out, stats, fmt.Errorf("read csv log: %w", err)
		}
		lineNo++

		if tooLong {
			stats.Rows++
			stats.Skipped++
			log.Debug().Int("line", lineNo).Msg("skipping oversized log row")
		} else if line := bytes.TrimSpace(raw); len(line) > 0 {
			rec, perr := ParseLine(string(line))
			switch {
			case errors.Is(perr, ErrHeaderRow):
			case perr != nil:
				stats.Rows++
				stats.Skipped++
				log.Debug().Err(perr).Int("line", lineNo).Msg("skipping malformed log row")
			default:
				stats.Rows++
				stats.Parsed++
				if f.Match(rec) {
					out = append(out, rec)
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, stats, nil
			}
			return out, stats, fmt.Errorf("read csv log: %w", err)
		}
	}
}

// maxLineLen bounds a single log row. Longer lines are discarded whole.
const maxLineLen = 64 * 1024

// readLine returns the next line without its terminator. A line longer than
// maxLineLen is consumed and reported as tooLong with no content.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong && len(line)+len(chunk) <= maxLineLen {
			line = append(line, chunk...)
		} else {
			tooLong, line = true, nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

// WriteCSV exports records with a header row.
func WriteCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, rec := range recs {
		if err := cw.Write(rec.Fields()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
