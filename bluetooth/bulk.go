package bluetooth

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/usenocturne/envsensed/storage"
)

// ErrOffsetOverflow is returned for a chunk that would move the offset past
// the 32-bit range of the offset request.
var ErrOffsetOverflow = errors.New("backlog offset overflow")

// BulkTransferState is the progress of one backlog retrieval.
type BulkTransferState struct {
	RequestedOffset uint32 `json:"requested_offset"`
	Accumulated     []byte `json:"-"`
	Done            bool   `json:"done"`
}

// BulkStats counts what the transfer has handed on so far.
type BulkStats struct {
	Bytes   int `json:"bytes"`
	Chunks  int `json:"chunks"`
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`
}

// BulkTransfer retrieves the device's stored log by requesting a byte offset
// and accepting the chunks the device notifies back. Each chunk is written to
// the log as-is before the offset moves past it. Complete CSV lines are also
// parsed and handed to onRow.
//
// A BulkTransfer is owned by the session goroutine.
type BulkTransfer struct {
	state BulkTransferState
	stats BulkStats
	tail  []byte

	request func(offset uint32) error
	persist func(chunk []byte) error
	onRow   func(storage.Record)
}

func NewBulkTransfer(request func(uint32) error, persist func([]byte) error, onRow func(storage.Record)) *BulkTransfer {
	return &BulkTransfer{request: request, persist: persist, onRow: onRow}
}

// Begin starts a transfer at offset by issuing one offset request.
func (b *BulkTransfer) Begin(offset uint32) error {
	b.state = BulkTransferState{RequestedOffset: offset}
	b.stats = BulkStats{}
	b.tail = nil
	if err := b.request(offset); err != nil {
		return fmt.Errorf("request backlog at %d: %w", offset, err)
	}
	return nil
}

// OnChunkReceived accounts one chunk. An empty chunk marks the end of the
// device's log and completes the transfer. If persisting the chunk fails the
// offset does not move and the error is returned.
func (b *BulkTransfer) OnChunkReceived(chunk []byte) (done bool, err error) {
	if b.state.Done {
		return true, nil
	}
	if len(chunk) == 0 {
		b.Complete()
		return true, nil
	}

	if uint64(len(chunk)) > math.MaxUint32-uint64(b.state.RequestedOffset) {
		return false, fmt.Errorf("%w: %d + %d", ErrOffsetOverflow, b.state.RequestedOffset, len(chunk))
	}

	if b.persist != nil {
		if err := b.persist(chunk); err != nil {
			return false, fmt.Errorf("persist chunk at %d: %w", b.state.RequestedOffset, err)
		}
	}

	b.state.Accumulated = append(b.state.Accumulated, chunk...)
	b.state.RequestedOffset += uint32(len(chunk))
	b.stats.Bytes += len(chunk)
	b.stats.Chunks++

	b.tail = append(b.tail, chunk...)
	for {
		i := bytes.IndexByte(b.tail, '\n')
		if i < 0 {
			break
		}
		b.emitLine(b.tail[:i])
		b.tail = b.tail[i+1:]
	}
	return false, nil
}

func (b *BulkTransfer) emitLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	rec, err := storage.ParseLine(string(line))
	if errors.Is(err, storage.ErrHeaderRow) {
		return
	}
	if err != nil {
		b.stats.Skipped++
		return
	}
	b.stats.Rows++
	if b.onRow != nil {
		b.onRow(rec)
	}
}

// Complete marks the transfer done and flushes any unterminated last line.
func (b *BulkTransfer) Complete() {
	if b.state.Done {
		return
	}
	if len(b.tail) > 0 {
		b.emitLine(b.tail)
		b.tail = nil
	}
	b.state.Done = true
}

// Cancel discards all transfer state.
func (b *BulkTransfer) Cancel() {
	b.state = BulkTransferState{}
	b.stats = BulkStats{}
	b.tail = nil
}

func (b *BulkTransfer) State() BulkTransferState { return b.state }

func (b *BulkTransfer) Stats() BulkStats { return b.stats }
