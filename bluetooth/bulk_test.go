package bluetooth

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/usenocturne/envsensed/storage"
)

func TestBulkTransferConcatenatesChunks(t *testing.T) {
	var (
		requested []uint32
		persisted bytes.Buffer
		rows      []storage.Record
	)
	bt := NewBulkTransfer(
		func(off uint32) error { requested = append(requested, off); return nil },
		func(b []byte) error { persisted.Write(b); return nil },
		func(r storage.Record) { rows = append(rows, r) },
	)

	if err := bt.Begin(128); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if len(requested) != 1 || requested[0] != 128 {
		t.Fatalf("Expected one request at 128, got %v", requested)
	}

	chunks := [][]byte{
		[]byte("timestamp,temp,hum,press\n10,2"),
		[]byte("1.00,40.00,1000.00\n20,bad,1,1\n"),
		[]byte("30,22.00,41.00,1001.00"),
	}
	want := 128
	for _, c := range chunks {
		done, err := bt.OnChunkReceived(c)
		if err != nil || done {
			t.Fatalf("OnChunkReceived: done=%v err=%v", done, err)
		}
		want += len(c)
		if got := bt.State().RequestedOffset; got != uint32(want) {
			t.Errorf("Expected offset %d, got %d", want, got)
		}
	}

	all := bytes.Join(chunks, nil)
	if !bytes.Equal(bt.State().Accumulated, all) {
		t.Errorf("Expected accumulated bytes to equal concatenated chunks")
	}
	if !bytes.Equal(persisted.Bytes(), all) {
		t.Errorf("Expected every chunk persisted in order")
	}
	if len(rows) != 1 {
		t.Fatalf("Expected 1 complete row before completion, got %d", len(rows))
	}

	done, err := bt.OnChunkReceived(nil)
	if err != nil || !done {
		t.Fatalf("Expected empty chunk to complete, got done=%v err=%v", done, err)
	}
	if !bt.State().Done {
		t.Error("Expected Done after terminal chunk")
	}
	if len(rows) != 2 || rows[1].Timestamp != 30 {
		t.Errorf("Expected unterminated last row flushed on completion, got %+v", rows)
	}
	if st := bt.Stats(); st.Rows != 2 || st.Skipped != 1 || st.Chunks != 3 {
		t.Errorf("Unexpected stats %+v", st)
	}

	// Further chunks after completion are ignored.
	bt.OnChunkReceived([]byte("40,1,1,1\n"))
	if bt.State().RequestedOffset != uint32(want) {
		t.Error("Expected offset frozen after completion")
	}
}

func TestBulkTransferPersistFailureKeepsOffset(t *testing.T) {
	boom := errors.New("disk full")
	bt := NewBulkTransfer(
		func(uint32) error { return nil },
		func([]byte) error { return boom },
		nil,
	)
	bt.Begin(10)

	if _, err := bt.OnChunkReceived([]byte("abc")); !errors.Is(err, boom) {
		t.Fatalf("Expected persist error, got %v", err)
	}
	if got := bt.State().RequestedOffset; got != 10 {
		t.Errorf("Expected offset to stay at 10, got %d", got)
	}
}

func TestBulkTransferRefusesOffsetOverflow(t *testing.T) {
	persisted := 0
	bt := NewBulkTransfer(
		func(uint32) error { return nil },
		func(b []byte) error { persisted += len(b); return nil },
		nil,
	)
	if err := bt.Begin(math.MaxUint32 - 4); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if _, err := bt.OnChunkReceived([]byte("abcd")); err != nil {
		t.Fatalf("Expected chunk up to the limit to be accepted, got %v", err)
	}
	if _, err := bt.OnChunkReceived([]byte("ef")); !errors.Is(err, ErrOffsetOverflow) {
		t.Fatalf("Expected ErrOffsetOverflow, got %v", err)
	}
	if got := bt.State().RequestedOffset; got != math.MaxUint32 {
		t.Errorf("Expected offset to stay at %d, got %d", uint32(math.MaxUint32), got)
	}
	if persisted != 4 {
		t.Errorf("Expected refused chunk not to be persisted, got %d bytes", persisted)
	}
}

func TestBulkTransferCancel(t *testing.T) {
	bt := NewBulkTransfer(func(uint32) error { return nil }, nil, nil)
	bt.Begin(5)
	bt.OnChunkReceived([]byte("xyz"))

	bt.Cancel()
	st := bt.State()
	if st.RequestedOffset != 0 || len(st.Accumulated) != 0 || st.Done {
		t.Errorf("Expected cleared state after Cancel, got %+v", st)
	}
}

func TestBulkTransferRequestError(t *testing.T) {
	bt := NewBulkTransfer(func(uint32) error { return ErrCapabilityDenied }, nil, nil)
	if err := bt.Begin(0); !errors.Is(err, ErrCapabilityDenied) {
		t.Errorf("Expected wrapped ErrCapabilityDenied, got %v", err)
	}
}
