package bluetooth

import (
	"fmt"

	"github.com/google/uuid"
)

// ControlOp is a link-control operation that must not overlap with another
// one on the same connection. Today that is enabling notifications on a
// characteristic, which BlueZ performs as a CCCD write.
type ControlOp struct {
	Characteristic uuid.UUID
	Descriptor     uuid.UUID
	Value          []byte
}

func enableNotificationsOp(char uuid.UUID) ControlOp {
	return ControlOp{
		Characteristic: char,
		Descriptor:     ClientConfigDescUUID,
		Value:          EnableNotificationValue,
	}
}

func (op ControlOp) String() string {
	return fmt.Sprintf("write %s on %s", op.Descriptor, op.Characteristic)
}

// OperationQueue releases control operations one at a time in FIFO order.
// The next operation is dispatched only after the previous one completes.
//
// The queue is owned by the session goroutine and is not safe for concurrent
// use.
type OperationQueue struct {
	pending  []ControlOp
	inFlight *ControlOp
	dispatch func(ControlOp) error
}

// NewOperationQueue creates a queue that hands each operation to dispatch
// exactly once.
func NewOperationQueue(dispatch func(ControlOp) error) *OperationQueue {
	return &OperationQueue{dispatch: dispatch}
}

// Enqueue appends op and dispatches it immediately when nothing is in flight.
func (q *OperationQueue) Enqueue(op ControlOp) error {
	q.pending = append(q.pending, op)
	if q.inFlight != nil {
		return nil
	}
	return q.dispatchNext()
}

// OnOperationComplete clears the in-flight slot and dispatches the head of
// the queue. A completion with nothing in flight is ignored.
func (q *OperationQueue) OnOperationComplete() error {
	if q.inFlight == nil {
		return nil
	}
	q.inFlight = nil
	return q.dispatchNext()
}

func (q *OperationQueue) dispatchNext() error {
	if len(q.pending) == 0 {
		return nil
	}
	op := q.pending[0]
	q.pending[0] = ControlOp{}
	q.pending = q.pending[1:]

	q.inFlight = &op
	if err := q.dispatch(op); err != nil {
		q.inFlight = nil
		return fmt.Errorf("dispatch %s: %w", op, err)
	}
	return nil
}

// Clear drops pending operations and forgets the in-flight one.
func (q *OperationQueue) Clear() {
	q.pending = nil
	q.inFlight = nil
}

// InFlight returns the operation awaiting completion, if any.
func (q *OperationQueue) InFlight() (ControlOp, bool) {
	if q.inFlight == nil {
		return ControlOp{}, false
	}
	return *q.inFlight, true
}

func (q *OperationQueue) Len() int { return len(q.pending) }

// Idle reports that nothing is pending or in flight.
func (q *OperationQueue) Idle() bool {
	return q.inFlight == nil && len(q.pending) == 0
}
