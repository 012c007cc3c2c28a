// Package telemetry holds the live view of the connected sensor: the latest
// reading per kind, a bounded series per kind and the connectivity flag.
//
// A Store has a single writer (the BLE session loop) and any number of
// readers. Every mutation builds a new immutable Snapshot and publishes it
// with one atomic pointer swap, so readers never observe a half-updated
// reading or series.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is an immutable view of the store. Callers must not modify the
// maps or slices it contains.
type Snapshot struct {
	Connected  bool             `json:"connected"`
	Device     string           `json:"device,omitempty"`
	LastUpdate time.Time        `json:"last_update"`
	Readings   map[Kind]Reading `json:"readings"`
	Series     map[Kind][]Point `json:"series"`
}

// Reading returns the latest reading of kind k, if any.
func (s *Snapshot) Reading(k Kind) (Reading, bool) {
	r, ok := s.Readings[k]
	return r, ok
}

// Value returns a pointer to the latest value of kind k, or nil.
func (s *Snapshot) Value(k Kind) *float64 {
	r, ok := s.Readings[k]
	if !ok {
		return nil
	}
	v := r.Value
	return &v
}

// Listener is called after each publish with the new snapshot.
type Listener func(*Snapshot)

type Store struct {
	capacity int

	mu     sync.Mutex // serializes writers
	series map[Kind]*Series

	current atomic.Pointer[Snapshot]

	lmu       sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

// NewStore creates an empty store whose series hold capacity points each.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultSeriesCapacity
	}
	s := &Store{
		capacity:  capacity,
		series:    make(map[Kind]*Series),
		listeners: make(map[int]Listener),
	}
	s.current.Store(emptySnapshot())
	return s
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Readings: map[Kind]Reading{},
		Series:   map[Kind][]Point{},
	}
}

// Snapshot returns the most recently published view.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Capacity returns the per-kind series capacity.
func (s *Store) Capacity() int { return s.capacity }

// Publish records r as the latest reading of its kind and appends it to the
// kind's series.
func (s *Store) Publish(r Reading) {
	s.mu.Lock()
	ser, ok := s.series[r.Kind]
	if !ok {
		ser = NewSeries(s.capacity)
		s.series[r.Kind] = ser
	}
	ser.Push(Point{At: r.ObservedAt, Value: r.Value})

	prev := s.current.Load()
	next := prev.clone()
	next.Readings[r.Kind] = r
	next.Series[r.Kind] = ser.Points()
	next.LastUpdate = r.ObservedAt
	s.current.Store(next)
	s.mu.Unlock()

	s.notify(next)
}

// SetConnected flips the connectivity flag. Readings and series are kept so
// the history stays available after a disconnect.
func (s *Store) SetConnected(connected bool, device string) {
	s.mu.Lock()
	prev := s.current.Load()
	if prev.Connected == connected && prev.Device == device {
		s.mu.Unlock()
		return
	}
	next := prev.clone()
	next.Connected = connected
	next.Device = device
	s.current.Store(next)
	s.mu.Unlock()

	s.notify(next)
}

// Reset clears readings, series and connectivity. It is idempotent and may
// be called from any state.
func (s *Store) Reset() {
	s.mu.Lock()
	for _, ser := range s.series {
		ser.Clear()
	}
	prev := s.current.Load()
	if !prev.Connected && prev.Device == "" && len(prev.Readings) == 0 && len(prev.Series) == 0 {
		s.mu.Unlock()
		return
	}
	next := emptySnapshot()
	s.current.Store(next)
	s.mu.Unlock()

	s.notify(next)
}

// Subscribe registers fn to be called after every publish. The returned
// function removes the listener.
func (s *Store) Subscribe(fn Listener) func() {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

func (s *Store) notify(snap *Snapshot) {
	s.lmu.RLock()
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.RUnlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// clone copies the maps; the series slices themselves are never mutated
// after publication and can be shared.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		Connected:  s.Connected,
		Device:     s.Device,
		LastUpdate: s.LastUpdate,
		Readings:   make(map[Kind]Reading, len(s.Readings)+1),
		Series:     make(map[Kind][]Point, len(s.Series)+1),
	}
	for k, v := range s.Readings {
		next.Readings[k] = v
	}
	for k, v := range s.Series {
		next.Series[k] = v
	}
	return next
}
