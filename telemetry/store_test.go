package telemetry

import (
	"sync"
	"testing"
	"time"
)

func TestSeriesEvictsOldest(t *testing.T) {
	s := NewSeries(3)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		s.Push(Point{At: base.Add(time.Duration(i) * time.Second), Value: float64(i)})
	}

	pts := s.Points()
	if len(pts) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(pts))
	}
	for i, want := range []float64{2, 3, 4} {
		if pts[i].Value != want {
			t.Errorf("Point %d: expected %v, got %v", i, want, pts[i].Value)
		}
	}

	s.Clear()
	if s.Len() != 0 {
		t.Errorf("Expected empty series after Clear, got %d", s.Len())
	}
}

func TestStorePublish(t *testing.T) {
	store := NewStore(2)
	now := time.Now()

	store.Publish(Reading{Kind: KindTemperature, Value: 21.5, ObservedAt: now})
	before := store.Snapshot()

	store.Publish(Reading{Kind: KindTemperature, Value: 22.0, ObservedAt: now.Add(time.Second)})
	store.Publish(Reading{Kind: KindTemperature, Value: 22.5, ObservedAt: now.Add(2 * time.Second)})

	after := store.Snapshot()
	r, ok := after.Reading(KindTemperature)
	if !ok || r.Value != 22.5 {
		t.Fatalf("Expected latest temperature 22.5, got %+v (ok=%v)", r, ok)
	}
	if got := len(after.Series[KindTemperature]); got != 2 {
		t.Errorf("Expected series capped at 2, got %d", got)
	}
	if !after.LastUpdate.Equal(now.Add(2 * time.Second)) {
		t.Errorf("Unexpected last update %v", after.LastUpdate)
	}

	// Earlier snapshots are immutable.
	if r, _ := before.Reading(KindTemperature); r.Value != 21.5 {
		t.Errorf("Earlier snapshot changed: %+v", r)
	}
	if len(before.Series[KindTemperature]) != 1 {
		t.Errorf("Earlier snapshot series changed: %v", before.Series[KindTemperature])
	}
}

func TestStoreConnectivityKeepsSeries(t *testing.T) {
	store := NewStore(DefaultSeriesCapacity)
	store.SetConnected(true, "AA:BB:CC:DD:EE:FF")
	store.Publish(Reading{Kind: KindHumidity, Value: 40, ObservedAt: time.Now()})

	store.SetConnected(false, "")
	snap := store.Snapshot()
	if snap.Connected {
		t.Error("Expected disconnected snapshot")
	}
	if len(snap.Series[KindHumidity]) != 1 {
		t.Errorf("Expected humidity series to survive disconnect, got %v", snap.Series[KindHumidity])
	}
}

func TestStoreResetIdempotent(t *testing.T) {
	store := NewStore(DefaultSeriesCapacity)
	calls := 0
	cancel := store.Subscribe(func(*Snapshot) { calls++ })
	defer cancel()

	store.SetConnected(true, "dev")
	store.Publish(Reading{Kind: KindPressure, Value: 1012.3, ObservedAt: time.Now()})
	store.Reset()
	store.Reset()

	snap := store.Snapshot()
	if snap.Connected || len(snap.Readings) != 0 || len(snap.Series) != 0 {
		t.Errorf("Expected empty snapshot after reset, got %+v", snap)
	}
	// connect, publish, first reset; the second reset is a no-op
	if calls != 3 {
		t.Errorf("Expected 3 notifications, got %d", calls)
	}
}

func TestStoreConcurrentReaders(t *testing.T) {
	store := NewStore(DefaultSeriesCapacity)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := store.Snapshot()
				if r, ok := snap.Reading(KindTemperature); ok {
					pts := snap.Series[KindTemperature]
					if len(pts) == 0 || pts[len(pts)-1].Value != r.Value {
						t.Errorf("Torn snapshot: reading %v, series %v", r.Value, pts)
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		store.Publish(Reading{Kind: KindTemperature, Value: float64(i), ObservedAt: time.Now()})
	}
	close(stop)
	wg.Wait()
}
