package telemetry

// DefaultSeriesCapacity matches the number of points the live dashboard keeps.
const DefaultSeriesCapacity = 40

// Series is a fixed-capacity ring of points. When full, Push evicts the
// oldest point. Series is not safe for concurrent use; the Store guards it.
type Series struct {
	buf   []Point
	start int
	n     int
}

func NewSeries(capacity int) *Series {
	if capacity <= 0 {
		capacity = DefaultSeriesCapacity
	}
	return &Series{buf: make([]Point, capacity)}
}

// Push appends p, evicting the oldest point on overflow.
func (s *Series) Push(p Point) {
	if s.n < len(s.buf) {
		s.buf[(s.start+s.n)%len(s.buf)] = p
		s.n++
		return
	}
	s.buf[s.start] = p
	s.start = (s.start + 1) % len(s.buf)
}

// Points returns a fresh oldest-first copy of the series.
func (s *Series) Points() []Point {
	out := make([]Point, s.n)
	for i := 0; i < s.n; i++ {
		out[i] = s.buf[(s.start+i)%len(s.buf)]
	}
	return out
}

func (s *Series) Len() int { return s.n }

func (s *Series) Cap() int { return len(s.buf) }

func (s *Series) Clear() {
	s.start = 0
	s.n = 0
}
