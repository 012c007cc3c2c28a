package telemetry

// Stats summarizes a set of values.
type Stats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// ComputeStats returns nil for an empty input.
func ComputeStats(values []float64) *Stats {
	if len(values) == 0 {
		return nil
	}
	st := &Stats{Min: values[0], Max: values[0], Count: len(values)}
	var sum float64
	for _, v := range values {
		if v < st.Min {
			st.Min = v
		}
		if v > st.Max {
			st.Max = v
		}
		sum += v
	}
	st.Avg = sum / float64(len(values))
	return st
}
