package telemetry

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies one telemetry quantity exposed by the sensor.
type Kind int

const (
	KindTemperature Kind = iota
	KindHumidity
	KindPressure
	KindOxygen
)

// Kinds lists every telemetry kind in a stable order.
var Kinds = []Kind{KindTemperature, KindHumidity, KindPressure, KindOxygen}

func (k Kind) String() string {
	switch k {
	case KindTemperature:
		return "temperature"
	case KindHumidity:
		return "humidity"
	case KindPressure:
		return "pressure"
	case KindOxygen:
		return "oxygen"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Unit returns the display unit of the decoded value.
func (k Kind) Unit() string {
	switch k {
	case KindTemperature:
		return "°C"
	case KindHumidity, KindOxygen:
		return "%"
	case KindPressure:
		return "hPa"
	default:
		return ""
	}
}

// MarshalText lets kinds be used as JSON object keys.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind accepts the names produced by String, case-insensitively.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown telemetry kind %q", s)
}

// Reading is one decoded value. Readings are never modified; the next
// reading of the same kind supersedes it.
type Reading struct {
	Kind       Kind      `json:"kind"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}

// Point is one entry of a bounded series.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}
