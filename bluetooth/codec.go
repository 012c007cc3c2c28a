package bluetooth

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/usenocturne/envsensed/telemetry"
)

// ErrShortBuffer is returned when a payload is narrower than its wire type.
var ErrShortBuffer = errors.New("payload shorter than wire width")

// All sensor values are little-endian fixed point with two decimals.
const valueScale = 100

// wireWidth is the number of bytes a telemetry kind occupies on the wire.
func wireWidth(k telemetry.Kind) int {
	if k == telemetry.KindPressure {
		return 4
	}
	return 2
}

// KindForCharacteristic maps a telemetry characteristic to its kind.
func KindForCharacteristic(id uuid.UUID) (telemetry.Kind, bool) {
	switch id {
	case TemperatureCharUUID:
		return telemetry.KindTemperature, true
	case HumidityCharUUID:
		return telemetry.KindHumidity, true
	case PressureCharUUID:
		return telemetry.KindPressure, true
	case OxygenCharUUID:
		return telemetry.KindOxygen, true
	}
	return 0, false
}

// CharacteristicForKind is the inverse of KindForCharacteristic.
func CharacteristicForKind(k telemetry.Kind) uuid.UUID {
	switch k {
	case telemetry.KindTemperature:
		return TemperatureCharUUID
	case telemetry.KindHumidity:
		return HumidityCharUUID
	case telemetry.KindPressure:
		return PressureCharUUID
	case telemetry.KindOxygen:
		return OxygenCharUUID
	}
	return uuid.Nil
}

// Decode converts a notification payload into engineering units. Bytes past
// the wire width are ignored.
func Decode(k telemetry.Kind, b []byte) (float64, error) {
	width := wireWidth(k)
	if len(b) < width {
		return 0, fmt.Errorf("decode %s: %w: got %d bytes, need %d", k, ErrShortBuffer, len(b), width)
	}

	var raw int64
	if width == 4 {
		raw = int64(int32(binary.LittleEndian.Uint32(b)))
	} else {
		raw = int64(int16(binary.LittleEndian.Uint16(b)))
	}
	return float64(raw) / valueScale, nil
}

// Encode produces the wire form of v. The value is rounded to the nearest
// hundredth and clamped to the wire type's range.
func Encode(k telemetry.Kind, v float64) []byte {
	scaled := math.Round(v * valueScale)
	if math.IsNaN(scaled) {
		scaled = 0
	}

	if wireWidth(k) == 4 {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, uint32(int32(clamp(scaled, math.MinInt32, math.MaxInt32))))
		return buf
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(int16(clamp(scaled, math.MinInt16, math.MaxInt16))))
	return buf
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// EncodeClockSync encodes t as int32 epoch seconds.
func EncodeClockSync(t time.Time) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(int32(t.Unix())))
	return buf
}

func DecodeClockSync(b []byte) (time.Time, error) {
	if len(b) < 4 {
		return time.Time{}, fmt.Errorf("decode clock sync: %w: got %d bytes, need 4", ErrShortBuffer, len(b))
	}
	return time.Unix(int64(int32(binary.LittleEndian.Uint32(b))), 0), nil
}

// EncodeOffsetRequest encodes a bulk transfer byte offset.
func EncodeOffsetRequest(offset uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, offset)
	return buf
}

func DecodeOffsetRequest(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("decode offset request: %w: got %d bytes, need 4", ErrShortBuffer, len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}
