// Package sink mirrors persisted records to external systems. Every sink runs
// behind its own circuit breaker and is fed asynchronously, so a slow or dead
// broker never stalls the BLE session.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/usenocturne/envsensed/storage"
)

// Sink writes one record somewhere. Implementations must be safe for use
// from a single writer goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, msg Message) error
	Close() error
}

// Message is the wire form of a record published to brokers.
type Message struct {
	Timestamp   int64    `json:"timestamp"`
	Device      string   `json:"device,omitempty"`
	Source      string   `json:"source"`
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	PM25        *float64 `json:"pm25,omitempty"`
	PM10        *float64 `json:"pm10,omitempty"`
}

func NewMessage(rec storage.Record, device, source string) Message {
	return Message{
		Timestamp:   rec.Timestamp,
		Device:      device,
		Source:      source,
		Temperature: rec.Temperature,
		Humidity:    rec.Humidity,
		Pressure:    rec.Pressure,
		PM25:        rec.PM25,
		PM10:        rec.PM10,
	}
}

func (m Message) Time() time.Time { return time.UnixMilli(m.Timestamp) }

func (m Message) Record() storage.Record {
	return storage.Record{
		Timestamp:   m.Timestamp,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Pressure:    m.Pressure,
		PM25:        m.PM25,
		PM10:        m.PM10,
	}
}

// Fields returns the present measurements keyed by short name.
func (m Message) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, 5)
	for name, v := range map[string]*float64{
		"temp":  m.Temperature,
		"hum":   m.Humidity,
		"press": m.Pressure,
		"pm25":  m.PM25,
		"pm10":  m.PM10,
	} {
		if v != nil {
			fields[name] = *v
		}
	}
	return fields
}

func (m Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// DBSink mirrors records into the local SQLite database.
type DBSink struct {
	db *storage.DB
}

func NewDBSink(db *storage.DB) *DBSink {
	return &DBSink{db: db}
}

func (s *DBSink) Name() string { return "sqlite" }

func (s *DBSink) Write(ctx context.Context, msg Message) error {
	return s.db.InsertRecord(ctx, msg.Record(), msg.Source)
}

// Close leaves the database open; it is shared with the watermark store.
func (s *DBSink) Close() error { return nil }
