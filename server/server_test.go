package server

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/usenocturne/envsensed/bluetooth"
	"github.com/usenocturne/envsensed/sink"
	"github.com/usenocturne/envsensed/storage"
	"github.com/usenocturne/envsensed/telemetry"
	"github.com/usenocturne/envsensed/utils"
)

type fakeController struct {
	status     bluetooth.ManagerStatus
	devices    []bluetooth.DeviceIdentity
	scanErr    error
	connectErr error
	backlogErr error

	connected string
	offset    *uint32
	scanStops int
}

func (f *fakeController) Status(context.Context) bluetooth.ManagerStatus { return f.status }
func (f *fakeController) Devices() []bluetooth.DeviceIdentity            { return f.devices }
func (f *fakeController) StartScan() error                               { return f.scanErr }
func (f *fakeController) StopScan()                                      { f.scanStops++ }
func (f *fakeController) Disconnect(context.Context) error               { return nil }
func (f *fakeController) StopBacklog(context.Context) error              { return bluetooth.ErrNoTransfer }

func (f *fakeController) Connect(_ context.Context, address string) error {
	f.connected = address
	return f.connectErr
}

func (f *fakeController) FetchBacklog(_ context.Context, offset *uint32) error {
	f.offset = offset
	return f.backlogErr
}

type fakeHistory struct {
	recs   []storage.Record
	err    error
	filter storage.Filter
}

func (f *fakeHistory) Replay(filter storage.Filter) ([]storage.Record, storage.ReplayStats, error) {
	f.filter = filter
	var out []storage.Record
	for _, rec := range f.recs {
		if filter.Match(rec) {
			out = append(out, rec)
		}
	}
	return out, storage.ReplayStats{Rows: len(f.recs), Parsed: len(f.recs)}, f.err
}

func value(v float64) *float64 { return &v }

func newTestServer(ctrl *fakeController, hist *fakeHistory) *Server {
	return NewServer(Deps{
		Controller: ctrl,
		Store:      telemetry.NewStore(telemetry.DefaultSeriesCapacity),
		History:    hist,
		Hub:        utils.NewWebSocketHub(),
		Thresholds: utils.DefaultQualityThresholds(),
		Version:    "test",
	})
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsDegradedSink(t *testing.T) {
	s := newTestServer(&fakeController{}, &fakeHistory{})
	s.deps.Sinks = func() []sink.Status {
		return []sink.Status{{Name: "mqtt", State: "open"}}
	}

	rec := do(t, s, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" {
		t.Errorf("Expected degraded status, got %q", resp.Status)
	}
	if resp.Session != "idle" {
		t.Errorf("Expected idle session, got %q", resp.Session)
	}
}

func TestConnectValidatesAddress(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, &fakeHistory{})

	rec := do(t, s, http.MethodPost, "/api/connect", `{"address":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad address, got %d", rec.Code)
	}
	if ctrl.connected != "" {
		t.Errorf("Expected controller not to be called, got %q", ctrl.connected)
	}

	rec = do(t, s, http.MethodPost, "/api/connect", `{"address":"AA:BB:CC:DD:EE:FF"}`)
	if rec.Code != http.StatusAccepted {
		t.Errorf("Expected 202, got %d", rec.Code)
	}
	if ctrl.connected != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("Expected connect to AA:BB:CC:DD:EE:FF, got %q", ctrl.connected)
	}
}

func TestConnectMapsDomainErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{bluetooth.ErrSessionBusy, http.StatusConflict},
		{bluetooth.ErrNoTarget, http.StatusBadRequest},
		{bluetooth.ErrSessionClosed, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s := newTestServer(&fakeController{connectErr: tt.err}, &fakeHistory{})
		rec := do(t, s, http.MethodPost, "/api/connect", "")
		if rec.Code != tt.code {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.code, rec.Code)
		}
	}
}

func TestScanWithoutAdapter(t *testing.T) {
	ctrl := &fakeController{scanErr: bluetooth.ErrNoScanner}
	s := newTestServer(ctrl, &fakeHistory{})

	if rec := do(t, s, http.MethodPost, "/api/scan/start", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodPost, "/api/scan/stop", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ctrl.scanStops != 1 {
		t.Errorf("Expected 1 stop, got %d", ctrl.scanStops)
	}
}

func TestBacklogOffset(t *testing.T) {
	ctrl := &fakeController{}
	s := newTestServer(ctrl, &fakeHistory{})

	if rec := do(t, s, http.MethodPost, "/api/backlog", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	if ctrl.offset != nil {
		t.Errorf("Expected nil offset for empty body, got %d", *ctrl.offset)
	}

	do(t, s, http.MethodPost, "/api/backlog", `{"offset":96}`)
	if ctrl.offset == nil || *ctrl.offset != 96 {
		t.Errorf("Expected offset 96, got %v", ctrl.offset)
	}

	ctrl.backlogErr = bluetooth.ErrTransferActive
	if rec := do(t, s, http.MethodPost, "/api/backlog", ""); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 while transfer active, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/api/backlog", ""); rec.Code != http.StatusConflict {
		t.Errorf("Expected 409 without transfer, got %d", rec.Code)
	}
}

func TestHistoryFiltersAndSummarizes(t *testing.T) {
	day := time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local)
	hist := &fakeHistory{recs: []storage.Record{
		{Timestamp: day.AddDate(0, 0, -3).UnixMilli(), Temperature: value(18)},
		{Timestamp: day.UnixMilli(), Temperature: value(20)},
		{Timestamp: day.Add(time.Hour).UnixMilli(), Temperature: value(22)},
	}}
	s := newTestServer(&fakeController{}, hist)

	rec := do(t, s, http.MethodGet, "/api/history?start=2024-05-01&end=2024-05-01", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp HistoryResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(resp.Records))
	}
	if resp.Summary.Temperature == nil || resp.Summary.Temperature.Max != 22 {
		t.Errorf("Unexpected temperature summary %+v", resp.Summary.Temperature)
	}

	if rec := do(t, s, http.MethodGet, "/api/history?range=year", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown range, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodGet, "/api/history?start=2024-05-02&end=2024-05-01", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for inverted range, got %d", rec.Code)
	}
}

func TestHistoryMissingLog(t *testing.T) {
	s := newTestServer(&fakeController{}, &fakeHistory{err: fs.ErrNotExist})

	rec := do(t, s, http.MethodGet, "/api/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for missing log, got %d", rec.Code)
	}
	var resp HistoryResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Records == nil || len(resp.Records) != 0 {
		t.Errorf("Expected empty record list, got %v", resp.Records)
	}
}

func TestHistoryExport(t *testing.T) {
	hist := &fakeHistory{recs: []storage.Record{
		{Timestamp: 1714564800000, Temperature: value(21.5), Humidity: value(40)},
	}}
	s := newTestServer(&fakeController{}, hist)

	rec := do(t, s, http.MethodGet, "/api/history/export", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Expected text/csv, got %q", ct)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "attachment") {
		t.Errorf("Expected attachment disposition, got %q", rec.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(rec.Body.String(), "1714564800000") {
		t.Errorf("Expected exported row, got %q", rec.Body.String())
	}
}

func TestTelemetryEndpoint(t *testing.T) {
	s := newTestServer(&fakeController{}, &fakeHistory{})
	s.deps.Store.Publish(telemetry.Reading{Kind: telemetry.KindTemperature, Value: 21, ObservedAt: time.Now()})

	rec := do(t, s, http.MethodGet, "/api/telemetry", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "temperature") {
		t.Errorf("Expected temperature in payload, got %s", rec.Body.String())
	}
}
