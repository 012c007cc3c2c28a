package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/usenocturne/envsensed/bluetooth"
	"github.com/usenocturne/envsensed/sink"
	"github.com/usenocturne/envsensed/storage"
	"github.com/usenocturne/envsensed/utils"
)

const dateLayout = "2006-01-02"

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type HealthResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version,omitempty"`
	Uptime  string              `json:"uptime"`
	Session string              `json:"session"`
	Sinks   []sink.Status       `json:"sinks,omitempty"`
	Uplink  *utils.UplinkStatus `json:"uplink,omitempty"`
}

type ApiStatusResponse struct {
	bluetooth.ManagerStatus
	Uplink *utils.UplinkStatus `json:"uplink,omitempty"`
}

type ConnectRequest struct {
	Address string `json:"address"`
}

type BacklogRequest struct {
	Offset *uint32 `json:"offset,omitempty"`
}

type HistoryResponse struct {
	Records []storage.Record    `json:"records"`
	Summary storage.Summary     `json:"summary"`
	Replay  storage.ReplayStats `json:"replay"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bluetooth.ErrSessionBusy),
		errors.Is(err, bluetooth.ErrNotStreaming),
		errors.Is(err, bluetooth.ErrTransferActive),
		errors.Is(err, bluetooth.ErrNoTransfer),
		errors.Is(err, bluetooth.ErrScanRunning):
		return http.StatusConflict
	case errors.Is(err, bluetooth.ErrBulkUnsupported):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bluetooth.ErrNoTarget):
		return http.StatusBadRequest
	case errors.Is(err, bluetooth.ErrNoScanner),
		errors.Is(err, bluetooth.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to upgrade connection")
		return
	}
	s.deps.Hub.AddClient(conn)

	// Give every client the current view right away.
	s.deps.Hub.Publish(utils.WebSocketEvent{
		Type:    utils.EventTelemetry,
		Payload: utils.NewTelemetryPayload(s.deps.Store.Snapshot(), s.deps.Thresholds, false),
	})

	go func() {
		defer s.deps.Hub.RemoveClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Session: s.deps.Controller.Status(r.Context()).Session.State.String(),
	}
	if s.deps.Sinks != nil {
		resp.Sinks = s.deps.Sinks()
		for _, st := range resp.Sinks {
			if st.State == "open" {
				resp.Status = "degraded"
			}
		}
	}
	if s.deps.Uplink != nil {
		up := s.deps.Uplink()
		resp.Uplink = &up
		if !up.Online {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := ApiStatusResponse{ManagerStatus: s.deps.Controller.Status(r.Context())}
	if s.deps.Uplink != nil {
		up := s.deps.Uplink()
		resp.Uplink = &up
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	withSeries := r.URL.Query().Get("series") != "false"
	writeJSON(w, http.StatusOK, utils.NewTelemetryPayload(s.deps.Store.Snapshot(), s.deps.Thresholds, withSeries))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.deps.Controller.Devices()
	if devices == nil {
		devices = []bluetooth.DeviceIdentity{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.StartScan(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "scanning"})
}

func (s *Server) handleScanStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Controller.StopScan()
	writeJSON(w, http.StatusOK, StatusResponse{Status: "stopped"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Address != "" {
		if err := bluetooth.ValidateAddress(req.Address); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if err := s.deps.Controller.Connect(r.Context(), req.Address); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "connecting"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.Disconnect(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "disconnected"})
}

func (s *Server) handleBacklogStart(w http.ResponseWriter, r *http.Request) {
	var req BacklogRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Controller.FetchBacklog(r.Context(), req.Offset); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, StatusResponse{Status: "started"})
}

func (s *Server) handleBacklogStop(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Controller.StopBacklog(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "cancelled"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	recs, stats, err := s.history(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{
		Records: recs,
		Summary: storage.Summarize(recs),
		Replay:  stats,
	})
}

func (s *Server) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	recs, _, err := s.history(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := fmt.Sprintf("environment-%s.csv", time.Now().Format(dateLayout))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := storage.WriteCSV(w, recs); err != nil {
		s.log.Warn().Err(err).Msg("history export failed")
	}
}

// history replays the log with the range, start and end query parameters.
func (s *Server) history(r *http.Request) ([]storage.Record, storage.ReplayStats, error) {
	q := r.URL.Query()
	rng, err := storage.ParseHistoryRange(q.Get("range"))
	if err != nil {
		return nil, storage.ReplayStats{}, err
	}
	from, err := parseDate(q.Get("start"))
	if err != nil {
		return nil, storage.ReplayStats{}, fmt.Errorf("start: %w", err)
	}
	to, err := parseDate(q.Get("end"))
	if err != nil {
		return nil, storage.ReplayStats{}, fmt.Errorf("end: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, storage.ReplayStats{}, errors.New("end before start")
	}

	recs, stats, err := s.deps.History.Replay(storage.DayFilter(from, to))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, stats, nil
	}
	if err != nil {
		return nil, stats, err
	}
	return storage.FilterByRange(recs, rng), stats, nil
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(dateLayout, v, time.Local)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
