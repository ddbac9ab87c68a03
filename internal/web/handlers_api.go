package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"buspro-home/internal/buspro"
	"buspro-home/internal/sniffer"
	"buspro-home/internal/store"
)

// deviceView is a stored device together with its live state, if any.
type deviceView struct {
	*store.Device
	State any `json:"state,omitempty"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	host, port := s.gw.SendTarget()
	devices, err := s.devices.ListDevices()
	if err != nil {
		s.logger.Error("list devices for status", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"started":         s.gw.Started(),
		"transport_ready": s.gw.TransportReady(),
		"target_host":     host,
		"target_port":     port,
		"last_error":      s.gw.LastError(),
		"device_count":    len(devices),
		"version":         s.version,
	})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	lights := s.gw.LightStates()
	covers := s.gw.CoverStates()

	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		v := deviceView{Device: dev}
		if addr, err := buspro.ParseDeviceAddress(dev.Address); err == nil {
			switch dev.Type {
			case store.DeviceLight:
				if st, ok := lights[addr]; ok {
					v.State = st
				}
			case store.DeviceCover:
				if st, ok := covers[addr]; ok {
					v.State = st
				}
			}
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	dev, err := s.devices.GetDevice(r.PathValue("addr"))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	v := deviceView{Device: dev}
	if addr, err := buspro.ParseDeviceAddress(dev.Address); err == nil {
		switch dev.Type {
		case store.DeviceLight:
			if st, ok := s.gw.LightStates()[addr]; ok {
				v.State = st
			}
		case store.DeviceCover:
			if st, ok := s.gw.CoverStates()[addr]; ok {
				v.State = st
			}
		}
	}
	s.writeJSON(w, http.StatusOK, v)
}

type renameDeviceRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := s.devices.UpdateDevice(addr, func(dev *store.Device) error {
		dev.Name = req.Name
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	if err != nil {
		s.logger.Error("rename device", "err", err, "addr", addr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "name": req.Name})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("addr")
	if err := s.devices.DeleteDevice(addr); err != nil {
		s.logger.Error("delete device", "err", err, "addr", addr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type commandRequest struct {
	Command    string `json:"command"` // on, off, open, close, stop, position
	Brightness *int   `json:"brightness,omitempty"`
	Position   *int   `json:"position,omitempty"`
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	addrStr := r.PathValue("addr")
	addr, err := buspro.ParseDeviceAddress(addrStr)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device address"})
		return
	}

	var req commandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	switch strings.ToLower(req.Command) {
	case "on":
		err = s.gw.SetLight(r.Context(), addr, true, req.Brightness)
	case "off":
		err = s.gw.SetLight(r.Context(), addr, false, nil)
	case "open":
		err = s.gw.CoverOpen(r.Context(), addr)
	case "close":
		err = s.gw.CoverClose(r.Context(), addr)
	case "stop":
		err = s.gw.CoverStop(r.Context(), addr)
	case "position":
		if req.Position == nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "position required"})
			return
		}
		err = s.gw.CoverSetPosition(r.Context(), addr, *req.Position)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown command"})
		return
	}
	if err != nil {
		s.logger.Error("device command", "err", err, "addr", addrStr, "command", req.Command)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIReadStatus(w http.ResponseWriter, r *http.Request) {
	addrStr := r.PathValue("addr")
	addr, err := buspro.ParseDeviceAddress(addrStr)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid device address"})
		return
	}

	dev, err := s.devices.GetDevice(addrStr)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}

	switch dev.Type {
	case store.DeviceLight:
		err = s.gw.ReadLightStatus(r.Context(), addr)
	case store.DeviceCover:
		err = s.gw.ReadCoverStatus(r.Context(), addr)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "device type has no status read"})
		return
	}
	if err != nil {
		s.logger.Error("read status", "err", err, "addr", addrStr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPISnifferStatus(w http.ResponseWriter, r *http.Request) {
	if s.sniffer == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sniffer disabled"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.sniffer.Status())
}

type snifferStartRequest struct {
	OpContains []string          `json:"op_contains,omitempty"`
	Source     *sniffer.Endpoint `json:"src,omitempty"`
	Target     *sniffer.Endpoint `json:"dst,omitempty"`
	IncludeRaw bool              `json:"include_raw"`
	WriteFile  bool              `json:"write_file"`
	Filename   string            `json:"filename,omitempty"`
	Clear      bool              `json:"clear"`
}

func (s *Server) handleAPISnifferStart(w http.ResponseWriter, r *http.Request) {
	if s.sniffer == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sniffer disabled"})
		return
	}

	var req snifferStartRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	err := s.sniffer.Start(sniffer.Options{
		Filter: sniffer.Filter{
			OpContains: req.OpContains,
			Source:     req.Source,
			Target:     req.Target,
			IncludeRaw: req.IncludeRaw,
		},
		WriteFile: req.WriteFile,
		Filename:  req.Filename,
		Clear:     req.Clear,
	})
	if err != nil {
		s.logger.Error("sniffer start", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.sniffer.Status())
}

func (s *Server) handleAPISnifferStop(w http.ResponseWriter, r *http.Request) {
	if s.sniffer == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sniffer disabled"})
		return
	}
	s.sniffer.Stop()
	s.writeJSON(w, http.StatusOK, s.sniffer.Status())
}

func (s *Server) handleAPISnifferClear(w http.ResponseWriter, r *http.Request) {
	if s.sniffer == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sniffer disabled"})
		return
	}
	s.sniffer.Clear()
	s.writeJSON(w, http.StatusOK, s.sniffer.Status())
}

func (s *Server) handleAPISnifferRecent(w http.ResponseWriter, r *http.Request) {
	if s.sniffer == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sniffer disabled"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	s.writeJSON(w, http.StatusOK, s.sniffer.Recent(limit))
}

func (s *Server) handleAPISnifferDump(w http.ResponseWriter, r *http.Request) {
	if s.sniffer == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "sniffer disabled"})
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := w.Write([]byte(s.sniffer.Dump())); err != nil {
		s.logger.Debug("write sniffer dump", "err", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
