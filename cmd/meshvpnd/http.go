package main

import (
	"encoding/json"
	"net/http"

	"github.com/YujinSharp/meshvpn/internal/telemetry"
	"github.com/YujinSharp/meshvpn/vpn"
)

// controlServer is the local HTTP surface a detached frontend talks to.
type controlServer struct {
	bridge *vpn.Bridge
	subnet string
	mask   string
}

func (s *controlServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/status", s.status)
	mux.HandleFunc("/routes", s.routingTable)
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/start", s.start)
	mux.HandleFunc("/stop", s.stop)
	mux.Handle("/metrics", telemetry.MetricsHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *controlServer) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *controlServer) status(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		Enabled    bool   `json:"enabled"`
		LocalIP    string `json:"local_ip"`
		DeviceName string `json:"tun_device_name"`
		LastError  string `json:"last_error,omitempty"`
	}
	out := resp{
		Enabled:    s.bridge.Enabled(),
		LocalIP:    s.bridge.LocalIP(),
		DeviceName: s.bridge.DeviceName(),
	}
	if err := s.bridge.Err(); err != nil {
		out.LastError = err.Error()
	}
	writeJSON(w, out)
}

func (s *controlServer) routingTable(w http.ResponseWriter, _ *http.Request) {
	infos := s.bridge.RoutingTable()
	if infos == nil {
		infos = []vpn.RouteInfo{}
	}
	writeJSON(w, infos)
}

func (s *controlServer) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.bridge.Statistics())
}

func (s *controlServer) start(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.bridge.Start(s.subnet, s.mask); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *controlServer) stop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.bridge.Stop()
	w.WriteHeader(http.StatusNoContent)
}
