package dhcp

import (
	"encoding/json"
	"net/http"
	"strings"
)

// RegisterRoutes adds DHCP endpoints to the given mux.
//
//	GET    /api/v1/dhcp                              — list configs
//	POST   /api/v1/dhcp                              — enable for a network
//	GET    /api/v1/dhcp/{networkId}                  — one config
//	DELETE /api/v1/dhcp/{networkId}                  — disable
//	GET    /api/v1/dhcp/{networkId}/leases           — active leases
//	POST   /api/v1/dhcp/{networkId}/reservations     — add reservation
//	DELETE /api/v1/dhcp/{networkId}/reservations/{mac} — delete reservation
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/dhcp", m.handleDHCP)
	mux.HandleFunc("/api/v1/dhcp/", m.handleDHCPDetail)
}

func (m *Manager) handleDHCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, m.Configs())

	case http.MethodPost:
		var req EnableRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		s, err := m.Enable(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, s)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) handleDHCPDetail(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/dhcp/")
	parts := strings.SplitN(path, "/", 3)
	networkID := parts[0]

	if len(parts) >= 2 {
		switch parts[1] {
		case "leases":
			m.handleLeases(w, r, networkID)
		case "reservations":
			mac := ""
			if len(parts) == 3 {
				mac = parts[2]
			}
			m.handleReservations(w, r, networkID, mac)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s, ok := m.Config(networkID)
		if !ok {
			http.Error(w, "dhcp not enabled for this network", http.StatusNotFound)
			return
		}
		writeJSON(w, s)

	case http.MethodDelete:
		if err := m.Disable(r.Context(), networkID); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) handleLeases(w http.ResponseWriter, r *http.Request, networkID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	leases, err := m.Leases(r.Context(), networkID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, leases)
}

func (m *Manager) handleReservations(w http.ResponseWriter, r *http.Request, networkID, mac string) {
	switch r.Method {
	case http.MethodPost:
		var res Reservation
		if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := m.AddReservation(r.Context(), networkID, res); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, res)

	case http.MethodDelete:
		if mac == "" {
			http.Error(w, "mac required", http.StatusBadRequest)
			return
		}
		if err := m.DeleteReservation(r.Context(), networkID, mac); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
