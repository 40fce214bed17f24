package overlay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
)

// RegisterRoutes adds the controller API to the given mux.
//
//	GET  /api/v1/status                    — controller summary
//	GET  /api/v1/hosts                     — list hosts
//	POST /api/v1/hosts                     — onboard a host
//	DELETE /api/v1/hosts/{id}              — forget a host
//	GET  /api/v1/switches                  — list discovered switches
//	GET  /api/v1/networks                  — list networks
//	POST /api/v1/networks                  — create a network
//	GET  /api/v1/networks/{id}             — network detail
//	DELETE /api/v1/networks/{id}           — delete a network (cascade)
//	POST /api/v1/networks/{id}/switches    — add a member switch
//	POST /api/v1/networks/{id}/reconcile   — force convergence now
//	GET  /api/v1/tunnels                   — live tunnel view
//	GET  /api/v1/orphans                   — unmatched half-tunnels
//	GET  /api/v1/topology                  — node/edge graph
func (m *Manager) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/status", m.handleStatus)
	mux.HandleFunc("/api/v1/hosts", m.handleHosts)
	mux.HandleFunc("/api/v1/hosts/", m.handleHostDetail)
	mux.HandleFunc("/api/v1/switches", m.handleSwitches)
	mux.HandleFunc("/api/v1/networks", m.handleNetworks)
	mux.HandleFunc("/api/v1/networks/", m.handleNetworkDetail)
	mux.HandleFunc("/api/v1/tunnels", m.handleTunnels)
	mux.HandleFunc("/api/v1/orphans", m.handleOrphans)
	mux.HandleFunc("/api/v1/topology", m.handleTopology)
}

func (m *Manager) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type status struct {
		Hosts    int  `json:"hosts"`
		Switches int  `json:"switches"`
		Networks int  `json:"networks"`
		Tunnels  int  `json:"tunnels"`
		Orphans  int  `json:"orphans"`
		Ready    bool `json:"ready"`
	}

	m.mu.Lock()
	ready := m.bootstrapped
	networks := len(m.networks)
	tunnels := len(m.tunnels)
	orphans := len(m.orphans)
	m.mu.Unlock()

	writeJSON(w, status{
		Hosts:    len(m.inv.Hosts()),
		Switches: len(m.inv.Switches()),
		Networks: networks,
		Tunnels:  tunnels,
		Orphans:  orphans,
		Ready:    ready,
	})
}

func (m *Manager) handleHosts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, m.inv.Hosts())

	case http.MethodPost:
		var req AddHostRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		host, err := m.AddHost(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, host)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) handleHostDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/hosts/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "host not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		host, err := m.inv.Host(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, host)

	case http.MethodDelete:
		if _, err := m.inv.Host(id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err := m.ForgetHost(id); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) handleSwitches(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.inv.Switches())
}

func (m *Manager) handleNetworks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, m.ListNetworks())

	case http.MethodPost:
		var req CreateNetworkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		view, err := m.CreateNetwork(r.Context(), req)
		var partial *PartialMeshError
		switch {
		case err == nil:
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, view)
		case errors.As(err, &partial):
			// The network exists but is degraded; the view enumerates
			// exactly which pairs failed.
			w.WriteHeader(http.StatusMultiStatus)
			writeJSON(w, view)
		default:
			http.Error(w, err.Error(), http.StatusBadRequest)
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) handleNetworkDetail(w http.ResponseWriter, r *http.Request) {
	// Parse: /api/v1/networks/{id} or /api/v1/networks/{id}/switches
	// or /api/v1/networks/{id}/reconcile
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/networks/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]

	if len(parts) == 2 && parts[1] == "switches" {
		m.handleNetworkSwitches(w, r, id)
		return
	}
	if len(parts) == 2 && parts[1] == "reconcile" {
		m.handleNetworkReconcile(w, r, id)
		return
	}

	switch r.Method {
	case http.MethodGet:
		view, err := m.GetNetwork(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, view)

	case http.MethodDelete:
		err := m.DeleteNetwork(r.Context(), id)
		var partial *PartialTeardownError
		switch {
		case err == nil:
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, ErrNetworkNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.As(err, &partial):
			w.WriteHeader(http.StatusMultiStatus)
			writeJSON(w, map[string]interface{}{
				"networkId": partial.NetworkID,
				"failures":  partial.Failures,
			})
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (m *Manager) handleNetworkSwitches(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SwitchID string `json:"switchId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SwitchID == "" {
		http.Error(w, "switchId required", http.StatusBadRequest)
		return
	}

	view, err := m.AddSwitch(r.Context(), id, req.SwitchID)
	var partial *PartialMeshError
	switch {
	case err == nil:
		writeJSON(w, view)
	case errors.Is(err, ErrNetworkNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &partial):
		w.WriteHeader(http.StatusMultiStatus)
		writeJSON(w, view)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func (m *Manager) handleNetworkReconcile(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pairs, err := m.ReconcileNetwork(r.Context(), id)
	var partial *PartialMeshError
	switch {
	case err == nil:
		writeJSON(w, pairs)
	case errors.Is(err, ErrNetworkNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &partial):
		w.WriteHeader(http.StatusMultiStatus)
		writeJSON(w, pairs)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m *Manager) handleTunnels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.Tunnels())
}

func (m *Manager) handleOrphans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.Orphans())
}

func (m *Manager) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, m.Topology())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
