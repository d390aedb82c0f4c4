package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusResponse is the JSON body returned by GET /status.
type StatusResponse struct {
	Server    ServerStatus  `json:"server"`
	Sessions  SessionStatus `json:"sessions"`
	Turns     TurnStatus    `json:"turns"`
	Tools     ToolStatus    `json:"tools"`
	Providers []string      `json:"providers"`
}

// ServerStatus holds process overview info.
type ServerStatus struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionStatus holds connection and claim counts.
type SessionStatus struct {
	Claimed          int   `json:"claimed"`
	Connections      int64 `json:"connections"`
	ConnectionsTotal int64 `json:"connections_total"`
	Rejected         int64 `json:"rejected"`
}

// TurnStatus holds turn outcome counts.
type TurnStatus struct {
	Done      int64 `json:"done"`
	Cancelled int64 `json:"cancelled"`
}

// ToolStatus holds tool usage stats.
type ToolStatus struct {
	Registered  int      `json:"registered"`
	Names       []string `json:"names"`
	CallsTotal  int64    `json:"calls_total"`
	ErrorsTotal int64    `json:"errors_total"`
}

// statusHandler returns an HTTP handler for GET /status.
func statusHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var names []string
		if s.deps.Tools != nil {
			for _, schema := range s.deps.Tools.Manifest() {
				names = append(names, schema.Name)
			}
		}
		providers := s.deps.Providers
		if providers == nil {
			providers = []string{}
		}

		m := s.metrics
		resp := StatusResponse{
			Server: ServerStatus{
				Name:          "chatd",
				UptimeSeconds: int64(time.Since(s.started).Seconds()),
			},
			Sessions: SessionStatus{
				Claimed:          s.claims.Active(),
				Connections:      m.ConnectionsActive.Load(),
				ConnectionsTotal: m.ConnectionsTotal.Load(),
				Rejected:         m.ClaimsRejected.Load(),
			},
			Turns: TurnStatus{
				Done:      m.TurnCount("done"),
				Cancelled: m.TurnCount("cancelled"),
			},
			Tools: ToolStatus{
				Registered:  len(names),
				Names:       names,
				CallsTotal:  m.ToolCallsTotal.Load(),
				ErrorsTotal: m.ToolErrorsTotal.Load(),
			},
			Providers: providers,
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// healthHandler answers GET /healthz while the server accepts connections.
func healthHandler(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.stopping.Load() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
