package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/turnrest"
)

const maxICELabelBytes = 256

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.ICEConfigError(); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}

	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	resp := map[string]any{"iceServers": servers}

	if s.creds != nil && needsTURNRESTCredentials(servers) {
		label := strings.TrimSpace(r.URL.Query().Get("label"))
		if len(label) > maxICELabelBytes {
			WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "label is too long"})
			return
		}
		if label == "" {
			label = uuid.NewString()
		}

		cred := s.creds.Issue(label)
		s.metrics.Inc(metrics.CredentialsIssued)
		resp["iceServers"] = withTURNRESTCredentials(servers, cred)
		resp["expiresAt"] = cred.ExpiresAt.UTC().Format(time.RFC3339)
		resp["ttl"] = int64(cred.TTL / time.Second)
	}

	w.Header().Set("Cache-Control", "no-store")
	WriteJSON(w, http.StatusOK, resp)
}

func needsTURNRESTCredentials(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		if config.IsTURNServer(server) && !config.HasStaticCredentials(server) {
			return true
		}
	}
	return false
}

// withTURNRESTCredentials returns a copy of servers with cred filled into
// every TURN entry that has no static credentials.
func withTURNRESTCredentials(servers []webrtc.ICEServer, cred turnrest.Credential) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if config.IsTURNServer(server) && !config.HasStaticCredentials(server) {
			out[i].Username = cred.Username
			out[i].Credential = cred.Secret
		}
	}
	return out
}
