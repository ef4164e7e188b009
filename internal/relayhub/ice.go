package relayhub

import (
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/iceservers"
	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/metrics"
)

func (h *Hub) handleICE(w http.ResponseWriter, r *http.Request) {
	cred, err := auth.CredentialFromRequest(h.cfg.AuthMode, r)
	if err == nil {
		err = h.cfg.Verifier.Verify(cred)
	}
	if err != nil {
		h.cfg.Metrics.Inc(metrics.HubAuthFailed)
		httpserver.WriteError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	servers := h.cfg.ICEServers
	if h.cfg.TURNREST != nil {
		creds, err := h.cfg.TURNREST.GenerateRandom()
		if err != nil {
			h.log.Error("generate turn credentials", "err", err)
			httpserver.WriteError(w, http.StatusInternalServerError, "internal_error", "failed to generate turn credentials")
			return
		}
		servers = iceservers.WithTURNCredentials(servers, creds.Username, creds.Credential)
	}

	// Credentials are short-lived; never let an intermediary cache them.
	w.Header().Set("Cache-Control", "no-store")
	httpserver.WriteJSON(w, http.StatusOK, iceservers.Response{ICEServers: iceservers.ToJSON(servers)})
}
