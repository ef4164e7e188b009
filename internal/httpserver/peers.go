package httpserver

import (
	"errors"
	"net/http"

	"github.com/wilsonzlin/aero/proxy/webrtc-p2p-session/internal/session"
)

// PeerController is the slice of session.Manager the peer API drives.
type PeerController interface {
	ConnectTo(peerID string) error
	DisconnectFrom(peerID string) error
	Peers() []session.PeerStatus
}

// RegisterPeerRoutes exposes a manager:
//   - GET  /peers                 : [{"peer":...,"status":...}]
//   - POST /peers/{id}/connect    : 202 once the call is started
//   - POST /peers/{id}/disconnect : 202 once teardown is done
func RegisterPeerRoutes(mux *http.ServeMux, peers PeerController) {
	mux.HandleFunc("GET /peers", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, peers.Peers())
	})
	mux.HandleFunc("POST /peers/{id}/connect", func(w http.ResponseWriter, r *http.Request) {
		writePeerResult(w, r.PathValue("id"), peers.ConnectTo(r.PathValue("id")))
	})
	mux.HandleFunc("POST /peers/{id}/disconnect", func(w http.ResponseWriter, r *http.Request) {
		writePeerResult(w, r.PathValue("id"), peers.DisconnectFrom(r.PathValue("id")))
	})
}

func writePeerResult(w http.ResponseWriter, peer string, err error) {
	switch {
	case err == nil:
		WriteJSON(w, http.StatusAccepted, map[string]string{"peer": peer})
	case errors.Is(err, session.ErrInvalidPeer):
		WriteError(w, http.StatusBadRequest, "invalid_peer", err.Error())
	case errors.Is(err, session.ErrNotReady):
		WriteError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
	case errors.Is(err, session.ErrClosed):
		WriteError(w, http.StatusGone, "closed", err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
