// Package api defines the HTTP surface of the wake-up service: the wake-up
// trigger used by push servers outside the operator network, and the
// status page polled by load balancers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/willyaranda/notification-next/internal/wakeup"
	"github.com/willyaranda/notification-next/pkg/push"
)

// Version is reported by /about. It is set at build time using ldflags.
var Version = "dev"

// MaintenanceStatus reports whether the instance is draining.
type MaintenanceStatus interface {
	Active() bool
}

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	notifier      push.WakeupNotifier
	maintenance   MaintenanceStatus
	preproduction bool
	logger        zerolog.Logger
}

// NewAPI creates the handler set. /about is only served when preproduction
// is true.
func NewAPI(notifier push.WakeupNotifier, maintenance MaintenanceStatus, preproduction bool, logger zerolog.Logger) *API {
	return &API{
		notifier:      notifier,
		maintenance:   maintenance,
		preproduction: preproduction,
		logger:        logger,
	}
}

type statusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// WakeupHandler sends a wake-up packet to ?ip=&port=[&proto=tcp].
func (a *API) WakeupHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip, rawPort := q.Get("ip"), q.Get("port")
	if ip == "" || rawPort == "" {
		a.logger.Debug().Str("query", r.URL.RawQuery).Msg("Wake-up request missing ip or port")
		writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Reason: "URL Format Error"})
		return
	}

	port, err := strconv.Atoi(rawPort)
	if err != nil {
		writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Reason: "Bad parameters. Bad IP/Port"})
		return
	}
	transport := push.TransportUDP
	if q.Get("proto") == string(push.TransportTCP) {
		transport = push.TransportTCP
	}

	target := push.WakeupTarget{IP: ip, Port: port, Transport: transport}
	if err := a.notifier.Wake(r.Context(), target); err != nil {
		if errors.Is(err, wakeup.ErrInvalidTarget) {
			writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Reason: "Bad parameters. Bad IP/Port"})
			return
		}
		writeJSON(w, http.StatusNotFound, statusResponse{Status: "error", Reason: fmt.Sprintf("%s connection error", transport)})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "OK"})
}

// StatusHandler answers load-balancer health checks.
func (a *API) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if a.maintenance != nil && a.maintenance.Active() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Under Maintenance"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// AboutHandler describes the running build in preproduction environments.
func (a *API) AboutHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.preproduction {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "<html><body><h1>WakeUp UDP/TCP Server</h1><p>Version: %s</p></body></html>", Version)
}
