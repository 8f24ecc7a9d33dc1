package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

// NotificationRecord mirrors peer.NotificationRecord without importing
// package peer, keeping this package a pure rendering layer over whatever
// StatusProvider hands it.
type NotificationRecord struct {
	Code    byte      `json:"code"`
	Subcode byte      `json:"subcode"`
	At      time.Time `json:"at"`
}

// PeerStatus is one neighbor's introspection snapshot, rendered as a
// /peers array entry and fed to Collector.Observe for the Prometheus
// series.
type PeerStatus struct {
	Instance        string              `json:"instance"`
	Neighbor        string              `json:"neighbor"`
	RemoteASN       uint32              `json:"remote_asn"`
	State           int                 `json:"state"`
	StateName       string              `json:"state_name"`
	LastStateChange time.Time           `json:"last_state_change"`
	FlapCount       uint64              `json:"flap_count"`
	LastNotifSent   *NotificationRecord `json:"last_notification_sent,omitempty"`
	LastNotifRecv   *NotificationRecord `json:"last_notification_received,omitempty"`
}

// Status is the process-wide summary the /status endpoint returns.
type Status struct {
	ASN        uint32 `json:"asn"`
	RouterID   string `json:"router_id"`
	Instances  int    `json:"instances"`
	PeerCount  int    `json:"peer_count"`
	UptimeSecs int64  `json:"uptime_seconds"`
}

// ASPathSegment is one segment of an AS_PATH attribute, rendered for
// /routes the same shape the teacher's internal/shared/model.ASPathSegment
// used to describe a collected route.
type ASPathSegment struct {
	Type string   `json:"type"`
	ASNs []uint32 `json:"asns"`
}

// PathView is one candidate path on a /routes route entry.
type PathView struct {
	Neighbor    string          `json:"neighbor"`
	ASPath      []ASPathSegment `json:"as_path"`
	NextHop     string          `json:"next_hop,omitempty"`
	Origin      string          `json:"origin"`
	MED         uint32          `json:"med,omitempty"`
	LocalPref   uint32          `json:"local_pref,omitempty"`
	Communities []string        `json:"communities,omitempty"`
	IsBest      bool            `json:"is_best"`
}

// RouteView is one prefix's full set of candidate paths, as rendered by
// GET /routes.
type RouteView struct {
	Prefix string     `json:"prefix"`
	Paths  []PathView `json:"paths"`
}

// StatusProvider is the narrow view this package needs of server.Server,
// kept here (rather than metrics importing server) so server is the only
// package that depends on this one, not the other way around.
type StatusProvider interface {
	Status() Status
	Peers() []PeerStatus
	Routes(instance, family string) ([]RouteView, error)
}

// NewHTTPHandler builds the GET /status, GET /peers and GET /routes JSON endpoints
// spec.md §1's introspection requirement asks for, in the stdlib
// net/http.ServeMux style the teacher's cmd/api/main.go uses rather than
// its own gRPC collector API — there is no second process here to stream
// to, just one operator-facing read surface.
func NewHTTPHandler(sp StatusProvider) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sp.Status())
	})
	mux.HandleFunc("GET /peers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sp.Peers())
	})
	mux.HandleFunc("GET /routes", func(w http.ResponseWriter, r *http.Request) {
		family := r.URL.Query().Get("family")
		if family == "" {
			family = "inet"
		}
		routes, err := sp.Routes(r.URL.Query().Get("instance"), family)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, routes)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
