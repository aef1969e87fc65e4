package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miravpn_sweep_runs_total",
			Help: "Limit sweeps by outcome",
		},
		[]string{"outcome"}, // ok|remote_failed|store_failed|empty
	)

	SweepNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miravpn_sweep_notifications_total",
			Help: "Limit notifications sent by the sweep",
		},
		[]string{"outcome"}, // sent|failed
	)

	SweepMissingRemote = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "miravpn_sweep_missing_remote_total",
			Help: "Local accounts with no matching panel user during a sweep",
		},
	)

	PanelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "miravpn_panel_requests_total",
			Help: "Requests to the VPN panel API by operation and outcome",
		},
		[]string{"op", "outcome"}, // ok|unauthorized|not_found|error
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		SweepRuns,
		SweepNotifications,
		SweepMissingRemote,
		PanelRequests,
	)
}
