package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jrc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_join_request_count",
		Help: "The number of submitted join requests (per request status).",
	}, []string{"status"})

	uc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_uplink_count",
		Help: "The number of built uplink frames (per frame kind).",
	}, []string{"kind"})

	urc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_uplink_request_count",
		Help: "The number of submitted uplink requests (per request status).",
	}, []string{"status"})

	mcc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_mcps_confirm_count",
		Help: "The number of received MCPS confirms (per request type and status).",
	}, []string{"request", "status"})

	mic = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_mcps_indication_count",
		Help: "The number of received MCPS indications (per indication type and status).",
	}, []string{"indication", "status"})

	mlc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_mlme_confirm_count",
		Help: "The number of received MLME confirms (per request type and status).",
	}, []string{"request", "status"})

	stc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "session_state_count",
		Help: "The number of state transitions (per entered state).",
	}, []string{"state"})
)

func joinRequestCounter(s string) prometheus.Counter {
	return jrc.With(prometheus.Labels{"status": s})
}

func uplinkCounter(k string) prometheus.Counter {
	return uc.With(prometheus.Labels{"kind": k})
}

func uplinkRequestCounter(s string) prometheus.Counter {
	return urc.With(prometheus.Labels{"status": s})
}

func mcpsConfirmCounter(r, s string) prometheus.Counter {
	return mcc.With(prometheus.Labels{"request": r, "status": s})
}

func mcpsIndicationCounter(i, s string) prometheus.Counter {
	return mic.With(prometheus.Labels{"indication": i, "status": s})
}

func mlmeConfirmCounter(r, s string) prometheus.Counter {
	return mlc.With(prometheus.Labels{"request": r, "status": s})
}

func stateCounter(s string) prometheus.Counter {
	return stc.With(prometheus.Labels{"state": s})
}
