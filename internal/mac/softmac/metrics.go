package softmac

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softmac_uplink_count",
		Help: "The number of sent uplink frames (per message-type).",
	}, []string{"m_type"})

	dlc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softmac_downlink_count",
		Help: "The number of received downlink frames (per message-type).",
	}, []string{"m_type"})

	jc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softmac_join_count",
		Help: "The number of join procedures (per status).",
	}, []string{"status"})

	mcc = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "softmac_mac_command_count",
		Help: "The number of received mac-commands (per cid).",
	}, []string{"cid"})

	tg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "softmac_device_temperature",
		Help: "The device temperature reported at the last device-status request.",
	})
)

func uplinkCounter(mType string) prometheus.Counter {
	return uc.With(prometheus.Labels{"m_type": mType})
}

func downlinkCounter(mType string) prometheus.Counter {
	return dlc.With(prometheus.Labels{"m_type": mType})
}

func joinCounter(status string) prometheus.Counter {
	return jc.With(prometheus.Labels{"status": status})
}

func macCommandCounter(cid string) prometheus.Counter {
	return mcc.With(prometheus.Labels{"cid": cid})
}

func temperatureGauge() prometheus.Gauge {
	return tg
}
