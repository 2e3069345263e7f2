package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_mqtt_event_count",
		Help: "The number of gateway events published to the MQTT broker (per event type).",
	}, []string{"event"})

	receivedCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_mqtt_command_count",
		Help: "The number of gateway commands received from the MQTT broker (per command type).",
	}, []string{"command"})

	connections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_mqtt_connection_count",
		Help: "The number of MQTT broker connection state changes (per state).",
	}, []string{"state"})
)

func mqttEventCounter(e string) prometheus.Counter {
	return publishedEvents.With(prometheus.Labels{"event": e})
}

func mqttCommandCounter(c string) prometheus.Counter {
	return receivedCommands.With(prometheus.Labels{"command": c})
}

func mqttConnectCounter() prometheus.Counter {
	return connections.With(prometheus.Labels{"state": "connected"})
}

func mqttDisconnectCounter() prometheus.Counter {
	return connections.With(prometheus.Labels{"state": "disconnected"})
}
