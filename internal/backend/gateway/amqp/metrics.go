package amqp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_amqp_event_count",
		Help: "The number of gateway events published to the AMQP exchange (per event type).",
	}, []string{"event"})

	consumedCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_amqp_command_count",
		Help: "The number of gateway commands consumed from the AMQP queue (per command type).",
	}, []string{"command"})
)

func amqpEventCounter(e string) prometheus.Counter {
	return publishedEvents.With(prometheus.Labels{"event": e})
}

func amqpCommandCounter(c string) prometheus.Counter {
	return consumedCommands.With(prometheus.Labels{"command": c})
}
